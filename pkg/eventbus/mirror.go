package eventbus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/bus"
)

const mirrorBuffer = 256

type mirrored struct {
	dir bus.Direction
	env bus.Envelope
}

// Mirror publishes observed envelopes from its own goroutine so a slow broker
// never stalls dispatch. When the buffer is full the envelope is skipped.
type Mirror struct {
	pub      message.Publisher
	topic    string
	logger   zerolog.Logger
	reporter bus.Reporter
	skip     map[bus.Topic]map[bus.Action]bool

	ch      chan mirrored
	done    chan struct{}
	closeMu sync.Once
}

var _ bus.Observer = (*Mirror)(nil)

type MirrorOption func(*Mirror)

// WithMirrorReporter receives panics recovered while publishing.
func WithMirrorReporter(r bus.Reporter) MirrorOption {
	return func(m *Mirror) { m.reporter = r }
}

// WithMirrorSkip never publishes topic/action, for envelopes carrying credentials.
func WithMirrorSkip(topic bus.Topic, action bus.Action) MirrorOption {
	return func(m *Mirror) {
		if m.skip[topic] == nil {
			m.skip[topic] = map[bus.Action]bool{}
		}
		m.skip[topic][action] = true
	}
}

func NewMirror(pub message.Publisher, topic string, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		pub:    pub,
		topic:  topic,
		logger: log.With().Str("component", "eventbus").Str("topic", topic).Logger(),
		skip:   map[bus.Topic]map[bus.Action]bool{},
		ch:     make(chan mirrored, mirrorBuffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

func (m *Mirror) Observe(dir bus.Direction, env bus.Envelope) {
	if m == nil || m.skip[env.Topic][env.Action] {
		return
	}
	select {
	case <-m.done:
	case m.ch <- mirrored{dir: dir, env: env}:
	default:
		m.logger.Warn().Str("envelope", env.String()).Msg("mirror buffer full, skipping envelope")
	}
}

func (m *Mirror) run() {
	for {
		select {
		case <-m.done:
			return
		case item := <-m.ch:
			_ = bus.Guard(context.Background(), m.reporter, "mirror publish", func() error {
				m.publish(item)
				return nil
			})
		}
	}
}

func (m *Mirror) publish(item mirrored) {
	frame, err := bus.Encode(item.env)
	if err != nil {
		m.logger.Warn().Err(err).Msg("mirror encode failed")
		return
	}
	msg := message.NewMessage(newID(), frame)
	msg.Metadata.Set("direction", string(item.dir))
	msg.Metadata.Set("topic", string(item.env.Topic))
	msg.Metadata.Set("action", string(item.env.Action))
	if err := m.pub.Publish(m.topic, msg); err != nil {
		m.logger.Warn().Err(err).Str("envelope", item.env.String()).Msg("mirror publish failed")
	}
}

// Close stops publishing. Envelopes still buffered are dropped.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeMu.Do(func() { close(m.done) })
}
