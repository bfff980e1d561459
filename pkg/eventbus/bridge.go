package eventbus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/metrics"
)

func newID() string { return watermill.NewUUID() }

// Bridge reads envelopes published on a watermill topic and posts them into the
// event loop, in the order the subscriber yields them.
type Bridge struct {
	subscriber message.Subscriber
	topic      string
	poster     bus.Poster
	metrics    *metrics.Metrics
	reporter   bus.Reporter
	logger     zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

type BridgeOption func(*Bridge)

// WithBridgeReporter receives panics recovered while handling a message.
func WithBridgeReporter(r bus.Reporter) BridgeOption {
	return func(b *Bridge) { b.reporter = r }
}

func NewBridge(subscriber message.Subscriber, topic string, poster bus.Poster, m *metrics.Metrics, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		subscriber: subscriber,
		topic:      topic,
		poster:     poster,
		metrics:    m,
		logger:     log.With().Str("component", "eventbus").Str("topic", topic).Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes and consumes in the background. It returns once the
// subscription exists.
func (b *Bridge) Start(ctx context.Context) error {
	if b == nil || b.subscriber == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := b.subscriber.Subscribe(runCtx, b.topic)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "subscribe %s", b.topic)
	}
	b.cancel = cancel
	b.running = true
	b.done = make(chan struct{})
	go b.consume(ch, b.done)
	b.logger.Info().Msg("bridge started")
	return nil
}

// Stop cancels the subscription and waits for the consumer to exit.
func (b *Bridge) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (b *Bridge) IsRunning() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bridge) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		err := bus.Guard(msg.Context(), b.reporter, "bridge consume", func() error {
			env, err := bus.Decode(msg.Payload)
			if err != nil {
				return err
			}
			b.poster.Post(env)
			return nil
		})
		if err != nil {
			b.metrics.ObserveFrameDrop()
			b.logger.Warn().Err(err).Str("uuid", msg.UUID).Msg("bridge: dropping message")
		}
		msg.Ack()
	}
	b.logger.Info().Msg("bridge stopped")
	b.mu.Lock()
	b.running = false
	b.cancel = nil
	b.mu.Unlock()
}
