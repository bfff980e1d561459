// Package bus routes envelopes onto the handler subscribed under their topic.
//
// Handlers are registered once at startup and live for the process lifetime. Each
// handler owns a closed set of actions: Decode maps a wire action onto one of the
// handler's message types (anything else is ErrUnknownAction) and Handle switches on
// the concrete type. Dispatch is synchronous; handlers push slow work (persistence
// writes) into their own continuations.
package bus

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/metrics"
)

var (
	ErrUnknownTopic      = errors.New("unknown topic")
	ErrUnknownAction     = errors.New("unknown action")
	ErrBadPayload        = errors.New("invalid payload")
	ErrDuplicateTopic    = errors.New("topic already subscribed")
	ErrHandlerPanic      = errors.New("handler panicked")
	ErrPanic             = errors.New("panic recovered")
	ErrUnexpectedMessage = errors.New("unexpected message type")
)

// Message is a decoded action. Handler packages seal their message sets with an
// unexported marker method.
type Message interface {
	Action() Action
}

type Handler interface {
	Decode(action Action, payload json.RawMessage) (Message, error)
	Handle(ctx context.Context, msg Message) error
}

// Reporter receives failures that escaped a handler.
type Reporter interface {
	Report(ctx context.Context, err error)
}

type Direction string

const (
	// Inbound envelopes arrived from the server.
	Inbound Direction = "inbound"
	// Outbound envelopes were written to the server.
	Outbound Direction = "outbound"
)

// Observer sees the envelopes crossing the network boundary. Envelopes the client
// posts to itself are not observed.
type Observer interface {
	Observe(dir Direction, env Envelope)
}

// Poster accepts envelopes for later, in-order dispatch.
type Poster interface {
	Post(env Envelope)
}

// DecodeAs unmarshals payload into the message type T.
func DecodeAs[T Message](payload json.RawMessage) (Message, error) {
	var m T
	if len(payload) == 0 || string(payload) == "null" {
		return m, nil
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, errors.Wrapf(ErrBadPayload, "%s: %v", m.Action(), err)
	}
	return m, nil
}

func UnknownAction(action Action) error {
	return errors.Wrapf(ErrUnknownAction, "%q", action)
}

func Unexpected(msg Message) error {
	return errors.Wrapf(ErrUnexpectedMessage, "%T", msg)
}

type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic]Handler
	reporter Reporter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

type Option func(*Bus)

func WithReporter(r Reporter) Option {
	return func(b *Bus) { b.reporter = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: map[Topic]Handler{},
		logger:   log.With().Str("component", "bus").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h under topic. A topic can only be taken once.
func (b *Bus) Subscribe(topic Topic, h Handler) error {
	if topic == "" {
		return errors.New("subscribe: empty topic")
	}
	if h == nil {
		return errors.Errorf("subscribe %q: nil handler", topic)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[topic]; ok {
		return errors.Wrapf(ErrDuplicateTopic, "%q", topic)
	}
	b.handlers[topic] = h
	b.logger.Debug().Str("topic", string(topic)).Msg("handler subscribed")
	return nil
}

// MustSubscribe is Subscribe for composition roots, where a clash is fatal.
func (b *Bus) MustSubscribe(topic Topic, h Handler) {
	if err := b.Subscribe(topic, h); err != nil {
		panic(err)
	}
}

func (b *Bus) Topics() []Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Topic, 0, len(b.handlers))
	for t := range b.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch invokes the handler action named by env exactly once.
//
// Unknown topics are logged and dropped. Bad payloads and handler errors are logged
// and returned. Unknown actions and panicking handlers are also reported; neither
// takes the process down.
func (b *Bus) Dispatch(ctx context.Context, env Envelope) (err error) {
	b.mu.RLock()
	h, ok := b.handlers[env.Topic]
	b.mu.RUnlock()

	l := b.logger.With().Str("topic", string(env.Topic)).Str("action", string(env.Action)).Logger()
	if !ok {
		l.Warn().Msg("no handler for topic, dropping envelope")
		b.metrics.ObserveDispatch(string(env.Topic), string(env.Action), metrics.ResultUnknownTopic)
		return errors.Wrapf(ErrUnknownTopic, "%q", env.Topic)
	}

	msg, err := h.Decode(env.Action, env.Payload)
	if err != nil {
		result := metrics.ResultError
		switch {
		case errors.Is(err, ErrUnknownAction):
			result = metrics.ResultUnknownAct
		case errors.Is(err, ErrBadPayload):
			result = metrics.ResultBadPayload
		}
		l.Error().Err(err).Msg("cannot decode envelope")
		b.metrics.ObserveDispatch(string(env.Topic), string(env.Action), result)
		err = errors.Wrapf(err, "dispatch %s", env)
		if result == metrics.ResultUnknownAct && b.reporter != nil {
			b.reporter.Report(ctx, err)
		}
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrHandlerPanic, "%s: %v", env, r)
			l.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("handler panicked")
			b.metrics.ObserveDispatch(string(env.Topic), string(env.Action), metrics.ResultPanic)
			if b.reporter != nil {
				b.reporter.Report(ctx, err)
			}
		}
	}()

	if err := h.Handle(ctx, msg); err != nil {
		l.Error().Err(err).Msg("handler failed")
		b.metrics.ObserveDispatch(string(env.Topic), string(env.Action), metrics.ResultError)
		return errors.Wrapf(err, "dispatch %s", env)
	}
	b.metrics.ObserveDispatch(string(env.Topic), string(env.Action), metrics.ResultOK)
	return nil
}

// Guard runs fn and turns a panic into an ErrPanic error that is logged and handed
// to r. Long-lived goroutines wrap each unit of work with it so one bad item does
// not end the process.
func Guard(ctx context.Context, r Reporter, what string, fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = errors.Wrapf(ErrPanic, "%s: %v", what, v)
			log.Error().
				Str("component", "bus").
				Str("where", what).
				Interface("panic", v).
				Str("stack", string(debug.Stack())).
				Msg("recovered panic")
			if r != nil {
				r.Report(ctx, err)
			}
		}
	}()
	return fn()
}
