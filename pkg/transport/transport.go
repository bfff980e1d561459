// Package transport keeps one WebSocket connection to the chat server alive.
//
// The handler moves through disconnected, connecting, open, closing and
// reconnecting. Any unexpected close or failed dial schedules another attempt after
// a jittered exponential backoff; attempts never stop until Disconnect. Envelopes
// sent while a connection is being established wait in a bounded queue and are
// flushed in order once the socket opens.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/metrics"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateReconnecting State = "reconnecting"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateOpen),
	string(StateClosing),
	string(StateReconnecting),
}

var (
	ErrNotConnected = errors.New("transport not connected")
	errCycleAborted = errors.New("connection cycle aborted")
)

type Settings struct {
	URL               string
	QueueSize         int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		QueueSize:         256,
		BackoffInitial:    500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		BackoffMultiplier: 2,
		BackoffJitter:     0.5,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.QueueSize <= 0 {
		s.QueueSize = d.QueueSize
	}
	if s.BackoffInitial <= 0 {
		s.BackoffInitial = d.BackoffInitial
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = d.BackoffMax
	}
	if s.BackoffMultiplier < 1 {
		s.BackoffMultiplier = d.BackoffMultiplier
	}
	if s.BackoffJitter < 0 || s.BackoffJitter > 1 {
		s.BackoffJitter = d.BackoffJitter
	}
	if s.DialTimeout <= 0 {
		s.DialTimeout = d.DialTimeout
	}
	if s.WriteTimeout < 0 {
		s.WriteTimeout = 0
	}
	return s
}

func (s Settings) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.BackoffInitial
	b.MaxInterval = s.BackoffMax
	b.Multiplier = s.BackoffMultiplier
	b.RandomizationFactor = s.BackoffJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type Handler struct {
	settings Settings
	poster   bus.Poster
	dialer   Dialer
	tokens   TokenSource
	observer bus.Observer
	reporter bus.Reporter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	onState  func(State)
	onDrop   func(bus.Envelope)

	mu      sync.Mutex
	state   State
	conn    Conn
	queue   []bus.Envelope
	backoff *backoff.ExponentialBackOff
	attempt int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Handler)

func WithDialer(d Dialer) Option {
	return func(h *Handler) {
		if d != nil {
			h.dialer = d
		}
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(h *Handler) { h.tokens = ts }
}

func WithObserver(o bus.Observer) Option {
	return func(h *Handler) { h.observer = o }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithReporter receives panics recovered in the connection loop.
func WithReporter(r bus.Reporter) Option {
	return func(h *Handler) { h.reporter = r }
}

func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithStateHook registers fn for every state change. fn runs with the handler
// locked and must not call back into it.
func WithStateHook(fn func(State)) Option {
	return func(h *Handler) { h.onState = fn }
}

// WithDropHook registers fn for every queued envelope that will never be written:
// evicted by a full queue or cleared by Disconnect. fn runs with the handler locked
// and must not call back into it.
func WithDropHook(fn func(bus.Envelope)) Option {
	return func(h *Handler) { h.onDrop = fn }
}

// New builds a disconnected handler that posts inbound envelopes to poster.
func New(s Settings, poster bus.Poster, opts ...Option) *Handler {
	s = s.withDefaults()
	h := &Handler{
		settings: s,
		poster:   poster,
		logger:   log.With().Str("component", "transport").Logger(),
		state:    StateDisconnected,
		backoff:  s.newBackOff(),
	}
	h.dialer = WebsocketDialer{Dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.DialTimeout,
	}}
	for _, opt := range opts {
		opt(h)
	}
	h.metrics.SetState(allStates, string(h.state))
	return h
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Queued returns the number of envelopes waiting for the socket to open.
func (h *Handler) Queued() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

func (h *Handler) setStateLocked(s State) {
	if h.state == s {
		return
	}
	h.logger.Debug().Str("from", string(h.state)).Str("to", string(s)).Msg("transport state")
	h.state = s
	h.metrics.SetState(allStates, string(s))
	if h.onState != nil {
		h.onState(s)
	}
}

// Connect starts connecting in the background. It is a no-op unless the handler
// is disconnected.
func (h *Handler) Connect(ctx context.Context) error {
	if h.settings.URL == "" {
		return errors.New("transport: empty url")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateDisconnected {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.backoff.Reset()
	h.attempt = 0
	h.setStateLocked(StateConnecting)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(runCtx)
	}()
	return nil
}

// Disconnect closes the socket from any state, drops queued envelopes and cancels
// a pending reconnect. It returns once the background loop has stopped.
func (h *Handler) Disconnect() error {
	h.mu.Lock()
	if h.state == StateDisconnected {
		h.clearQueueLocked()
		h.mu.Unlock()
		return nil
	}
	h.setStateLocked(StateClosing)
	cancel := h.cancel
	conn := h.conn
	h.cancel = nil
	h.conn = nil
	if n := len(h.queue); n > 0 {
		h.logger.Info().Int("dropped", n).Msg("disconnect cleared outbound queue")
	}
	h.clearQueueLocked()
	h.mu.Unlock()

	var err error
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()

	h.mu.Lock()
	h.setStateLocked(StateDisconnected)
	h.mu.Unlock()
	return err
}

// Send writes env when open and queues it while connecting or reconnecting.
// It returns ErrNotConnected when disconnected or closing.
func (h *Handler) Send(env bus.Envelope) error {
	frame, err := bus.Encode(env)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateOpen:
		if err := h.writeLocked(env, frame); err != nil {
			h.logger.Warn().Err(err).Str("envelope", env.String()).Msg("write failed, reconnecting")
			h.enqueueLocked(env)
			h.dropConnLocked()
		}
		return nil
	case StateConnecting, StateReconnecting:
		h.enqueueLocked(env)
		return nil
	default:
		return errors.Wrapf(ErrNotConnected, "send %s while %s", env, h.state)
	}
}

func (h *Handler) enqueueLocked(env bus.Envelope) {
	if len(h.queue) >= h.settings.QueueSize {
		dropped := h.queue[0]
		h.queue = h.queue[1:]
		h.metrics.ObserveQueueDrop()
		h.logger.Warn().
			Str("envelope", dropped.String()).
			Int("queue_size", h.settings.QueueSize).
			Msg("outbound queue full, dropping oldest")
		h.dropped(dropped)
	}
	h.queue = append(h.queue, env)
}

func (h *Handler) clearQueueLocked() {
	for _, env := range h.queue {
		h.dropped(env)
	}
	h.queue = nil
}

func (h *Handler) dropped(env bus.Envelope) {
	if h.onDrop != nil {
		h.onDrop(env)
	}
}

func (h *Handler) writeLocked(env bus.Envelope, frame []byte) error {
	if h.conn == nil {
		return ErrNotConnected
	}
	if h.settings.WriteTimeout > 0 {
		_ = h.conn.SetWriteDeadline(time.Now().Add(h.settings.WriteTimeout))
	}
	if err := h.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	if h.observer != nil {
		h.observer.Observe(bus.Outbound, env)
	}
	return nil
}

// dropConnLocked closes the current socket after a failure. The read loop sees the
// close and schedules a reconnect.
func (h *Handler) dropConnLocked() {
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	h.setStateLocked(StateReconnecting)
}

func (h *Handler) flushLocked() {
	for len(h.queue) > 0 {
		env := h.queue[0]
		frame, err := bus.Encode(env)
		if err == nil {
			err = h.writeLocked(env, frame)
		}
		if err != nil {
			h.logger.Warn().Err(err).Int("queued", len(h.queue)).Msg("flush failed, reconnecting")
			h.dropConnLocked()
			return
		}
		h.queue[0] = bus.Envelope{}
		h.queue = h.queue[1:]
	}
	h.queue = nil
}

func (h *Handler) run(ctx context.Context) {
	defer h.stopped()
	for {
		done := false
		err := bus.Guard(ctx, h.reporter, "transport", func() error {
			done = h.cycle(ctx)
			return nil
		})
		if err != nil {
			h.logger.Error().Err(err).Msg("connection cycle aborted")
		}
		if done || ctx.Err() != nil {
			return
		}
		if !h.wait(ctx) {
			return
		}
	}
}

// cycle dials once and, when that succeeds, reads until the socket fails. It
// reports true when the loop must end.
func (h *Handler) cycle(ctx context.Context) bool {
	conn, err := h.dial(ctx)
	if ctx.Err() != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return true
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("url", h.settings.URL).Msg("connect failed")
		return false
	}

	// A panic below still counts as a lost connection.
	readErr := errCycleAborted
	lost := true
	defer func() {
		if lost {
			h.lost(conn, readErr)
		}
	}()
	if !h.opened(ctx, conn) {
		lost = false
		_ = conn.Close()
		return true
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	readErr = h.read(conn)
	if ctx.Err() != nil {
		lost = false
		return true
	}
	return false
}

// stopped handles the loop ending because the Connect context ended. Disconnect
// finishes its own teardown.
func (h *Handler) stopped() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosing || h.state == StateDisconnected {
		return
	}
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.clearQueueLocked()
	h.setStateLocked(StateDisconnected)
}

func (h *Handler) dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if h.tokens != nil {
		if token := h.tokens.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	dialCtx, cancel := context.WithTimeout(ctx, h.settings.DialTimeout)
	defer cancel()
	return h.dialer.Dial(dialCtx, h.settings.URL, header)
}

func (h *Handler) opened(ctx context.Context, conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx.Err() != nil || h.state == StateClosing {
		return false
	}
	h.conn = conn
	h.backoff.Reset()
	h.attempt = 0
	h.setStateLocked(StateOpen)
	h.logger.Info().Str("url", h.settings.URL).Int("queued", len(h.queue)).Msg("connected")
	h.flushLocked()
	return true
}

func (h *Handler) read(conn Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := bus.Decode(frame)
		if err != nil {
			h.metrics.ObserveFrameDrop()
			h.logger.Warn().Err(err).Int("bytes", len(frame)).Msg("dropping unparseable frame")
			continue
		}
		if h.observer != nil {
			h.observer.Observe(bus.Inbound, env)
		}
		h.poster.Post(env)
	}
}

func (h *Handler) lost(conn Conn, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = conn.Close()
	if h.conn == conn {
		h.conn = nil
	}
	if h.state == StateClosing {
		return
	}
	ev := h.logger.Warn()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ev = h.logger.Info()
	}
	ev.Err(err).Msg("connection closed")
	h.setStateLocked(StateReconnecting)
}

// wait sleeps for the next backoff interval. It returns false when ctx ends first.
func (h *Handler) wait(ctx context.Context) bool {
	h.mu.Lock()
	if ctx.Err() != nil || h.state == StateClosing {
		h.mu.Unlock()
		return false
	}
	h.setStateLocked(StateReconnecting)
	delay := h.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = h.settings.BackoffMax
	}
	h.attempt++
	attempt := h.attempt
	h.mu.Unlock()

	h.metrics.ObserveReconnect()
	h.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
