package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/metrics"
)

type stubConn struct {
	mu         sync.Mutex
	in         chan []byte
	closed     chan struct{}
	once       sync.Once
	frames     [][]byte
	failWrites bool
}

func newStubConn() *stubConn {
	return &stubConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-s.in:
		return websocket.TextMessage, f, nil
	case <-s.closed:
		return 0, nil, errors.New("closed")
	}
}

func (s *stubConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("broken pipe")
	}
	if mt == websocket.TextMessage {
		s.frames = append(s.frames, append([]byte(nil), data...))
	}
	return nil
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error { return nil }

func (s *stubConn) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *stubConn) written(t *testing.T) []bus.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.Envelope, 0, len(s.frames))
	for _, f := range s.frames {
		env, err := bus.Decode(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

type stubDialer struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	headers   []http.Header
	conns     []*stubConn
	gate      chan struct{}
	prepare   func(n int, c *stubConn)
}

func (d *stubDialer) Dial(ctx context.Context, _ string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.headers = append(d.headers, header.Clone())
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	c := newStubConn()
	if d.prepare != nil {
		d.prepare(n, c)
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *stubDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *stubDialer) conn(i int) *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *stubDialer) header(i int) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[i]
}

func (d *stubDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordingPoster struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (p *recordingPoster) Post(env bus.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
}

func (p *recordingPoster) posted() []bus.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.Envelope(nil), p.envs...)
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

func fastSettings() Settings {
	return Settings{
		URL:            "ws://chat.test/ws",
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		DialTimeout:    time.Second,
	}
}

func env(action string) bus.Envelope {
	return bus.MustEnvelope("channels", bus.Action(action), map[string]string{"k": action})
}

func actions(envs []bus.Envelope) []bus.Action {
	out := make([]bus.Action, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Action)
	}
	return out
}

func TestHandler_ConnectSendReceive(t *testing.T) {
	d := &stubDialer{}
	p := &recordingPoster{}
	m := metrics.New(prometheus.NewRegistry())
	h := New(fastSettings(), p, WithDialer(d), WithTokenSource(staticToken("abc")), WithMetrics(m))

	require.NoError(t, h.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.State() == StateOpen }, time.Second, 5*time.Millisecond)
	require.Equal(t, "Bearer abc", d.header(0).Get("Authorization"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TransportState.WithLabelValues("open")))

	require.NoError(t, h.Send(env("sendMessage")))
	require.Equal(t, []bus.Action{"sendMessage"}, actions(d.conn(0).written(t)))

	c := d.conn(0)
	c.in <- []byte(`{"topic":"channels","action":"printMessage","payload":{"id":"m1"}}`)
	c.in <- []byte(`not json`)
	c.in <- []byte(`{"topic":"notifier","action":"growl"}`)
	require.Eventually(t, func() bool { return len(p.posted()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, bus.Topic("notifier"), p.posted()[1].Topic)
	require.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped))

	require.NoError(t, h.Disconnect())
	require.Equal(t, StateDisconnected, h.State())
	require.ErrorIs(t, h.Send(env("late")), ErrNotConnected)
}

func TestHandler_RejectsSendWhileDisconnected(t *testing.T) {
	h := New(Settings{}, &recordingPoster{})
	require.ErrorIs(t, h.Send(env("x")), ErrNotConnected)
	require.Error(t, h.Connect(context.Background()))
	require.NoError(t, h.Disconnect())
}

func TestHandler_QueuesWhileConnectingAndFlushesInOrder(t *testing.T) {
	d := &stubDialer{gate: make(chan struct{})}
	h := New(fastSettings(), &recordingPoster{}, WithDialer(d))
	t.Cleanup(func() { _ = h.Disconnect() })

	require.NoError(t, h.Connect(context.Background()))
	require.Equal(t, StateConnecting, h.State())
	for _, a := range []string{"a", "b", "c"} {
		require.NoError(t, h.Send(env(a)))
	}
	require.Equal(t, 3, h.Queued())

	close(d.gate)
	require.Eventually(t, func() bool { return d.dialed() == 1 && len(d.conn(0).written(t)) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []bus.Action{"a", "b", "c"}, actions(d.conn(0).written(t)))
	require.Equal(t, 0, h.Queued())
}

func TestHandler_DropsOldestWhenQueueFull(t *testing.T) {
	d := &stubDialer{gate: make(chan struct{})}
	m := metrics.New(prometheus.NewRegistry())
	s := fastSettings()
	s.QueueSize = 2
	h := New(s, &recordingPoster{}, WithDialer(d), WithMetrics(m))
	t.Cleanup(func() { _ = h.Disconnect() })

	require.NoError(t, h.Connect(context.Background()))
	for _, a := range []string{"a", "b", "c"} {
		require.NoError(t, h.Send(env(a)))
	}
	require.Equal(t, 2, h.Queued())
	require.Equal(t, 1.0, testutil.ToFloat64(m.QueueDropped))

	close(d.gate)
	require.Eventually(t, func() bool { return d.dialed() == 1 && len(d.conn(0).written(t)) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []bus.Action{"b", "c"}, actions(d.conn(0).written(t)))
}

func TestHandler_ReconnectsAfterUnexpectedCloses(t *testing.T) {
	d := &stubDialer{}
	m := metrics.New(prometheus.NewRegistry())

	var mu sync.Mutex
	var states []State
	h := New(fastSettings(), &recordingPoster{}, WithDialer(d), WithMetrics(m), WithStateHook(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	t.Cleanup(func() { _ = h.Disconnect() })

	require.NoError(t, h.Connect(context.Background()))
	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool { return h.State() == StateOpen && d.dialed() == i+1 }, time.Second, 2*time.Millisecond)
		require.NoError(t, d.conn(i).Close())
	}
	require.Eventually(t, func() bool { return h.State() == StateOpen && d.dialed() == 4 }, time.Second, 2*time.Millisecond)
	require.Equal(t, 3.0, testutil.ToFloat64(m.ReconnectTries))

	require.NoError(t, h.Send(env("after")))
	require.Equal(t, []bus.Action{"after"}, actions(d.conn(3).written(t)))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, StateConnecting, states[0])
	require.Equal(t, StateOpen, states[1])
	require.Contains(t, states, StateReconnecting)
}

func TestHandler_RetriesFailedDialsAndFlushesQueue(t *testing.T) {
	d := &stubDialer{failFirst: 3}
	h := New(fastSettings(), &recordingPoster{}, WithDialer(d))
	t.Cleanup(func() { _ = h.Disconnect() })

	require.NoError(t, h.Connect(context.Background()))
	require.NoError(t, h.Send(env("queued")))
	require.Eventually(t, func() bool { return h.State() == StateOpen }, time.Second, 2*time.Millisecond)
	require.Equal(t, 4, d.callCount())
	require.Equal(t, []bus.Action{"queued"}, actions(d.conn(0).written(t)))
}

func TestHandler_DisconnectCancelsPendingBackoff(t *testing.T) {
	d := &stubDialer{failFirst: 1 << 30}
	s := fastSettings()
	s.BackoffInitial = time.Hour
	s.BackoffMax = time.Hour
	h := New(s, &recordingPoster{}, WithDialer(d))

	require.NoError(t, h.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.State() == StateReconnecting }, time.Second, 2*time.Millisecond)
	require.NoError(t, h.Send(env("pending")))
	require.Equal(t, 1, h.Queued())

	start := time.Now()
	require.NoError(t, h.Disconnect())
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, StateDisconnected, h.State())
	require.Equal(t, 0, h.Queued())
	require.Equal(t, 1, d.callCount())
}

func TestHandler_WriteFailureRequeuesAndReconnects(t *testing.T) {
	d := &stubDialer{prepare: func(n int, c *stubConn) {
		c.failWrites = n == 1
	}}
	h := New(fastSettings(), &recordingPoster{}, WithDialer(d))
	t.Cleanup(func() { _ = h.Disconnect() })

	require.NoError(t, h.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.State() == StateOpen }, time.Second, 2*time.Millisecond)

	require.NoError(t, h.Send(env("retry-me")))
	require.Eventually(t, func() bool {
		return d.dialed() == 2 && len(d.conn(1).written(t)) == 1
	}, time.Second, 2*time.Millisecond)
	require.Equal(t, []bus.Action{"retry-me"}, actions(d.conn(1).written(t)))
}

func TestHandler_StopsWhenContextEnds(t *testing.T) {
	d := &stubDialer{}
	h := New(fastSettings(), &recordingPoster{}, WithDialer(d))
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, h.Connect(ctx))
	require.Eventually(t, func() bool { return h.State() == StateOpen }, time.Second, 2*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return h.State() == StateDisconnected }, time.Second, 2*time.Millisecond)
	require.NoError(t, h.Disconnect())
}

func TestSettings_Defaults(t *testing.T) {
	s := Settings{BackoffJitter: 3}.withDefaults()
	require.Equal(t, 256, s.QueueSize)
	require.Equal(t, 500*time.Millisecond, s.BackoffInitial)
	require.Equal(t, 30*time.Second, s.BackoffMax)
	require.Equal(t, 0.5, s.BackoffJitter)

	b := s.newBackOff()
	require.Equal(t, time.Duration(0), b.MaxElapsedTime)
	for i := 0; i < 20; i++ {
		require.LessOrEqual(t, b.NextBackOff(), 45*time.Second)
	}
}

type dropRecorder struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (r *dropRecorder) record(env bus.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *dropRecorder) actions() []bus.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return actions(r.envs)
}

func TestHandler_DropHookSeesEvictedAndClearedEnvelopes(t *testing.T) {
	d := &stubDialer{gate: make(chan struct{})}
	drops := &dropRecorder{}
	s := fastSettings()
	s.QueueSize = 2
	h := New(s, &recordingPoster{}, WithDialer(d), WithDropHook(drops.record))

	require.NoError(t, h.Connect(context.Background()))
	require.NoError(t, h.Send(env("a")))
	require.NoError(t, h.Send(env("b")))
	require.NoError(t, h.Send(env("c")))
	require.Equal(t, []bus.Action{"a"}, drops.actions())

	require.NoError(t, h.Disconnect())
	require.Equal(t, []bus.Action{"a", "b", "c"}, drops.actions())
	require.Equal(t, 0, h.Queued())
}

type directionRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *directionRecorder) Observe(dir bus.Direction, env bus.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, string(dir)+" "+string(env.Action))
}

func (r *directionRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestHandler_ObserverSeesOnlyNetworkTraffic(t *testing.T) {
	d := &stubDialer{}
	p := &recordingPoster{}
	obs := &directionRecorder{}
	h := New(fastSettings(), p, WithDialer(d), WithObserver(obs))
	defer func() { _ = h.Disconnect() }()

	require.NoError(t, h.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.State() == StateOpen }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Send(env("sendMessage")))
	d.conn(0).in <- []byte(`{"topic":"channels","action":"printMessage"}`)

	require.Eventually(t, func() bool { return len(obs.list()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"outbound sendMessage", "inbound printMessage"}, obs.list())
}

type panickyPoster struct {
	recordingPoster
	once sync.Once
}

func (p *panickyPoster) Post(env bus.Envelope) {
	first := false
	p.once.Do(func() { first = true })
	if first {
		panic("poster exploded")
	}
	p.recordingPoster.Post(env)
}

type errReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *errReporter) Report(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func TestHandler_PanicInReadLoopIsReportedAndReconnects(t *testing.T) {
	d := &stubDialer{}
	p := &panickyPoster{}
	rep := &errReporter{}
	h := New(fastSettings(), p, WithDialer(d), WithReporter(rep))
	defer func() { _ = h.Disconnect() }()

	require.NoError(t, h.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.State() == StateOpen }, time.Second, 5*time.Millisecond)
	d.conn(0).in <- []byte(`{"topic":"channels","action":"printMessage"}`)

	require.Eventually(t, func() bool { return rep.count() == 1 }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, rep.errs[0], bus.ErrPanic)
	require.Eventually(t, func() bool { return d.dialed() == 2 && h.State() == StateOpen }, time.Second, 5*time.Millisecond)

	d.conn(1).in <- []byte(`{"topic":"channels","action":"history"}`)
	require.Eventually(t, func() bool { return len(p.posted()) == 1 }, time.Second, 5*time.Millisecond)
}
