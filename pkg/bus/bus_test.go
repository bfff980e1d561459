package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/roomlink/pkg/metrics"
)

const (
	actionEcho  Action = "echo"
	actionBoom  Action = "boom"
	actionChain Action = "chain"
)

type echoMsg struct {
	Text string `json:"text"`
}

func (echoMsg) Action() Action { return actionEcho }

type boomMsg struct{}

func (boomMsg) Action() Action { return actionBoom }

type chainMsg struct {
	Next string `json:"next"`
}

func (chainMsg) Action() Action { return actionChain }

type recordingHandler struct {
	mu    sync.Mutex
	calls []Message
	post  Poster
}

func (h *recordingHandler) Decode(action Action, payload json.RawMessage) (Message, error) {
	switch action {
	case actionEcho:
		return DecodeAs[echoMsg](payload)
	case actionBoom:
		return DecodeAs[boomMsg](payload)
	case actionChain:
		return DecodeAs[chainMsg](payload)
	default:
		return nil, UnknownAction(action)
	}
}

func (h *recordingHandler) Handle(_ context.Context, msg Message) error {
	h.mu.Lock()
	h.calls = append(h.calls, msg)
	h.mu.Unlock()
	switch m := msg.(type) {
	case echoMsg:
		return nil
	case boomMsg:
		panic("boom")
	case chainMsg:
		if h.post != nil && m.Next != "" {
			h.post.Post(MustEnvelope("test", actionEcho, echoMsg{Text: m.Next}))
		}
		return nil
	default:
		return Unexpected(msg)
	}
}

func (h *recordingHandler) Calls() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.calls...)
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ context.Context, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func TestDispatch_InvokesActionExactlyOnceWithPayload(t *testing.T) {
	h := &recordingHandler{}
	b := New()
	require.NoError(t, b.Subscribe("test", h))

	env := MustEnvelope("test", actionEcho, echoMsg{Text: "hi"})
	require.NoError(t, b.Dispatch(context.Background(), env))

	calls := h.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, echoMsg{Text: "hi"}, calls[0])
}

func TestDispatch_UnknownTopicIsDropped(t *testing.T) {
	h := &recordingHandler{}
	m := metrics.New(nil)
	b := New(WithMetrics(m))
	require.NoError(t, b.Subscribe("test", h))

	err := b.Dispatch(context.Background(), MustEnvelope("webrtc", "offer", nil))
	require.ErrorIs(t, err, ErrUnknownTopic)
	require.Empty(t, h.Calls())
	require.Equal(t, 1.0, testutil.ToFloat64(m.Dispatched.WithLabelValues("webrtc", "offer", metrics.ResultUnknownTopic)))
}

func TestDispatch_UnknownActionReportsWithoutInvoking(t *testing.T) {
	h := &recordingHandler{}
	rep := &recordingReporter{}
	b := New(WithReporter(rep))
	require.NoError(t, b.Subscribe("test", h))

	err := b.Dispatch(context.Background(), MustEnvelope("test", "nope", nil))
	require.ErrorIs(t, err, ErrUnknownAction)
	require.Empty(t, h.Calls())
	require.Len(t, rep.errs, 1)
	require.ErrorIs(t, rep.errs[0], ErrUnknownAction)

	require.ErrorIs(t, b.Dispatch(context.Background(), MustEnvelope("other", "nope", nil)), ErrUnknownTopic)
	require.Len(t, rep.errs, 1, "unknown topics are only logged")
}

func TestDispatch_BadPayload(t *testing.T) {
	h := &recordingHandler{}
	b := New()
	require.NoError(t, b.Subscribe("test", h))

	err := b.Dispatch(context.Background(), Envelope{Topic: "test", Action: actionEcho, Payload: json.RawMessage(`{"text": 5}`)})
	require.ErrorIs(t, err, ErrBadPayload)
	require.Empty(t, h.Calls())
}

func TestDispatch_PanicIsRecoveredAndReported(t *testing.T) {
	h := &recordingHandler{}
	rep := &recordingReporter{}
	b := New(WithReporter(rep))
	require.NoError(t, b.Subscribe("test", h))

	var err error
	require.NotPanics(t, func() {
		err = b.Dispatch(context.Background(), MustEnvelope("test", actionBoom, nil))
	})
	require.ErrorIs(t, err, ErrHandlerPanic)
	require.Len(t, rep.errs, 1)
	require.ErrorIs(t, rep.errs[0], ErrHandlerPanic)
}

func TestSubscribe_DuplicateTopicFails(t *testing.T) {
	b := New()
	require.NoError(t, b.Subscribe("test", &recordingHandler{}))
	err := b.Subscribe("test", &recordingHandler{})
	require.ErrorIs(t, err, ErrDuplicateTopic)
	require.Panics(t, func() { b.MustSubscribe("test", &recordingHandler{}) })
	require.Equal(t, []Topic{"test"}, b.Topics())
}

func TestGuard_RecoversAndReports(t *testing.T) {
	rep := &recordingReporter{}
	var err error
	require.NotPanics(t, func() {
		err = Guard(context.Background(), rep, "worker", func() error { panic("boom") })
	})
	require.ErrorIs(t, err, ErrPanic)
	require.Contains(t, err.Error(), "worker: boom")
	require.Len(t, rep.errs, 1)

	plain := errors.New("plain")
	require.Equal(t, plain, Guard(context.Background(), nil, "worker", func() error { return plain }))
	require.Len(t, rep.errs, 1)
}
