package bus

import (
	"context"
	"sync"
)

// Loop is the single cooperative event loop of the client. Transport read loops,
// external bridges and handlers post envelopes; one consumer dispatches them in the
// order they were posted.
type Loop struct {
	bus *Bus

	mu    sync.Mutex
	queue []Envelope
	wake  chan struct{}
}

var _ Poster = (*Loop)(nil)

func NewLoop(b *Bus) *Loop {
	return &Loop{
		bus:  b,
		wake: make(chan struct{}, 1),
	}
}

// Post appends env to the queue. It never blocks, so handlers may post from inside
// a dispatch.
func (l *Loop) Post(env Envelope) {
	l.mu.Lock()
	l.queue = append(l.queue, env)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) pop() (Envelope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return Envelope{}, false
	}
	env := l.queue[0]
	l.queue[0] = Envelope{}
	l.queue = l.queue[1:]
	if len(l.queue) == 0 {
		l.queue = nil
	}
	return env, true
}

// DispatchPending dispatches until the queue is empty, including envelopes posted
// while it runs. It returns the number of envelopes dispatched.
func (l *Loop) DispatchPending(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		env, ok := l.pop()
		if !ok {
			return n
		}
		// Dispatch logs its own failures.
		_ = l.bus.Dispatch(ctx, env)
		n++
	}
	return n
}

// Run dispatches posted envelopes until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.DispatchPending(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}
