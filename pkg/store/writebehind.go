package store

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/metrics"
	"github.com/go-go-golems/roomlink/pkg/model"
)

// Persister is the write side of a storage adapter.
type Persister interface {
	SaveMessage(ctx context.Context, m model.Message) error
	DeleteMessage(ctx context.Context, roomID model.RoomID, id model.MessageID) error
	SaveRoom(ctx context.Context, room model.RoomInfo) error
	DeleteRoom(ctx context.Context, roomID model.RoomID) error
	SaveUserInfo(ctx context.Context, info model.UserInfo) error
	SaveSettings(ctx context.Context, settings model.Settings) error
	Clear(ctx context.Context) error
}

type writeOp struct {
	name string
	fn   func(ctx context.Context, p Persister) error
	done chan struct{}
}

// writeBehind mirrors store mutations into a Persister from one worker goroutine,
// in the order they were enqueued. Failures are logged and dropped: persistence may
// lag or miss writes, the live store stays authoritative.
type writeBehind struct {
	p        Persister
	metrics  *metrics.Metrics
	reporter bus.Reporter
	logger   zerolog.Logger

	mu      sync.Mutex
	queue   []writeOp
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	cancel  context.CancelFunc
}

func newWriteBehind(p Persister, m *metrics.Metrics, r bus.Reporter, logger zerolog.Logger) *writeBehind {
	ctx, cancel := context.WithCancel(context.Background())
	wb := &writeBehind{
		p:        p,
		metrics:  m,
		reporter: r,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		cancel:   cancel,
	}
	go wb.run(ctx)
	return wb
}

func (wb *writeBehind) enqueue(op writeOp) bool {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return false
	}
	wb.queue = append(wb.queue, op)
	wb.mu.Unlock()
	select {
	case wb.wake <- struct{}{}:
	default:
	}
	return true
}

func (wb *writeBehind) next() (writeOp, bool, bool) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if len(wb.queue) == 0 {
		return writeOp{}, false, wb.closed
	}
	op := wb.queue[0]
	wb.queue[0] = writeOp{}
	wb.queue = wb.queue[1:]
	return op, true, false
}

func (wb *writeBehind) run(ctx context.Context) {
	defer close(wb.stopped)
	for {
		op, ok, closed := wb.next()
		if !ok {
			if closed {
				return
			}
			<-wb.wake
			continue
		}
		if op.done != nil {
			close(op.done)
			continue
		}
		err := bus.Guard(ctx, wb.reporter, "write-behind "+op.name, func() error {
			return op.fn(ctx, wb.p)
		})
		if err != nil {
			wb.logger.Warn().Err(err).Str("op", op.name).Msg("write-behind failed")
			wb.metrics.ObserveStorageError(op.name)
		}
	}
}

// flush waits until every write enqueued before the call has been attempted.
func (wb *writeBehind) flush(ctx context.Context) error {
	done := make(chan struct{})
	if !wb.enqueue(writeOp{name: "flush", done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains the queue and stops the worker.
func (wb *writeBehind) close(ctx context.Context) error {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return nil
	}
	wb.closed = true
	wb.mu.Unlock()
	select {
	case wb.wake <- struct{}{}:
	default:
	}
	select {
	case <-wb.stopped:
		wb.cancel()
		return nil
	case <-ctx.Done():
		wb.cancel()
		return ctx.Err()
	}
}
