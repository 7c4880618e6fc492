package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Bus is the per-call Observer. Events are queued by the transport reader and
// handled one at a time on the goroutine running Run, so a slow handler
// (forward retries) never blocks frame processing.
type Bus struct {
	log      *zap.Logger
	handlers [numTypes]Handler
	queue    chan Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewBus creates a bus with room for size pending events.
func NewBus(log *zap.Logger, size int) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	if size <= 0 {
		size = 32
	}
	return &Bus{
		log:   log,
		queue: make(chan Event, size),
		done:  make(chan struct{}),
	}
}

// On registers the handler for t. Each type takes exactly one handler.
func (b *Bus) On(t Type, h Handler) error {
	if t < 0 || t >= numTypes {
		return fmt.Errorf("events: unknown type %d", int(t))
	}
	if b.handlers[t] != nil {
		return fmt.Errorf("%w: %s", ErrHandlerExists, t)
	}
	b.handlers[t] = h
	return nil
}

// Handle enqueues ev for dispatch.
func (b *Bus) Handle(ctx context.Context, ev Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	select {
	case b.queue <- ev:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches queued events until ctx is done or Close is called.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		}
	}
}

// Close stops Run. Pending events are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic", zap.Stringer("event", ev.Type), zap.Any("panic", r))
		}
	}()

	var h Handler
	if ev.Type >= 0 && ev.Type < numTypes {
		h = b.handlers[ev.Type]
	}
	if h == nil {
		b.log.Debug("unhandled event", zap.Stringer("event", ev.Type))
		return
	}
	if err := h(ctx, ev); err != nil {
		b.log.Error("event handler failed", zap.Stringer("event", ev.Type), zap.Error(err))
	}
}
