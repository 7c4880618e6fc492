package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinicvoice/callbridge/internal/metrics"
)

// Dispatcher runs tool invocations for one call.
type Dispatcher struct {
	table   *Table
	log     *zap.Logger
	metrics *metrics.Collectors

	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]context.CancelFunc

	wg sync.WaitGroup
}

func NewDispatcher(table *Table, log *zap.Logger, m *metrics.Collectors) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		table:    table,
		log:      log,
		metrics:  m,
		inflight: make(map[uint64]context.CancelFunc),
	}
}

// Dispatch runs inv in the background and calls resolve exactly once with
// its outcome. Handler errors, invalid arguments, unknown tools, panics and
// cancellation all resolve with an error payload.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation, resolve func(Resolution)) {
	var once sync.Once
	deliver := func(r Resolution) {
		once.Do(func() {
			status := "ok"
			if r.Failed() {
				status = "error"
				d.log.Warn("tool failed", zap.String("tool", inv.Name), zap.String("id", inv.ID), zap.String("error", r.Err))
			} else {
				d.log.Debug("tool resolved", zap.String("tool", inv.Name), zap.String("id", inv.ID))
			}
			d.metrics.ToolResolution(inv.Name, status)
			resolve(r)
		})
	}

	entry, ok := d.table.Lookup(inv.Name)
	if !ok {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			deliver(failure(inv, ErrUnknownTool.Error()))
		}()
		return
	}

	if !entry.Cancelable {
		runCtx := context.WithoutCancel(ctx)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			deliver(d.run(runCtx, entry, inv))
		}()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	key := d.track(cancel)

	done := make(chan Resolution, 1)
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		done <- d.run(runCtx, entry, inv)
	}()
	go func() {
		defer d.wg.Done()
		defer d.untrack(key)
		select {
		case r := <-done:
			deliver(r)
		case <-runCtx.Done():
			deliver(failure(inv, runCtx.Err().Error()))
		}
	}()
}

// run invokes the handler, converting errors and panics into a failed
// resolution.
func (d *Dispatcher) run(ctx context.Context, entry *Entry, inv Invocation) (res Resolution) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool handler panic", zap.String("tool", inv.Name), zap.Any("panic", r))
			res = failure(inv, fmt.Sprint(r))
		}
	}()

	result, err := entry.run(ctx, inv.Arguments)
	if err != nil {
		return failure(inv, err.Error())
	}
	return Resolution{ID: inv.ID, Name: inv.Name, Result: result}
}

func (d *Dispatcher) track(cancel context.CancelFunc) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.inflight[d.nextID] = cancel
	return d.nextID
}

func (d *Dispatcher) untrack(key uint64) {
	d.mu.Lock()
	cancel, ok := d.inflight[key]
	delete(d.inflight, key)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelInterruptible aborts every in-flight cancelable invocation and
// returns how many were aborted. Non-cancelable invocations keep running.
func (d *Dispatcher) CancelInterruptible() int {
	d.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(d.inflight))
	for _, c := range d.inflight {
		cancels = append(cancels, c)
	}
	d.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		d.log.Info("cancelled interruptible tools", zap.Int("count", len(cancels)))
	}
	return len(cancels)
}

// Wait blocks until every dispatched invocation has resolved and its handler
// has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// WaitTimeout is Wait bounded by timeout. It reports whether every
// invocation finished in time.
func (d *Dispatcher) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
