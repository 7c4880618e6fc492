package embedding

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Pool bounds how many encodes run at once across every call in the
// process. Callers submit work and await the returned Future.
type Pool struct {
	enc Encoder
	sem *semaphore.Weighted
	log *zap.Logger
	// mu orders Submit's wg.Add against Close's wg.Wait.
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewPool wraps enc with at most workers concurrent encodes.
func NewPool(enc Encoder, workers int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		enc: enc,
		sem: semaphore.NewWeighted(int64(workers)),
		log: log,
	}
}

// Future is the pending result of one Submit.
type Future struct {
	done chan struct{}
	vec  []float32
	err  error
}

// Await blocks until the encode finishes or ctx is done.
func (f *Future) Await(ctx context.Context) ([]float32, error) {
	select {
	case <-f.done:
		return f.vec, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func failedFuture(err error) *Future {
	f := &Future{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Submit schedules text for encoding. The encode is abandoned if ctx ends
// before a worker slot frees up.
func (p *Pool) Submit(ctx context.Context, text string) *Future {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return failedFuture(ErrPoolClosed)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	f := &Future{done: make(chan struct{})}
	go func() {
		defer p.wg.Done()
		defer close(f.done)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.err = err
			return
		}
		defer p.sem.Release(1)

		f.vec, f.err = p.encode(ctx, text)
	}()
	return f
}

func (p *Pool) encode(ctx context.Context, text string) (vec []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("encoder panic", zap.String("encoder", p.enc.Name()), zap.Any("panic", r))
			vec, err = nil, fmt.Errorf("encoder panic: %v", r)
		}
	}()
	return p.enc.Encode(ctx, text)
}

// Encode submits text and awaits the result.
func (p *Pool) Encode(ctx context.Context, text string) ([]float32, error) {
	return p.Submit(ctx, text).Await(ctx)
}

// Warmup runs one throwaway encode so the first caller does not pay for
// connection setup or model load.
func (p *Pool) Warmup(ctx context.Context) error {
	if _, err := p.Encode(ctx, "warmup"); err != nil {
		return fmt.Errorf("embedding warmup: %w", err)
	}
	p.log.Info("encoder warmed up", zap.String("encoder", p.enc.Name()), zap.Int("dimensions", p.enc.Dimensions()))
	return nil
}

// Dimensions reports the encoder's vector size.
func (p *Pool) Dimensions() int { return p.enc.Dimensions() }

// Close rejects new work and waits for in-flight encodes.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
