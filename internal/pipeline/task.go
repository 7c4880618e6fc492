package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrTaskStopped = errors.New("pipeline: task stopped")

// Task owns a call's stages and runs them on the goroutine calling Run.
type Task struct {
	stages []Processor
	sink   Sink
	log    *zap.Logger
	queue  chan Frame

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewTask chains stages in order. Frames leaving the last stage go to sink,
// which may be nil.
func NewTask(sink Sink, log *zap.Logger, stages ...Processor) *Task {
	if log == nil {
		log = zap.NewNop()
	}
	return &Task{
		stages:  stages,
		sink:    sink,
		log:     log,
		queue:   make(chan Frame, 64),
		stopped: make(chan struct{}),
	}
}

// Queue hands f to the task. It blocks while the queue is full.
func (t *Task) Queue(ctx context.Context, f Frame) error {
	select {
	case <-t.stopped:
		return ErrTaskStopped
	default:
	}
	select {
	case t.queue <- f:
		return nil
	case <-t.stopped:
		return ErrTaskStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop makes Run return after the frame in progress.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

// Done is closed once the task has been stopped.
func (t *Task) Done() <-chan struct{} {
	return t.stopped
}

// Run processes queued frames one at a time until ctx is done, Stop is
// called or a FrameEnd has passed through every stage.
func (t *Task) Run(ctx context.Context) error {
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.stopped:
			return nil
		case f := <-t.queue:
			if err := t.push(ctx, 0, f); err != nil {
				t.log.Error("frame dropped", zap.Stringer("kind", f.Kind), zap.Error(err))
			}
			if f.Kind == FrameEnd {
				return nil
			}
		}
	}
}

func (t *Task) push(ctx context.Context, i int, f Frame) (err error) {
	if i == len(t.stages) {
		if t.sink == nil {
			return nil
		}
		return t.sink.Send(ctx, f)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %d panic: %v", i, r)
		}
	}()
	return t.stages[i].Process(ctx, f, func(ctx context.Context, next Frame) error {
		return t.push(ctx, i+1, next)
	})
}
