package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
}

func (s *recordingSink) Send(_ context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Kind, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Kind
	}
	return out
}

func runTask(t *testing.T, task *Task) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = task.Run(ctx)
	}()
	return cancel, done
}

func TestTaskPreservesOrderAcrossStages(t *testing.T) {
	var seen []string
	tag := func(name string) Processor {
		return ProcessorFunc(func(ctx context.Context, f Frame, emit Emit) error {
			seen = append(seen, name+":"+f.Kind.String())
			return emit(ctx, f)
		})
	}
	sink := &recordingSink{}
	task := NewTask(sink, nil, tag("a"), tag("b"))
	cancel, done := runTask(t, task)

	ctx := context.Background()
	require.NoError(t, task.Queue(ctx, Frame{Kind: FrameUserTranscript, Text: "hi"}))
	require.NoError(t, task.Queue(ctx, Frame{Kind: FrameUserStoppedSpeaking}))
	require.NoError(t, task.Queue(ctx, Frame{Kind: FrameEnd}))

	<-done
	cancel()
	assert.Equal(t, []string{
		"a:user_transcript", "b:user_transcript",
		"a:user_stopped_speaking", "b:user_stopped_speaking",
		"a:end", "b:end",
	}, seen)
	assert.Equal(t, []Kind{FrameUserTranscript, FrameUserStoppedSpeaking, FrameEnd}, sink.kinds())
}

func TestStageCanFanOutAndSwallow(t *testing.T) {
	sink := &recordingSink{}
	fan := ProcessorFunc(func(ctx context.Context, f Frame, emit Emit) error {
		switch f.Kind {
		case FrameUserTranscript:
			return nil
		case FrameAssistantMessage:
			if err := emit(ctx, f); err != nil {
				return err
			}
			return emit(ctx, Frame{Kind: FrameContext})
		}
		return emit(ctx, f)
	})
	task := NewTask(sink, nil, fan)
	cancel, done := runTask(t, task)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, task.Queue(ctx, Frame{Kind: FrameUserTranscript}))
	require.NoError(t, task.Queue(ctx, Frame{Kind: FrameAssistantMessage}))
	require.NoError(t, task.Queue(ctx, Frame{Kind: FrameEnd}))
	<-done

	assert.Equal(t, []Kind{FrameAssistantMessage, FrameContext, FrameEnd}, sink.kinds())
}

func TestStagePanicDropsOnlyThatFrame(t *testing.T) {
	sink := &recordingSink{}
	boom := ProcessorFunc(func(ctx context.Context, f Frame, emit Emit) error {
		if f.Text == "boom" {
			panic("stage failure")
		}
		return emit(ctx, f)
	})
	task := NewTask(sink, nil, boom)
	cancel, done := runTask(t, task)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, task.Queue(ctx, Frame{Kind: FrameUserTranscript, Text: "boom"}))
	require.NoError(t, task.Queue(ctx, Frame{Kind: FrameUserTranscript, Text: "fine"}))
	require.NoError(t, task.Queue(ctx, Frame{Kind: FrameEnd}))
	<-done

	assert.Equal(t, []Kind{FrameUserTranscript, FrameEnd}, sink.kinds())
}

func TestQueueAfterStop(t *testing.T) {
	task := NewTask(nil, nil)
	cancel, done := runTask(t, task)
	task.Stop()
	<-done
	cancel()

	assert.ErrorIs(t, task.Queue(context.Background(), Frame{Kind: FrameStart}), ErrTaskStopped)
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "tool_call", FrameToolCall.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}
