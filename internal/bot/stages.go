package bot

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/clinicvoice/callbridge/internal/convctx"
	"github.com/clinicvoice/callbridge/internal/pipeline"
	"github.com/clinicvoice/callbridge/internal/tools"
)

// aggregator records the conversation and dispatches tool calls. It runs
// first so later stages see an up to date context.
type aggregator struct {
	store      *convctx.Store
	dispatcher *tools.Dispatcher
	queue      func(ctx context.Context, f pipeline.Frame) error
	log        *zap.Logger
}

func (a *aggregator) Process(ctx context.Context, f pipeline.Frame, emit pipeline.Emit) error {
	switch f.Kind {
	case pipeline.FrameUserTranscript:
		if f.Parts != nil {
			a.store.AppendParts(convctx.RoleUser, f.Parts)
		} else {
			a.store.AppendMessage(convctx.RoleUser, f.Text)
		}

	case pipeline.FrameAssistantMessage, pipeline.FrameSpeak:
		a.store.AppendMessage(convctx.RoleAssistant, f.Text)

	case pipeline.FrameUserStartedSpeaking:
		a.dispatcher.CancelInterruptible()

	case pipeline.FrameToolCall:
		if f.ToolCall == nil {
			return nil
		}
		a.dispatcher.Dispatch(ctx, *f.ToolCall, func(r tools.Resolution) {
			// Results are re-queued so the context is only mutated on the
			// task goroutine.
			res := r
			if err := a.queue(context.WithoutCancel(ctx), pipeline.Frame{Kind: pipeline.FrameToolResult, ToolResult: &res}); err != nil {
				a.log.Warn("dropping tool result", zap.String("tool", r.Name), zap.String("id", r.ID), zap.Error(err))
			}
		})
		return nil

	case pipeline.FrameToolResult:
		if f.ToolResult == nil {
			return nil
		}
		content, err := json.Marshal(f.ToolResult.Payload())
		if err != nil {
			return err
		}
		a.store.AppendToolResult(f.ToolResult.ID, string(content))

	case pipeline.FrameTurnEnded:
		if f.Interrupted {
			a.log.Info("barge-in detected on previous turn", zap.Bool("was_interrupted", true))
		}
	}
	return emit(ctx, f)
}

// publisher sends a context snapshot ahead of every frame after which the
// reasoning engine reads the conversation.
type publisher struct {
	store *convctx.Store
}

func (p *publisher) Process(ctx context.Context, f pipeline.Frame, emit pipeline.Emit) error {
	switch f.Kind {
	case pipeline.FrameStart, pipeline.FrameUserStoppedSpeaking, pipeline.FrameToolResult:
		if err := emit(ctx, pipeline.Frame{Kind: pipeline.FrameContext, Messages: p.store.Messages()}); err != nil {
			return err
		}
	}
	return emit(ctx, f)
}
