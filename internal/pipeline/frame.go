// Package pipeline moves frames through a call's processing stages on a single
// goroutine, so every stage observes frames in arrival order.
package pipeline

import (
	"context"
	"fmt"

	"github.com/clinicvoice/callbridge/internal/convctx"
	"github.com/clinicvoice/callbridge/internal/tools"
)

// Kind identifies what a frame carries.
type Kind int

const (
	FrameStart Kind = iota
	FrameUserTranscript
	FrameUserStartedSpeaking
	FrameUserStoppedSpeaking
	FrameAssistantMessage
	FrameToolCall
	FrameToolResult
	FrameSpeak
	FrameTurnEnded
	FrameContext
	FrameEnd
)

func (k Kind) String() string {
	switch k {
	case FrameStart:
		return "start"
	case FrameUserTranscript:
		return "user_transcript"
	case FrameUserStartedSpeaking:
		return "user_started_speaking"
	case FrameUserStoppedSpeaking:
		return "user_stopped_speaking"
	case FrameAssistantMessage:
		return "assistant_message"
	case FrameToolCall:
		return "tool_call"
	case FrameToolResult:
		return "tool_result"
	case FrameSpeak:
		return "speak"
	case FrameTurnEnded:
		return "turn_ended"
	case FrameContext:
		return "context"
	case FrameEnd:
		return "end"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Frame is the unit flowing through the pipeline. Only the fields relevant
// to Kind are set.
type Frame struct {
	Kind Kind

	// Text is the transcript, assistant message or phrase to speak.
	Text  string
	Parts []convctx.Part

	ToolCall   *tools.Invocation
	ToolResult *tools.Resolution

	// Interrupted is set on FrameTurnEnded when the caller barged in.
	Interrupted bool

	// Messages is the conversation snapshot carried by FrameContext.
	Messages []convctx.Message
}

// Emit passes a frame to the next stage.
type Emit func(ctx context.Context, f Frame) error

// Processor is one pipeline stage. It may emit zero or more frames per input.
type Processor interface {
	Process(ctx context.Context, f Frame, emit Emit) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, f Frame, emit Emit) error

func (fn ProcessorFunc) Process(ctx context.Context, f Frame, emit Emit) error {
	return fn(ctx, f, emit)
}

// Sink receives frames that leave the last stage.
type Sink interface {
	Send(ctx context.Context, f Frame) error
}
