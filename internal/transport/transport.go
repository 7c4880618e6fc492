// Package transport bridges a call to the media sidecar over a WebSocket.
// The sidecar owns audio, speech recognition, synthesis and the reasoning
// engine; it reports lifecycle events and conversation frames, and receives
// the conversation context, tool results and phrases to speak.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/clinicvoice/callbridge/internal/convctx"
	"github.com/clinicvoice/callbridge/internal/events"
	"github.com/clinicvoice/callbridge/internal/pipeline"
	"github.com/clinicvoice/callbridge/internal/tools"
)

const (
	writeTimeout = 5 * time.Second
	closeTimeout = 2 * time.Second
)

var ErrClosed = errors.New("transport: connection closed")

// Envelope is the single wire message shape. Only the fields relevant to
// Type are set.
type Envelope struct {
	Type string `json:"type"`

	// hello
	CallID  string        `json:"call_id,omitempty"`
	RoomURL string        `json:"room_url,omitempty"`
	Token   string        `json:"token,omitempty"`
	Tools   []openai.Tool `json:"tools,omitempty"`

	// event
	Event string         `json:"event,omitempty"`
	Data  map[string]any `json:"data,omitempty"`

	// user_transcript, assistant_message, speak. A user_transcript may carry
	// structured Parts instead of Text.
	Text  string         `json:"text,omitempty"`
	Parts []convctx.Part `json:"parts,omitempty"`

	// turn_ended
	WasInterrupted bool `json:"was_interrupted,omitempty"`

	// tool_call, tool_result
	ToolCall   *tools.Invocation `json:"tool_call,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Result     map[string]any    `json:"result,omitempty"`

	// context
	Messages []convctx.Message `json:"messages,omitempty"`
}

// Queue receives frames decoded from the sidecar.
type Queue func(ctx context.Context, f pipeline.Frame) error

// Conn is one call's sidecar connection. Send may be called from any
// goroutine; Serve must run on exactly one.
type Conn struct {
	ws  *websocket.Conn
	log *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the sidecar at url.
func Dial(ctx context.Context, url string, header http.Header, log *zap.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dialing sidecar: %w", err)
	}
	return NewConn(ws, log), nil
}

// NewConn wraps an established WebSocket.
func NewConn(ws *websocket.Conn, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{ws: ws, log: log, closed: make(chan struct{})}
}

// Hello announces the call and the tools the reasoning engine may invoke.
func (c *Conn) Hello(ctx context.Context, callID, roomURL, token string, defs []openai.Tool) error {
	return c.write(ctx, Envelope{Type: "hello", CallID: callID, RoomURL: roomURL, Token: token, Tools: defs})
}

// Send writes frames leaving the pipeline. Frames the sidecar does not
// consume are dropped.
func (c *Conn) Send(ctx context.Context, f pipeline.Frame) error {
	env, ok := encodeFrame(f)
	if !ok {
		return nil
	}
	return c.write(ctx, env)
}

func encodeFrame(f pipeline.Frame) (Envelope, bool) {
	switch f.Kind {
	case pipeline.FrameContext:
		return Envelope{Type: "context", Messages: f.Messages}, true
	case pipeline.FrameSpeak:
		return Envelope{Type: "speak", Text: f.Text}, true
	case pipeline.FrameToolResult:
		if f.ToolResult == nil {
			return Envelope{}, false
		}
		return Envelope{
			Type:       "tool_result",
			ToolCallID: f.ToolResult.ID,
			Name:       f.ToolResult.Name,
			Result:     f.ToolResult.Payload(),
		}, true
	default:
		return Envelope{}, false
	}
}

func (c *Conn) write(ctx context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("writing %s: %w", env.Type, err)
	}
	return nil
}

// Serve reads from the sidecar until the connection closes or ctx is done.
// Lifecycle events go to obs, conversation frames to queue. A normal close
// returns nil.
func (c *Conn) Serve(ctx context.Context, obs events.Observer, queue Queue) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			return fmt.Errorf("reading sidecar: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("malformed envelope", zap.Error(err))
			continue
		}
		if err := c.route(ctx, env, obs, queue); err != nil {
			if errors.Is(err, pipeline.ErrTaskStopped) || errors.Is(err, events.ErrBusClosed) {
				return nil
			}
			return err
		}
	}
}

func (c *Conn) route(ctx context.Context, env Envelope, obs events.Observer, queue Queue) error {
	if env.Type == "event" {
		t, ok := events.ParseType(env.Event)
		if !ok {
			c.log.Debug("unknown transport event", zap.String("event", env.Event))
			return nil
		}
		return obs.Handle(ctx, events.Event{Type: t, Data: env.Data})
	}

	f, ok := decodeFrame(env)
	if !ok {
		c.log.Debug("ignoring envelope", zap.String("type", env.Type))
		return nil
	}
	return queue(ctx, f)
}

func decodeFrame(env Envelope) (pipeline.Frame, bool) {
	switch env.Type {
	case "user_transcript":
		return pipeline.Frame{Kind: pipeline.FrameUserTranscript, Text: env.Text, Parts: env.Parts}, true
	case "user_started_speaking":
		return pipeline.Frame{Kind: pipeline.FrameUserStartedSpeaking}, true
	case "user_stopped_speaking":
		return pipeline.Frame{Kind: pipeline.FrameUserStoppedSpeaking}, true
	case "assistant_message":
		return pipeline.Frame{Kind: pipeline.FrameAssistantMessage, Text: env.Text}, true
	case "turn_ended":
		return pipeline.Frame{Kind: pipeline.FrameTurnEnded, Interrupted: env.WasInterrupted}, true
	case "tool_call":
		if env.ToolCall == nil {
			return pipeline.Frame{}, false
		}
		return pipeline.Frame{Kind: pipeline.FrameToolCall, ToolCall: env.ToolCall}, true
	default:
		return pipeline.Frame{}, false
	}
}

// Close sends a close frame and releases the socket. It is safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeTimeout))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
