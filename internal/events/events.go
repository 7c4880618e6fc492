package events

import (
	"context"
	"errors"
	"fmt"
)

// Type enumerates the lifecycle events the media transport reports for a call.
type Type int

const (
	ClientConnected Type = iota
	ClientDisconnected
	DialinReady
	DialinConnected
	DialinStopped
	DialinError
	RecordingStarted
	RecordingStopped
	RecordingError
	DialinWarning
	numTypes
)

var typeNames = [numTypes]string{
	"client_connected",
	"client_disconnected",
	"dialin_ready",
	"dialin_connected",
	"dialin_stopped",
	"dialin_error",
	"recording_started",
	"recording_stopped",
	"recording_error",
	"dialin_warning",
}

func (t Type) String() string {
	if t >= 0 && t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType maps a wire name such as "dialin_ready" to its Type.
func ParseType(name string) (Type, bool) {
	for i, n := range typeNames {
		if n == name {
			return Type(i), true
		}
	}
	return 0, false
}

// Event is one transport lifecycle signal. Data carries the provider's
// payload verbatim (sip endpoint, status, error text).
type Event struct {
	Type Type
	Data map[string]any
}

// String returns Data[key] when it is a string.
func (e Event) String(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// Observer receives every event for one call session.
type Observer interface {
	Handle(ctx context.Context, ev Event) error
}

// Handler reacts to a single event type.
type Handler func(ctx context.Context, ev Event) error

var (
	ErrHandlerExists = errors.New("events: handler already registered")
	ErrBusClosed     = errors.New("events: bus closed")
)
