// Package tools binds the reasoning engine's tool invocations to clinic
// operations and guarantees every invocation resolves exactly once.
package tools

import (
	"errors"
	"fmt"
)

// ToolID enumerates the tools offered to the reasoning engine.
type ToolID int

const (
	CheckAvailability ToolID = iota
	LookupAppointmentsForPatient
	LookupPatient
	CreatePatient
	BookAppointment
	CancelAppointment
	RescheduleAppointment
	TakeMessage
	EscalateToHuman
	numTools
)

var toolNames = [numTools]string{
	"check_availability",
	"lookup_appointments_for_patient",
	"lookup_patient",
	"create_patient",
	"book_appointment",
	"cancel_appointment",
	"reschedule_appointment",
	"take_message",
	"escalate_to_human",
}

func (id ToolID) String() string {
	if id >= 0 && id < numTools {
		return toolNames[id]
	}
	return fmt.Sprintf("ToolID(%d)", int(id))
}

// ParseToolID maps a tool name to its ToolID.
func ParseToolID(name string) (ToolID, bool) {
	for i, n := range toolNames {
		if n == name {
			return ToolID(i), true
		}
	}
	return 0, false
}

// AllTools returns every known ToolID in declaration order.
func AllTools() []ToolID {
	ids := make([]ToolID, numTools)
	for i := range ids {
		ids[i] = ToolID(i)
	}
	return ids
}

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrDuplicateTool    = errors.New("tools: tool bound twice")
	ErrUnboundTool      = errors.New("tools: tool not bound")
	ErrNilHandler       = errors.New("tools: nil handler")
)

// Invocation is one tool call requested by the reasoning engine.
type Invocation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Resolution is the single outcome of an Invocation: a result payload or an
// error string.
type Resolution struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Result map[string]any `json:"result,omitempty"`
	Err    string         `json:"error,omitempty"`
}

// Failed reports whether the invocation resolved with an error.
func (r Resolution) Failed() bool { return r.Err != "" }

// Payload is what the reasoning engine sees as the tool's return value.
func (r Resolution) Payload() map[string]any {
	if r.Failed() {
		return map[string]any{"error": r.Err}
	}
	if r.Result == nil {
		return map[string]any{}
	}
	return r.Result
}

func failure(inv Invocation, msg string) Resolution {
	return Resolution{ID: inv.ID, Name: inv.Name, Err: fmt.Sprintf("%s failed: %s", inv.Name, msg)}
}
