package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/sashabaranov/go-openai"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Entry binds one ToolID to its handler and the schema advertised to the
// reasoning engine.
type Entry struct {
	ID          ToolID
	Description string
	Parameters  map[string]any
	// Cancelable tools are aborted when the caller barges in. Tools that
	// mutate clinic state must not be.
	Cancelable bool

	run func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Bind creates an Entry whose handler receives arguments decoded into A.
// Unknown argument names are rejected and A's validate tags are enforced.
func Bind[A any](id ToolID, description string, params map[string]any, cancelable bool, fn func(ctx context.Context, args A) (map[string]any, error)) Entry {
	e := Entry{ID: id, Description: description, Parameters: params, Cancelable: cancelable}
	if fn != nil {
		e.run = func(ctx context.Context, raw map[string]any) (map[string]any, error) {
			args, err := decodeArgs[A](raw)
			if err != nil {
				return nil, err
			}
			return fn(ctx, args)
		}
	}
	return e
}

func decodeArgs[A any](raw map[string]any) (A, error) {
	var args A
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return args, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if reflect.TypeOf(args).Kind() == reflect.Struct {
		if err := validate.Struct(args); err != nil {
			return args, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	return args, nil
}

// Table is the dispatch table keyed by ToolID.
type Table struct {
	entries [numTools]*Entry
}

// NewTable checks that every known tool is bound exactly once with a handler.
func NewTable(entries ...Entry) (*Table, error) {
	t := &Table{}
	for i := range entries {
		e := entries[i]
		if e.ID < 0 || e.ID >= numTools {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, e.ID)
		}
		if e.run == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilHandler, e.ID)
		}
		if t.entries[e.ID] != nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, e.ID)
		}
		t.entries[e.ID] = &e
	}
	for id, e := range t.entries {
		if e == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnboundTool, ToolID(id))
		}
	}
	return t, nil
}

// Lookup returns the entry for a tool name.
func (t *Table) Lookup(name string) (*Entry, bool) {
	id, ok := ParseToolID(name)
	if !ok {
		return nil, false
	}
	return t.entries[id], true
}

// Definitions renders the table as function-calling tool definitions.
func (t *Table) Definitions() []openai.Tool {
	defs := make([]openai.Tool, 0, numTools)
	for _, e := range t.entries {
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        e.ID.String(),
				Description: e.Description,
				Parameters:  e.Parameters,
				Strict:      true,
			},
		})
	}
	return defs
}
