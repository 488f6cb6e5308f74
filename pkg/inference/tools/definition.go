package tools

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnkit/pkg/inference/engine"
)

// ToolHandler executes a tool with raw JSON arguments.
type ToolHandler interface {
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// ToolHandlerFunc adapts a function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

func (f ToolHandlerFunc) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return f(ctx, args)
}

// ToolDefinition is a named tool with its parameter schema and handler.
type ToolDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
	Handler     ToolHandler        `json:"-"`
}

// Spec returns the part of the definition an engine sees.
func (d ToolDefinition) Spec() engine.ToolSpec {
	return engine.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// NewToolFromFunc builds a ToolDefinition from a Go function. Supported shapes:
//
//	func(In) (Out, error)
//	func(context.Context, In) (Out, error)
//
// The parameter schema is reflected from In. Arguments are JSON-decoded into In.
func NewToolFromFunc(name, description string, fn any) (ToolDefinition, error) {
	ft := reflect.TypeOf(fn)
	if ft == nil || ft.Kind() != reflect.Func {
		return ToolDefinition{}, errors.Errorf("tool %q: provided value is not a function", name)
	}
	if ft.NumOut() != 2 || !ft.Out(1).Implements(errorType) {
		return ToolDefinition{}, errors.Errorf("tool %q: function must return (result, error)", name)
	}

	withCtx := false
	var in reflect.Type
	switch ft.NumIn() {
	case 1:
		in = ft.In(0)
		if in == contextType {
			return ToolDefinition{}, errors.Errorf("tool %q: function needs an input parameter", name)
		}
	case 2:
		if ft.In(0) != contextType {
			return ToolDefinition{}, errors.Errorf("tool %q: two-arg function must be (context.Context, Input)", name)
		}
		withCtx = true
		in = ft.In(1)
	default:
		return ToolDefinition{}, errors.Errorf("tool %q: function must take (Input) or (context.Context, Input)", name)
	}

	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(reflect.New(in).Elem().Interface())
	if schema.Type == "" && schema.Ref == "" {
		schema.Type = "object"
	}

	fv := reflect.ValueOf(fn)
	handler := ToolHandlerFunc(func(ctx context.Context, args json.RawMessage) (any, error) {
		input := reflect.New(in)
		if len(args) > 0 && string(args) != "null" {
			if err := json.Unmarshal(args, input.Interface()); err != nil {
				return nil, errors.Wrapf(err, "tool %q: decode arguments", name)
			}
		}
		callArgs := []reflect.Value{input.Elem()}
		if withCtx {
			callArgs = append([]reflect.Value{reflect.ValueOf(ctx)}, callArgs...)
		}
		out := fv.Call(callArgs)
		if errV := out[1].Interface(); errV != nil {
			return out[0].Interface(), errV.(error)
		}
		return out[0].Interface(), nil
	})

	return ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Handler:     handler,
	}, nil
}

// MustNewToolFromFunc panics when NewToolFromFunc fails.
func MustNewToolFromFunc(name, description string, fn any) ToolDefinition {
	def, err := NewToolFromFunc(name, description, fn)
	if err != nil {
		panic(err)
	}
	return def
}
