// Package toolcontext exposes the tool registry of a run to engines through the context.
package toolcontext

import (
	"context"

	"github.com/go-go-golems/turnkit/pkg/inference/tools"
)

type ctxKey struct{}

// WithRegistry attaches reg to ctx. A nil registry leaves ctx unchanged.
func WithRegistry(ctx context.Context, reg tools.ToolRegistry) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if reg == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, reg)
}

// RegistryFrom returns the registry attached with WithRegistry.
func RegistryFrom(ctx context.Context) (tools.ToolRegistry, bool) {
	if ctx == nil {
		return nil, false
	}
	reg, ok := ctx.Value(ctxKey{}).(tools.ToolRegistry)
	if !ok || reg == nil {
		return nil, false
	}
	return reg, true
}
