package tools

import (
	"time"

	"github.com/go-go-golems/turnkit/pkg/inference/engine"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
)

// ToolErrorHandling selects what the loop does when a tool call fails.
type ToolErrorHandling string

const (
	// ToolErrorAbort stops the loop with a ToolExecutionError.
	ToolErrorAbort ToolErrorHandling = "abort"
	// ToolErrorRetry re-invokes a failed call once, then behaves like abort.
	ToolErrorRetry ToolErrorHandling = "retry"
	// ToolErrorContinue feeds the error back to the engine as a tool_use block.
	ToolErrorContinue ToolErrorHandling = "continue"
)

const (
	DefaultMaxIterations    = 5
	DefaultMaxParallelTools = 1
)

// ToolConfig controls the tool-calling loop.
type ToolConfig struct {
	Enabled           bool              `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	MaxIterations     int               `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
	ToolChoice        engine.ToolChoice `json:"tool_choice,omitempty" yaml:"tool_choice,omitempty" mapstructure:"tool_choice"`
	ToolErrorHandling ToolErrorHandling `json:"tool_error_handling,omitempty" yaml:"tool_error_handling,omitempty" mapstructure:"tool_error_handling"`
	MaxParallelTools  int               `json:"max_parallel_tools" yaml:"max_parallel_tools" mapstructure:"max_parallel_tools"`
	// AllowedTools restricts dispatch; nil allows every registered tool.
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty" mapstructure:"allowed_tools"`
	// ExecutionTimeout bounds a single tool invocation. Zero means no bound.
	ExecutionTimeout time.Duration `json:"execution_timeout,omitempty" yaml:"execution_timeout,omitempty" mapstructure:"execution_timeout"`
}

func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		Enabled:           true,
		MaxIterations:     DefaultMaxIterations,
		ToolChoice:        engine.ToolChoiceAuto,
		ToolErrorHandling: ToolErrorAbort,
		MaxParallelTools:  DefaultMaxParallelTools,
	}
}

func (tc ToolConfig) WithEnabled(enabled bool) ToolConfig {
	tc.Enabled = enabled
	return tc
}

func (tc ToolConfig) WithMaxIterations(n int) ToolConfig {
	tc.MaxIterations = n
	return tc
}

func (tc ToolConfig) WithToolChoice(choice engine.ToolChoice) ToolConfig {
	tc.ToolChoice = choice
	return tc
}

func (tc ToolConfig) WithToolErrorHandling(h ToolErrorHandling) ToolConfig {
	tc.ToolErrorHandling = h
	return tc
}

func (tc ToolConfig) WithMaxParallelTools(n int) ToolConfig {
	tc.MaxParallelTools = n
	return tc
}

func (tc ToolConfig) WithAllowedTools(names []string) ToolConfig {
	tc.AllowedTools = names
	return tc
}

func (tc ToolConfig) WithExecutionTimeout(d time.Duration) ToolConfig {
	tc.ExecutionTimeout = d
	return tc
}

// Validate rejects values outside the accepted sets. Zero values are accepted
// and mean "use the default".
func (tc ToolConfig) Validate() error {
	switch tc.ToolErrorHandling {
	case "", ToolErrorAbort, ToolErrorRetry, ToolErrorContinue:
	default:
		return runerrors.NewConfigurationError("unknown tool error handling %q (want abort, retry or continue)", tc.ToolErrorHandling)
	}
	if tc.MaxIterations < 0 {
		return runerrors.NewConfigurationError("max iterations must not be negative, got %d", tc.MaxIterations)
	}
	if tc.MaxParallelTools < 0 {
		return runerrors.NewConfigurationError("max parallel tools must not be negative, got %d", tc.MaxParallelTools)
	}
	if tc.ExecutionTimeout < 0 {
		return runerrors.NewConfigurationError("execution timeout must not be negative")
	}
	return nil
}

// WithDefaults fills zero values.
func (tc ToolConfig) WithDefaults() ToolConfig {
	if tc.MaxIterations == 0 {
		tc.MaxIterations = DefaultMaxIterations
	}
	if tc.MaxParallelTools == 0 {
		tc.MaxParallelTools = DefaultMaxParallelTools
	}
	if tc.ToolErrorHandling == "" {
		tc.ToolErrorHandling = ToolErrorAbort
	}
	if tc.ToolChoice == "" {
		tc.ToolChoice = engine.ToolChoiceAuto
	}
	return tc
}

// IsToolAllowed reports whether name passes AllowedTools.
func (tc ToolConfig) IsToolAllowed(name string) bool {
	if tc.AllowedTools == nil {
		return true
	}
	for _, allowed := range tc.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

// FilterTools returns the definitions allowed by this configuration.
func (tc ToolConfig) FilterTools(defs []ToolDefinition) []ToolDefinition {
	if tc.AllowedTools == nil {
		return defs
	}
	out := make([]ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if tc.IsToolAllowed(d.Name) {
			out = append(out, d)
		}
	}
	return out
}
