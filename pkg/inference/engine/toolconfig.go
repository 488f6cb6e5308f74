package engine

import (
	"github.com/invopop/jsonschema"

	"github.com/go-go-golems/turnkit/pkg/turns"
)

// ToolChoice tells the engine how to pick tools: auto, none, required, or a tool name.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// IsNamed reports whether the choice designates a specific tool.
func (c ToolChoice) IsNamed() bool {
	switch c {
	case "", ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
		return false
	}
	return true
}

// ToolSpec describes a tool the engine may request.
type ToolSpec struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// ToolConfig is what the tool loop forwards to the engine on each call.
// The loop does not filter tool requests itself; honouring ToolChoice is up to the engine.
type ToolConfig struct {
	Enabled    bool       `json:"enabled"`
	ToolChoice ToolChoice `json:"tool_choice,omitempty"`
	Tools      []ToolSpec `json:"tools,omitempty"`
}

// KeyToolConfig stores ToolConfig in Turn.Data.
//
// It lives here rather than in turns since turns cannot depend on engine types.
var KeyToolConfig = turns.DataK[ToolConfig]("turnkit", "tool_config", 1)
