package turns

import "github.com/google/uuid"

// TurnBuilder helps construct an initial Turn with ordered Blocks.
type TurnBuilder struct {
	id     string
	blocks []Block
}

func NewTurnBuilder() *TurnBuilder {
	return &TurnBuilder{blocks: []Block{}}
}

func (tb *TurnBuilder) WithID(id string) *TurnBuilder {
	tb.id = id
	return tb
}

func (tb *TurnBuilder) WithSystemPrompt(systemText string) *TurnBuilder {
	if systemText != "" {
		tb.blocks = append(tb.blocks, NewSystemTextBlock(systemText))
	}
	return tb
}

func (tb *TurnBuilder) WithUserPrompt(userText string) *TurnBuilder {
	if userText != "" {
		tb.blocks = append(tb.blocks, NewUserTextBlock(userText))
	}
	return tb
}

func (tb *TurnBuilder) WithBlock(b Block) *TurnBuilder {
	tb.blocks = append(tb.blocks, b)
	return tb
}

func (tb *TurnBuilder) Build() *Turn {
	t := &Turn{ID: tb.id}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	AppendBlocks(t, tb.blocks...)
	return t
}

// NewTurnFromUserPrompt returns a turn holding a single user block.
func NewTurnFromUserPrompt(prompt string) *Turn {
	return NewTurnBuilder().WithUserPrompt(prompt).Build()
}
