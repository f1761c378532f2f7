package agent

import (
	"context"

	"github.com/ashureev/bqagent/internal/domain"
)

// Model is a hosted LLM that can request tool calls.
type Model interface {
	Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
}

// ModelRequest is one turn sent to the model.
type ModelRequest struct {
	Model             string
	SystemInstruction string
	Contents          []*domain.Content
	Tools             []ToolDeclaration
}

// ModelResponse is the model's reply for one turn.
type ModelResponse struct {
	Content      *domain.Content
	FinishReason string
	Usage        Usage
}

// Usage counts tokens for one turn.
type Usage struct {
	PromptTokens   int32 `json:"prompt_tokens"`
	ResponseTokens int32 `json:"response_tokens"`
}

// ToolDeclaration describes a callable tool to the model.
type ToolDeclaration struct {
	Name        string
	Description string
	Params      []ToolParam
}

// ToolParam is one top-level argument of a tool.
type ToolParam struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// ParamType is the JSON type of a ToolParam.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
)
