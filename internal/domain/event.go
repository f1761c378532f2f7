package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Roles used on Content.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// AuthorUser is the Event author for messages typed by the user.
const AuthorUser = "user"

// Event is one entry in a session's history: a user message, a model turn,
// or the results of tool calls the model requested.
type Event struct {
	ID           string    `json:"id"`
	InvocationID string    `json:"invocation_id"`
	Author       string    `json:"author"`
	Content      *Content  `json:"content,omitempty"`
	Partial      bool      `json:"partial,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsFinalResponse reports whether the event is the agent's answer for the
// invocation rather than an intermediate tool step.
func (e *Event) IsFinalResponse() bool {
	if e == nil || e.Partial {
		return false
	}
	if e.Content == nil {
		return true
	}
	return len(e.Content.FunctionCalls()) == 0 && len(e.Content.FunctionResponses()) == 0
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string  `json:"role"`
	Parts []*Part `json:"parts"`
}

// NewTextContent builds a single-part text content.
func NewTextContent(role, text string) *Content {
	return &Content{Role: role, Parts: []*Part{{Text: text}}}
}

// Text concatenates every non-thought text part.
func (c *Content) Text() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p == nil || p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// FunctionCalls returns the tool invocations requested in this content.
func (c *Content) FunctionCalls() []*FunctionCall {
	if c == nil {
		return nil
	}
	var calls []*FunctionCall
	for _, p := range c.Parts {
		if p != nil && p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns the tool results carried by this content.
func (c *Content) FunctionResponses() []*FunctionResponse {
	if c == nil {
		return nil
	}
	var responses []*FunctionResponse
	for _, p := range c.Parts {
		if p != nil && p.FunctionResponse != nil {
			responses = append(responses, p.FunctionResponse)
		}
	}
	return responses
}

// Part is one piece of content. Exactly one of Text, FunctionCall or
// FunctionResponse is meaningful.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse is the result of executing a FunctionCall.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

func toString(v any) string {
	switch t := v.(type) {
	case fmt.Stringer:
		return t.String()
	case float64, float32, int, int64, int32, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
