package agent

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/ashureev/bqagent/internal/domain"
)

// GeminiConfig selects how the Gemini API is reached.
type GeminiConfig struct {
	APIKey      string
	UseVertexAI bool
	Project     string
	Location    string
	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL string
}

// Gemini is a Model backed by google.golang.org/genai.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini client. With UseVertexAI the project and
// location are used with Application Default Credentials, otherwise the API
// key is.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.UseVertexAI {
		cc = &genai.ClientConfig{
			Backend:  genai.BackendVertexAI,
			Project:  cfg.Project,
			Location: cfg.Location,
		}
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// Generate implements Model.
func (g *Gemini) Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	config := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, toGenaiDeclaration(t))
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, toGenaiContents(req.Contents), config)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return nil, errors.New("model returned no candidates")
	}

	cand := resp.Candidates[0]
	out := &ModelResponse{
		Content:      fromGenaiContent(cand.Content),
		FinishReason: string(cand.FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:   resp.UsageMetadata.PromptTokenCount,
			ResponseTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out, nil
}

func toGenaiDeclaration(t ToolDeclaration) *genai.FunctionDeclaration {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(t.Params)),
	}
	for _, p := range t.Params {
		typ := genai.TypeString
		if p.Type == ParamInteger {
			typ = genai.TypeInteger
		}
		schema.Properties[p.Name] = &genai.Schema{Type: typ, Description: p.Description}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return &genai.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  schema,
	}
}

func toGenaiContents(contents []*domain.Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		if c == nil {
			continue
		}
		gc := &genai.Content{Role: c.Role}
		for _, p := range c.Parts {
			if p == nil {
				continue
			}
			switch {
			case p.FunctionCall != nil:
				gc.Parts = append(gc.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Args: p.FunctionCall.Args,
				}})
			case p.FunctionResponse != nil:
				gc.Parts = append(gc.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID: p.FunctionResponse.ID, Name: p.FunctionResponse.Name, Response: p.FunctionResponse.Response,
				}})
			default:
				gc.Parts = append(gc.Parts, &genai.Part{Text: p.Text, Thought: p.Thought})
			}
		}
		if len(gc.Parts) > 0 {
			out = append(out, gc)
		}
	}
	return out
}

func fromGenaiContent(gc *genai.Content) *domain.Content {
	if gc == nil {
		return nil
	}
	c := &domain.Content{Role: gc.Role}
	if c.Role == "" {
		c.Role = domain.RoleModel
	}
	for _, p := range gc.Parts {
		if p == nil {
			continue
		}
		switch {
		case p.FunctionCall != nil:
			c.Parts = append(c.Parts, &domain.Part{FunctionCall: &domain.FunctionCall{
				ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Args: p.FunctionCall.Args,
			}})
		case p.FunctionResponse != nil:
			c.Parts = append(c.Parts, &domain.Part{FunctionResponse: &domain.FunctionResponse{
				ID: p.FunctionResponse.ID, Name: p.FunctionResponse.Name, Response: p.FunctionResponse.Response,
			}})
		default:
			c.Parts = append(c.Parts, &domain.Part{Text: p.Text, Thought: p.Thought})
		}
	}
	return c
}
