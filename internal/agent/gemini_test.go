package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/ashureev/bqagent/internal/domain"
)

func TestGenaiContentRoundTrip(t *testing.T) {
	in := []*domain.Content{
		domain.NewTextContent(domain.RoleUser, "top flavors?"),
		{Role: domain.RoleModel, Parts: []*domain.Part{
			{FunctionCall: &domain.FunctionCall{ID: "c1", Name: ToolExecuteSQL, Args: map[string]any{"query": "SELECT 1"}}},
		}},
		{Role: domain.RoleUser, Parts: []*domain.Part{
			{FunctionResponse: &domain.FunctionResponse{ID: "c1", Name: ToolExecuteSQL, Response: map[string]any{"status": "SUCCESS"}}},
		}},
		{Role: domain.RoleModel},
		nil,
	}

	out := toGenaiContents(in)
	if len(out) != 3 {
		t.Fatalf("expected empty and nil contents to be dropped, got %d", len(out))
	}
	if out[1].Parts[0].FunctionCall == nil || out[1].Parts[0].FunctionCall.Args["query"] != "SELECT 1" {
		t.Fatalf("function call not carried: %+v", out[1].Parts[0])
	}

	back := fromGenaiContent(out[2])
	if back.Role != domain.RoleUser || back.FunctionResponses()[0].ID != "c1" {
		t.Fatalf("function response not carried back: %+v", back)
	}
	if fromGenaiContent(&genai.Content{Parts: []*genai.Part{{Text: "x"}}}).Role != domain.RoleModel {
		t.Fatal("missing role should default to model")
	}
}

func TestGenaiDeclaration(t *testing.T) {
	decl := toGenaiDeclaration(ToolDeclaration{
		Name:   ToolExecuteSQL,
		Params: []ToolParam{{Name: "query", Type: ParamString, Required: true}, {Name: "limit", Type: ParamInteger}},
	})
	if decl.Parameters.Type != genai.TypeObject {
		t.Fatalf("parameters type = %v", decl.Parameters.Type)
	}
	if decl.Parameters.Properties["limit"].Type != genai.TypeInteger {
		t.Fatal("integer param lost its type")
	}
	if len(decl.Parameters.Required) != 1 || decl.Parameters.Required[0] != "query" {
		t.Fatalf("required = %v", decl.Parameters.Required)
	}
}

func TestGeminiGenerateAgainstFakeEndpoint(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [{"functionCall": {"name": "get_table_info", "args": {}}}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 3}
		}`)
	}))
	defer srv.Close()

	g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewGemini failed: %v", err)
	}

	resp, err := g.Generate(context.Background(), &ModelRequest{
		Model:             DefaultModel,
		SystemInstruction: "be brief",
		Contents:          []*domain.Content{domain.NewTextContent(domain.RoleUser, "hi")},
		Tools:             []ToolDeclaration{{Name: ToolGetTableInfo}},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	calls := resp.Content.FunctionCalls()
	if len(calls) != 1 || calls[0].Name != ToolGetTableInfo {
		t.Fatalf("calls = %+v", calls)
	}
	if resp.Usage.PromptTokens != 12 || resp.FinishReason != "STOP" {
		t.Fatalf("response = %+v", resp)
	}
	if _, ok := gotBody["systemInstruction"]; !ok {
		t.Fatalf("request body missing systemInstruction: %v", gotBody)
	}
}
