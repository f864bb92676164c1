package openai

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"OpenMCP-Orchestrator/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          chatRequest
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "```json\n{\"steps\":[]}\n```"}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	schema, err := llm.NewSchema(&jsonschema.Schema{Type: "object"})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	raw, err := client.Generate(context.Background(), llm.Request{Name: "plan", System: "sys", Prompt: "测试", Schema: schema})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"steps":[]}` {
		t.Fatalf("unexpected response: %s", raw)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body.Model != defaultModelName {
		t.Fatalf("unexpected model %q", captured.Body.Model)
	}
	if captured.Body.ResponseFormat["type"] != "json_object" {
		t.Fatalf("json response format not requested: %v", captured.Body.ResponseFormat)
	}
	if len(captured.Body.Messages) != 2 || captured.Body.Messages[0].Content != "sys" {
		t.Fatalf("unexpected messages %+v", captured.Body.Messages)
	}
	if !strings.Contains(captured.Body.Messages[1].Content, `"type":"object"`) {
		t.Fatalf("schema not embedded in prompt: %q", captured.Body.Messages[1].Content)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Generate(context.Background(), llm.Request{Prompt: "test"})
	if !stdErrors.Is(err, llm.ErrGeneration) {
		t.Fatalf("expected generation failure, got %v", err)
	}
}
