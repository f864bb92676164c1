package ollama

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/tmc/langchaingo/llms"

	"OpenMCP-Orchestrator/internal/llm"
)

type fakeModel struct {
	content  string
	err      error
	messages []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.content}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestGenerateSendsSystemAndPrompt(t *testing.T) {
	model := &fakeModel{content: `{"steps": []}`}
	client := NewWithModel(model, 0)

	raw, err := client.Generate(context.Background(), llm.Request{System: "plan tools", Prompt: "weather"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(raw) != `{"steps": []}` {
		t.Fatalf("unexpected output %s", raw)
	}
	if len(model.messages) != 2 || model.messages[0].Role != llms.ChatMessageTypeSystem {
		t.Fatalf("unexpected messages %+v", model.messages)
	}
}

func TestGenerateWrapsErrors(t *testing.T) {
	client := NewWithModel(&fakeModel{err: stdErrors.New("connection refused")}, 0)
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "x"}); !stdErrors.Is(err, llm.ErrGeneration) {
		t.Fatalf("expected generation failure, got %v", err)
	}
	client = NewWithModel(&fakeModel{content: "sorry"}, 0)
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "x"}); !stdErrors.Is(err, llm.ErrGeneration) {
		t.Fatalf("expected generation failure for non-JSON output, got %v", err)
	}
}
