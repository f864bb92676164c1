package ollama

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tmc/langchaingo/llms"
	lcollama "github.com/tmc/langchaingo/llms/ollama"

	"OpenMCP-Orchestrator/internal/llm"
)

const (
	defaultServerURL = "http://localhost:11434"
	defaultModel     = "llama3.1"
)

// Config 描述本地 Ollama 服务。
type Config struct {
	ServerURL   string
	Model       string
	Temperature float64
}

// Client 通过 langchaingo 调用 Ollama，并要求模型输出 JSON。
type Client struct {
	model       llms.Model
	temperature float64
}

// NewClient 创建 Ollama 客户端。
func NewClient(cfg Config) (*Client, error) {
	serverURL := strings.TrimSpace(cfg.ServerURL)
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	inner, err := lcollama.New(
		lcollama.WithServerURL(serverURL),
		lcollama.WithModel(model),
		lcollama.WithFormat("json"),
	)
	if err != nil {
		return nil, err
	}
	return NewWithModel(inner, cfg.Temperature), nil
}

// NewWithModel 使用任意 langchaingo 模型构造客户端。
func NewWithModel(model llms.Model, temperature float64) *Client {
	return &Client{model: model, temperature: temperature}
}

// Generate 实现 llm.Generator。
func (c *Client) Generate(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if req.Schema != nil {
		prompt += "\n\nRespond with a single JSON object that validates against this JSON Schema:\n" + string(req.Schema.JSON())
	}

	var messages []llms.MessageContent
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(prompt)},
	})

	resp, err := c.model.GenerateContent(ctx, messages, llms.WithTemperature(c.temperature))
	if err != nil {
		return nil, llm.Failure(err, "请求 Ollama 失败")
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, llm.Failure(nil, "Ollama 响应为空")
	}
	raw, err := llm.ExtractJSON([]byte(resp.Choices[0].Content))
	if err != nil {
		return nil, llm.Failure(err, "Ollama 响应不是 JSON")
	}
	return raw, nil
}
