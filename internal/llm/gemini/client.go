package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"

	"OpenMCP-Orchestrator/internal/llm"
)

const defaultModel = "gemini-1.5-flash"

// Config 描述 Google Gemini 接口。
type Config struct {
	APIKey      string
	Model       string
	Temperature float64
}

// Client 通过 langchaingo 的 googleai 后端调用 Gemini，并要求输出 JSON。
type Client struct {
	model       llms.Model
	temperature float64
}

// NewClient 创建 Gemini 客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未配置 Gemini API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	inner, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
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

// Generate 实现 llm.Generator。系统提示词并入用户消息。
func (c *Client) Generate(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	var b strings.Builder
	if system := strings.TrimSpace(req.System); system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(req.Prompt))
	if req.Schema != nil {
		b.WriteString("\n\nRespond with a single JSON object that validates against this JSON Schema:\n")
		b.Write(req.Schema.JSON())
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, b.String()),
	}
	resp, err := c.model.GenerateContent(ctx, messages,
		llms.WithTemperature(c.temperature),
		llms.WithJSONMode(),
	)
	if err != nil {
		return nil, llm.Failure(err, "请求 Gemini 失败")
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, llm.Failure(nil, "Gemini 响应为空")
	}
	raw, err := llm.ExtractJSON([]byte(resp.Choices[0].Content))
	if err != nil {
		return nil, llm.Failure(err, "Gemini 响应不是 JSON")
	}
	return raw, nil
}
