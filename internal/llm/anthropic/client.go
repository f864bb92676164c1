package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"OpenMCP-Orchestrator/internal/llm"
)

const (
	defaultModel     = sdk.ModelClaudeSonnet4_20250514
	defaultMaxTokens = 4096
	defaultTimeout   = 60 * time.Second
)

// Config 描述 Anthropic Messages API 的访问参数。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	Timeout   time.Duration
}

// Client 通过官方 SDK 调用 Claude 模型。
type Client struct {
	inner     sdk.Client
	model     sdk.Model
	maxTokens int64
}

// NewClient 创建 Anthropic 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}

	model := sdk.Model(strings.TrimSpace(cfg.Model))
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		inner:     sdk.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Generate 实现 llm.Generator。
func (c *Client) Generate(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if req.Schema != nil {
		prompt += "\n\nRespond with a single JSON object that validates against this JSON Schema:\n" + string(req.Schema.JSON())
	}

	params := sdk.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, llm.Failure(err, "请求 Anthropic 失败")
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(sdk.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, llm.Failure(nil, "Anthropic 响应内容为空")
	}
	raw, err := llm.ExtractJSON([]byte(text.String()))
	if err != nil {
		return nil, llm.Failure(err, "Anthropic 响应不是 JSON")
	}
	return raw, nil
}
