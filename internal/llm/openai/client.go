package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"OpenMCP-Orchestrator/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的 Chat Completions 接口，并强制 JSON 输出。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []message      `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format"`
}

// Generate 实现 llm.Generator。
func (c *Client) Generate(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	payload, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       buildMessages(req),
		Temperature:    c.temperature,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return nil, llm.Failure(err, "序列化 OpenAI 请求失败")
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, llm.Failure(err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.Failure(err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, llm.Failure(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), "OpenAI 返回错误状态")
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, llm.Failure(err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, llm.Failure(nil, "OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, llm.Failure(nil, "OpenAI 响应内容为空")
	}
	raw, err := llm.ExtractJSON([]byte(content))
	if err != nil {
		return nil, llm.Failure(err, "OpenAI 响应不是 JSON")
	}
	return raw, nil
}

func buildMessages(req llm.Request) []message {
	system := strings.TrimSpace(req.System)
	if system == "" {
		system = defaultSystemPrompt
	}
	messages := []message{{Role: "system", Content: system}}

	var builder strings.Builder
	builder.WriteString(strings.TrimSpace(req.Prompt))
	if req.Schema != nil {
		builder.WriteString("\n\nRespond with a single JSON object that validates against this JSON Schema:\n")
		builder.Write(req.Schema.JSON())
	}
	return append(messages, message{Role: "user", Content: builder.String()})
}

const defaultSystemPrompt = "You are a precise assistant. Always respond with one compact JSON object and nothing else."
