package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Schema 包装已解析的 JSON Schema，可安全并发使用。
type Schema struct {
	resolved *jsonschema.Resolved
	doc      json.RawMessage
}

// NewSchema 解析 schema 并缓存其 JSON 文档。
func NewSchema(s *jsonschema.Schema) (*Schema, error) {
	if s == nil {
		return nil, fmt.Errorf("schema is nil")
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	doc, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return &Schema{resolved: resolved, doc: doc}, nil
}

// JSON 返回 schema 文档，用于嵌入提示词。
func (s *Schema) JSON() json.RawMessage {
	if s == nil {
		return nil
	}
	return s.doc
}

// Validate 校验已解码的 JSON 值。
func (s *Schema) Validate(instance any) error {
	if s == nil {
		return nil
	}
	return s.resolved.Validate(instance)
}

// Decode 从生成结果中提取 JSON 对象，按 schema 校验后解码到 dst。
// 任一环节失败都返回 GENERATION_FAILURE。
func Decode(raw []byte, schema *Schema, dst any) error {
	body, err := ExtractJSON(raw)
	if err != nil {
		return Failure(err, "生成结果不是合法 JSON")
	}
	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return Failure(err, "生成结果不是合法 JSON")
	}
	if err := schema.Validate(instance); err != nil {
		return Failure(err, "生成结果不符合 schema")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return Failure(err, "生成结果解码失败")
	}
	return nil
}

// ExtractJSON 去除 Markdown 代码块与前后说明文字，返回首个 JSON 对象。
func ExtractJSON(raw []byte) (json.RawMessage, error) {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object found in %q", truncate(text, 120))
	}
	candidate := []byte(text[start : end+1])
	if !json.Valid(candidate) {
		return nil, fmt.Errorf("invalid JSON object in %q", truncate(text, 120))
	}
	return json.RawMessage(bytes.TrimSpace(candidate)), nil
}

func truncate(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
