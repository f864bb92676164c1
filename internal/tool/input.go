package tool

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ValidateInput 按契约检查入参：拒绝未知字段、缺失的必填字段与类型不符的值，
// 并为缺省字段填充默认值。返回新的 map，不修改调用方的输入。
func ValidateInput(contract Contract, input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(contract.Params))

	var unknown []string
	for key := range input {
		if _, ok := contract.Param(key); !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, Rejected(contract.ID, nil, fmt.Sprintf("不支持的参数: %s", strings.Join(unknown, ", ")))
	}

	for _, p := range contract.Params {
		value, ok := input[p.Name]
		if !ok || value == nil {
			if p.Required {
				return nil, Rejected(contract.ID, nil, fmt.Sprintf("缺少必填参数: %s", p.Name))
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		normalized, err := coerce(p, value)
		if err != nil {
			return nil, Rejected(contract.ID, err, fmt.Sprintf("参数 %s 类型错误", p.Name))
		}
		out[p.Name] = normalized
	}
	return out, nil
}

// MissingRequired 返回输入中缺失的必填参数名，仅检查键是否存在。
func MissingRequired(contract Contract, input map[string]any) []string {
	var missing []string
	for _, p := range contract.Params {
		if !p.Required {
			continue
		}
		if v, ok := input[p.Name]; !ok || v == nil {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

func coerce(p Param, value any) (any, error) {
	switch p.Type {
	case TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case TypeInteger:
		switch n := value.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n == math.Trunc(n) && !math.IsInf(n, 0) {
				return int(n), nil
			}
		}
	case TypeNumber:
		switch n := value.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case TypeObject:
		if m, ok := value.(map[string]any); ok {
			return m, nil
		}
	case TypeArray:
		if a, ok := value.([]any); ok {
			return a, nil
		}
	case "":
		return value, nil
	}
	return nil, fmt.Errorf("expected %s, got %T", p.Type, value)
}

// String 读取字符串参数。
func String(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// Int 读取整数参数，缺省时返回 fallback。
func Int(input map[string]any, key string, fallback int) int {
	switch n := input[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

// Bool 读取布尔参数。
func Bool(input map[string]any, key string) bool {
	b, _ := input[key].(bool)
	return b
}
