package tool

import "context"

// ParamType 枚举工具入参支持的 JSON 类型。
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Param 描述一个入参。
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Field 描述输出中的一个字段。
type Field struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
}

// Contract 声明工具的标识、入参与输出形状。
type Contract struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
	Output      []Field `json:"output,omitempty"`
}

// Param 按名称查找入参定义。
func (c Contract) Param(name string) (Param, bool) {
	for _, p := range c.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Tool 是可被执行器调用的外部能力。
// Invoke 失败时应返回 Unavailable 或 Rejected 构造的错误，以便执行器判断是否退避重试。
type Tool interface {
	Contract() Contract
	Invoke(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Func 将普通函数适配为 Tool。
type Func struct {
	Spec Contract
	Fn   func(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Contract 实现 Tool。
func (f Func) Contract() Contract { return f.Spec }

// Invoke 实现 Tool。
func (f Func) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	if f.Fn == nil {
		return nil, Rejected(f.Spec.ID, nil, "工具未实现")
	}
	return f.Fn(ctx, input)
}
