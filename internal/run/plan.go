package run

import "sort"

// Step 描述计划中的一次工具调用，Index 从 1 开始且在计划生命周期内保持不变。
type Step struct {
	Index       int            `json:"step"`
	Tool        string         `json:"tool"`
	Input       map[string]any `json:"input"`
	Description string         `json:"description"`
}

// Plan 是按顺序排列的步骤集合，创建后不再修改。
type Plan struct {
	Steps []Step `json:"steps"`
}

// NewPlan 按给定顺序为步骤分配序号并返回计划副本。
func NewPlan(steps ...Step) Plan {
	out := make([]Step, len(steps))
	for i, step := range steps {
		step.Index = i + 1
		step.Input = CloneMap(step.Input)
		out[i] = step
	}
	return Plan{Steps: out}
}

// Len 返回步骤数量。
func (p Plan) Len() int { return len(p.Steps) }

// Step 返回指定序号的步骤。
func (p Plan) Step(index int) (Step, bool) {
	for _, step := range p.Steps {
		if step.Index == index {
			return step, true
		}
	}
	return Step{}, false
}

// Has 判断序号是否存在于计划中。
func (p Plan) Has(index int) bool {
	_, ok := p.Step(index)
	return ok
}

// Indices 返回计划内全部序号（升序）。
func (p Plan) Indices() []int {
	out := make([]int, 0, len(p.Steps))
	for _, step := range p.Steps {
		out = append(out, step.Index)
	}
	sort.Ints(out)
	return out
}

// Select 按序号升序返回被选中的步骤。
func (p Plan) Select(sel Selection) []Step {
	out := make([]Step, 0, len(p.Steps))
	for _, step := range p.Steps {
		if sel.Includes(step.Index) {
			out = append(out, step)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// CloneMap 返回浅层副本，嵌套的 map 与 slice 也会被复制。
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
