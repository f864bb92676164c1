package run

import "sort"

// StepResult 记录某个步骤在一轮执行中的结果。
type StepResult struct {
	Step           Step           `json:"step"`
	Output         map[string]any `json:"output"`
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
	Attempts       int            `json:"attempts"`
	DurationMillis int64          `json:"duration_ms"`
}

// Report 是按步骤序号排列的执行结果，作为值传递，不在原地修改。
type Report struct {
	Results []StepResult `json:"results"`
}

// NewReport 复制结果并按序号排序。
func NewReport(results ...StepResult) Report {
	out := make([]StepResult, len(results))
	copy(out, results)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step.Index < out[j].Step.Index })
	return Report{Results: out}
}

// Len 返回结果数量。
func (r Report) Len() int { return len(r.Results) }

// Result 返回指定序号的结果。
func (r Report) Result(index int) (StepResult, bool) {
	for _, res := range r.Results {
		if res.Step.Index == index {
			return res, true
		}
	}
	return StepResult{}, false
}

// Indices 返回报告中的序号（升序）。
func (r Report) Indices() []int {
	out := make([]int, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res.Step.Index)
	}
	sort.Ints(out)
	return out
}

// Successful 返回成功步骤的数量。
func (r Report) Successful() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

// Merge 返回一个新报告：delta 中出现的序号以 delta 为准，其余保持不变。
// 接收者与 delta 都不会被修改。
func (r Report) Merge(delta Report) Report {
	latest := make(map[int]StepResult, len(r.Results)+len(delta.Results))
	for _, res := range r.Results {
		latest[res.Step.Index] = res
	}
	for _, res := range delta.Results {
		latest[res.Step.Index] = res
	}
	merged := make([]StepResult, 0, len(latest))
	for _, res := range latest {
		merged = append(merged, res)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Step.Index < merged[j].Step.Index })
	return Report{Results: merged}
}
