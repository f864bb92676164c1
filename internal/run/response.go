package run

// Response 是对外返回的结构，字段名与顺序需保持兼容。
type Response struct {
	Task         string               `json:"task"`
	Plan         ResponsePlan         `json:"plan"`
	Results      []ResponseResult     `json:"results"`
	Verification ResponseVerification `json:"verification"`
}

// ResponsePlan 包含计划步骤。
type ResponsePlan struct {
	Steps []ResponseStep `json:"steps"`
}

// ResponseStep 是计划中的一个步骤。
type ResponseStep struct {
	Step        int            `json:"step"`
	Tool        string         `json:"tool"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input"`
}

// ResponseResult 是单个步骤的最新结果。
type ResponseResult struct {
	Step        int            `json:"step"`
	Tool        string         `json:"tool"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input"`
	Output      map[string]any `json:"output"`
	Success     bool           `json:"success"`
}

// ResponseVerification 是最后一次判定。
type ResponseVerification struct {
	Verified    bool           `json:"verified"`
	Summary     string         `json:"summary"`
	NeedsRetry  bool           `json:"needs_retry"`
	RetrySteps  []int          `json:"retry_steps"`
	FinalOutput map[string]any `json:"final_output"`
}

// NewResponse 由最终结果构造对外响应。
func NewResponse(out Output) Response {
	resp := Response{
		Task:    out.Task,
		Plan:    ResponsePlan{Steps: make([]ResponseStep, 0, len(out.Plan.Steps))},
		Results: make([]ResponseResult, 0, len(out.Report.Results)),
		Verification: ResponseVerification{
			Verified:    out.Verification.Verified,
			Summary:     out.Verification.Summary,
			NeedsRetry:  out.Verification.NeedsRetry,
			RetrySteps:  append([]int{}, out.Verification.RetrySteps...),
			FinalOutput: out.Verification.FinalOutput,
		},
	}
	if resp.Verification.FinalOutput == nil {
		resp.Verification.FinalOutput = map[string]any{}
	}
	for _, step := range out.Plan.Steps {
		resp.Plan.Steps = append(resp.Plan.Steps, ResponseStep{
			Step:        step.Index,
			Tool:        step.Tool,
			Description: step.Description,
			Input:       nonNil(step.Input),
		})
	}
	for _, res := range out.Report.Results {
		resp.Results = append(resp.Results, ResponseResult{
			Step:        res.Step.Index,
			Tool:        res.Step.Tool,
			Description: res.Step.Description,
			Input:       nonNil(res.Step.Input),
			Output:      res.Output,
			Success:     res.Success,
		})
	}
	return resp
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
