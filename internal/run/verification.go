package run

// Deficiency 说明某个步骤为何需要重做。
type Deficiency struct {
	Step   int    `json:"step"`
	Reason string `json:"reason"`
}

// Verification 是对一次执行报告的判定。
type Verification struct {
	Verified     bool           `json:"verified"`
	Summary      string         `json:"summary"`
	NeedsRetry   bool           `json:"needs_retry"`
	RetrySteps   []int          `json:"retry_steps"`
	FinalOutput  map[string]any `json:"final_output"`
	Deficiencies []Deficiency   `json:"deficiencies,omitempty"`
}

// Retry 返回需要重做的步骤选择。
func (v Verification) Retry() Selection {
	return Only(v.RetrySteps...)
}
