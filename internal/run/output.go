package run

import "time"

// Round 记录一轮执行：第 0 轮为全量执行，之后每轮为一次重试。
type Round struct {
	Number       int          `json:"round"`
	Steps        []int        `json:"steps,omitempty"`
	Delta        Report       `json:"delta"`
	Report       Report       `json:"report"`
	Verification Verification `json:"verification"`
}

// Output 是一次编排运行的最终结果。
type Output struct {
	RunID        string       `json:"run_id"`
	Task         string       `json:"task"`
	Plan         Plan         `json:"plan"`
	Report       Report       `json:"report"`
	Verification Verification `json:"verification"`
	History      []Round      `json:"history"`
	RetriesUsed  int          `json:"retries_used"`
	MaxRetries   int          `json:"max_retries"`
	Exhausted    bool         `json:"exhausted"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
}
