package job

import (
	stdErrors "errors"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/run"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job 描述一次异步提交的编排运行。
type Job struct {
	ID          string      `json:"id"`
	Task        string      `json:"task"`
	MaxRetries  int         `json:"max_retries"`
	Status      Status      `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   string      `json:"last_error,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	Verified    bool        `json:"verified"`
	Output      *run.Output `json:"output,omitempty"`
	CreatedAt   int64       `json:"created_at"`
	UpdatedAt   int64       `json:"updated_at"`
}

// Done 判断作业是否已经结束。
func (j *Job) Done() bool {
	return j != nil && (j.Status == StatusSucceeded || j.Status == StatusFailed)
}

// Response 返回作业最终结果的对外表示；尚无结果时返回 nil。
func (j *Job) Response() *run.Response {
	if j == nil || j.Output == nil {
		return nil
	}
	resp := run.NewResponse(*j.Output)
	return &resp
}

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_ATTEMPTS_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
	// CodeRunExhausted 仅用于告警：运行结束但重试预算耗尽仍未通过校验。
	CodeRunExhausted xerrors.Code = "RUN_EXHAUSTED"
)

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示作业在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict")
	// ErrJobCompleted 表示作业已经结束。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed")
	// ErrJobExhausted 表示作业的投递次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job attempts exhausted")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job attempts exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunExhausted, xerrors.Attributes{
		Message:  "retry budget exhausted without verification",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// IsSkippable 判断领取失败是否只需忽略该消息。
func IsSkippable(err error) bool {
	return stdErrors.Is(err, ErrJobNotFound) ||
		stdErrors.Is(err, ErrJobCompleted) ||
		stdErrors.Is(err, ErrJobExhausted) ||
		stdErrors.Is(err, ErrJobConflict)
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneJob(job *Job) *Job {
	clone := *job
	if job.Output != nil {
		out := *job.Output
		clone.Output = &out
	}
	return &clone
}
