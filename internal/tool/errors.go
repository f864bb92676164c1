package tool

import (
	"context"
	stdErrors "errors"
	"net"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

const (
	CodeUnknownTool xerrors.Code = "UNKNOWN_TOOL"
	CodeUnavailable xerrors.Code = "TOOL_UNAVAILABLE"
	CodeRejected    xerrors.Code = "TOOL_REJECTED"
)

var (
	// ErrUnknownTool 表示工具标识未在注册表中登记。
	ErrUnknownTool = xerrors.New(CodeUnknownTool, "unknown tool")
	// ErrUnavailable 表示工具暂时不可用，可以退避后重试。
	ErrUnavailable = xerrors.New(CodeUnavailable, "tool unavailable")
	// ErrRejected 表示工具拒绝了本次调用，重试不会改变结果。
	ErrRejected = xerrors.New(CodeRejected, "tool rejected invocation")
)

func init() {
	xerrors.Register(CodeUnknownTool, xerrors.Attributes{
		Message:  "unknown tool",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "tool unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeRejected, xerrors.Attributes{
		Message:  "tool rejected invocation",
		Severity: xerrors.SeverityInfo,
	})
}

// Unavailable 构造瞬时错误，例如网络中断、限流或服务端 5xx。
func Unavailable(toolID string, cause error, message string) error {
	return xerrors.Wrap(CodeUnavailable, cause, message, xerrors.WithMetadata("tool", toolID))
}

// Rejected 构造永久错误，例如参数非法或资源不存在。
func Rejected(toolID string, cause error, message string) error {
	if cause == nil {
		return xerrors.New(CodeRejected, message, xerrors.WithMetadata("tool", toolID))
	}
	return xerrors.Wrap(CodeRejected, cause, message, xerrors.WithMetadata("tool", toolID))
}

// IsTransient 判断工具错误是否值得退避重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.HasCode(err, CodeRejected) {
		return false
	}
	if xerrors.HasCode(err, CodeUnavailable) || xerrors.RetryableError(err) {
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
