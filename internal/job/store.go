package job

import (
	"context"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/run"
)

// Store 抽象了作业状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 将待执行作业置为运行中并累加投递次数。
	// 次数已耗尽时同时返回作业与 ErrJobExhausted。
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, output run.Output) error
	// MarkFailed 记录失败；terminal 为 false 时作业回到待执行状态等待重投。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// Release 将运行中的作业放回待执行状态，不计入投递次数。
	Release(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
