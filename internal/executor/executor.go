package executor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/internal/tool"
	"OpenMCP-Orchestrator/pkg/logger"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultToolTimeout = 20 * time.Second
)

// Resolver 是执行器所需的工具解析能力，*tool.Registry 满足该接口。
type Resolver interface {
	Resolve(id string) (tool.Tool, error)
}

// CallObserver 接收每个步骤的调用统计。
type CallObserver func(toolID string, attempts int, elapsed time.Duration, err error)

// Executor 按序号顺序执行计划中的步骤。
type Executor struct {
	tools       Resolver
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	toolTimeout time.Duration
	observe     CallObserver
}

// Option 定义可选配置。
type Option func(*Executor)

// WithMaxAttempts 设置瞬时失败的最大尝试次数（含首次）。
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBaseDelay 设置首次退避时长，此后每次翻倍。
func WithBaseDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.baseDelay = d
		}
	}
}

// WithMaxDelay 设置单次退避的上限。
func WithMaxDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.maxDelay = d
		}
	}
}

// WithToolTimeout 设置单次工具调用的超时时间。
func WithToolTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.toolTimeout = d
		}
	}
}

// WithCallObserver 注册调用观测回调。
func WithCallObserver(observe CallObserver) Option {
	return func(e *Executor) {
		e.observe = observe
	}
}

// New 构造执行器。
func New(tools Resolver, opts ...Option) *Executor {
	e := &Executor{
		tools:       tools,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		toolTimeout: defaultToolTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 执行选中的步骤并返回本轮报告；报告只包含被选中的步骤。
func (e *Executor) Execute(ctx context.Context, plan run.Plan, sel run.Selection) run.Report {
	steps := plan.Select(sel)
	results := make([]run.StepResult, 0, len(steps))
	for _, step := range steps {
		results = append(results, e.executeStep(ctx, step))
	}
	return run.NewReport(results...)
}

func (e *Executor) executeStep(ctx context.Context, step run.Step) run.StepResult {
	started := time.Now()
	result := run.StepResult{Step: step}

	output, attempts, err := e.invoke(ctx, step)
	result.Attempts = attempts
	result.DurationMillis = time.Since(started).Milliseconds()
	if e.observe != nil {
		e.observe(step.Tool, attempts, time.Since(started), err)
	}
	if err != nil {
		result.Error = err.Error()
		logger.L().Warn("步骤执行失败",
			slog.Int("step", step.Index),
			slog.String("tool", step.Tool),
			slog.Int("attempts", attempts),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		return result
	}
	result.Output = output
	result.Success = true
	return result
}

func (e *Executor) invoke(ctx context.Context, step run.Step) (map[string]any, int, error) {
	if e.tools == nil {
		return nil, 0, xerrors.New(xerrors.CodeInitializationFailure, "执行器未配置工具注册表")
	}
	// 解析工具并按契约校验入参，失败即为永久错误。
	t, err := e.tools.Resolve(step.Tool)
	if err != nil {
		return nil, 0, err
	}
	input, err := tool.ValidateInput(t.Contract(), step.Input)
	if err != nil {
		return nil, 0, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.baseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = e.maxDelay

	attempts := 0
	var lastErr error
	operation := func() (map[string]any, error) {
		attempts++
		out, err := e.call(ctx, t, input)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !tool.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		logger.L().Debug("工具调用瞬时失败，准备重试",
			slog.Int("step", step.Index),
			slog.String("tool", step.Tool),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)
	}

	output, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(e.maxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if lastErr == nil {
			return nil, attempts, err
		}
		if ctx.Err() != nil {
			return nil, attempts, fmt.Errorf("%w (调用被取消)", lastErr)
		}
		return nil, attempts, lastErr
	}
	if output == nil {
		output = map[string]any{}
	}
	return output, attempts, nil
}

func (e *Executor) call(ctx context.Context, t tool.Tool, input map[string]any) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	out, err := t.Invoke(callCtx, run.CloneMap(input))
	if err != nil {
		if ctx.Err() == nil && stdErrors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, tool.Unavailable(t.Contract().ID, err, "工具调用超时")
		}
		return nil, err
	}
	return out, nil
}
