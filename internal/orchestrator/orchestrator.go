package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Planner 将任务拆解为计划。
type Planner interface {
	Plan(ctx context.Context, task string) (run.Plan, error)
}

// Executor 执行计划中被选中的步骤。
type Executor interface {
	Execute(ctx context.Context, plan run.Plan, sel run.Selection) run.Report
}

// Verifier 判定执行报告。
type Verifier interface {
	Verify(ctx context.Context, task string, plan run.Plan, report run.Report) (run.Verification, error)
}

// State 表示运行所处的阶段。
type State string

const (
	StatePlanning  State = "PLANNING"
	StateExecuting State = "EXECUTING"
	StateVerifying State = "VERIFYING"
	StateDone      State = "DONE"
)

// 运行结果分类，用于指标与审计。
const (
	OutcomeVerified   = "verified"
	OutcomeUnverified = "unverified"
	OutcomeExhausted  = "exhausted"
	OutcomeError      = "error"
)

// RunObserver 在每次运行结束时被调用。
type RunObserver func(outcome string, retriesUsed int, elapsed time.Duration)

// Orchestrator 驱动有界的规划-执行-校验循环。实例无可变状态，可被并发复用。
type Orchestrator struct {
	planner  Planner
	executor Executor
	verifier Verifier
	observe  RunObserver
	now      func() time.Time
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithRunObserver 注册运行结果观测回调。
func WithRunObserver(observe RunObserver) Option {
	return func(o *Orchestrator) {
		o.observe = observe
	}
}

// New 创建编排器。
func New(planner Planner, executor Executor, verifier Verifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:  planner,
		executor: executor,
		verifier: verifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Run 执行一次完整的编排。规划或校验失败直接返回错误；
// 重试预算耗尽不是错误，体现在 Output.Exhausted 与 Verification.Verified 上。
func (o *Orchestrator) Run(ctx context.Context, task string, maxRetries int) (*run.Output, error) {
	// 验证必要的组件是否已配置。
	if o == nil || o.planner == nil || o.executor == nil || o.verifier == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	// 规划与校验使用去除首尾空白的任务，输出保留调用方原文。
	trimmed := strings.TrimSpace(task)
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务不能为空")
	}
	if maxRetries < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "max_retries 不能为负数")
	}

	runID := uuid.NewString()
	started := o.now()
	log := logger.L().With(slog.String("run_id", runID))

	output, err := o.loop(ctx, log, trimmed, maxRetries)
	elapsed := o.now().Sub(started)
	if err != nil {
		o.finish(OutcomeError, 0, elapsed)
		logger.Audit().Warn("编排运行失败",
			slog.String("run_id", runID),
			slog.String("task", task),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	output.RunID = runID
	output.Task = task
	output.StartedAt = started
	output.FinishedAt = started.Add(elapsed)
	outcome := OutcomeUnverified
	switch {
	case output.Verification.Verified:
		outcome = OutcomeVerified
	case output.Exhausted:
		outcome = OutcomeExhausted
	}
	o.finish(outcome, output.RetriesUsed, elapsed)
	logger.Audit().Info("编排运行完成",
		slog.String("run_id", runID),
		slog.String("task", task),
		slog.String("outcome", outcome),
		slog.Int("steps", output.Plan.Len()),
		slog.Int("retries_used", output.RetriesUsed),
		slog.Int("max_retries", maxRetries),
		slog.Duration("elapsed", elapsed),
	)
	return output, nil
}

func (o *Orchestrator) loop(ctx context.Context, log *slog.Logger, task string, maxRetries int) (*run.Output, error) {
	// 规划阶段失败即终止，不做重试。
	log.Debug("状态切换", slog.String("state", string(StatePlanning)))
	plan, err := o.planner.Plan(ctx, task)
	if err != nil {
		return nil, err
	}

	log.Debug("状态切换", slog.String("state", string(StateExecuting)), slog.String("steps", run.All().String()))
	report := o.executor.Execute(ctx, plan, run.All())
	if err := canceled(ctx); err != nil {
		return nil, err
	}

	log.Debug("状态切换", slog.String("state", string(StateVerifying)))
	verification, err := o.verifier.Verify(ctx, task, plan, report)
	if err != nil {
		return nil, err
	}
	history := []run.Round{{
		Number:       0,
		Steps:        plan.Indices(),
		Delta:        report,
		Report:       report,
		Verification: verification,
	}}

	retriesUsed := 0
	for verification.NeedsRetry && retriesUsed < maxRetries {
		if err := canceled(ctx); err != nil {
			return nil, err
		}
		sel := verification.Retry()
		log.Debug("状态切换",
			slog.String("state", string(StateExecuting)),
			slog.String("steps", sel.String()),
			slog.Int("retry", retriesUsed+1),
		)
		// 仅重新执行被标记的步骤，并按序号覆盖旧结果。
		delta := o.executor.Execute(ctx, plan, sel)
		report = report.Merge(delta)
		if err := canceled(ctx); err != nil {
			return nil, err
		}

		log.Debug("状态切换", slog.String("state", string(StateVerifying)), slog.Int("retry", retriesUsed+1))
		verification, err = o.verifier.Verify(ctx, task, plan, report)
		if err != nil {
			return nil, err
		}
		retriesUsed++
		history = append(history, run.Round{
			Number:       retriesUsed,
			Steps:        sel.Indices(),
			Delta:        delta,
			Report:       report,
			Verification: verification,
		})
	}
	log.Debug("状态切换", slog.String("state", string(StateDone)), slog.Int("retries_used", retriesUsed))

	return &run.Output{
		Task:         task,
		Plan:         plan,
		Report:       report,
		Verification: verification,
		History:      history,
		RetriesUsed:  retriesUsed,
		MaxRetries:   maxRetries,
		Exhausted:    verification.NeedsRetry,
	}, nil
}

func (o *Orchestrator) finish(outcome string, retriesUsed int, elapsed time.Duration) {
	if o.observe != nil {
		o.observe(outcome, retriesUsed, elapsed)
	}
}

func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCanceled, err, "运行已取消")
	}
	return nil
}
