package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/observability/alerting"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Runner 定义处理器所需的编排能力。
type Runner interface {
	Run(ctx context.Context, task string, maxRetries int) (*run.Output, error)
}

// Processor 负责从队列消费作业并交给编排器执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("job_processor")
	}
	return p
}

// Start 启动作业处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobExhausted) && job != nil && job.Status == StatusPending {
			return p.failExhausted(ctx, job)
		}
		if IsSkippable(err) {
			p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	output, runErr := p.runner.Run(ctx, job.Task, job.MaxRetries)
	if runErr != nil {
		if ctx.Err() != nil {
			// 进程退出时放回待执行状态，等待下次启动恢复。
			if relErr := p.store.Release(context.WithoutCancel(ctx), job.ID); relErr != nil {
				logger.L().Error("释放作业失败", slog.Any("error", relErr), slog.String("job_id", job.ID))
			}
			return runErr
		}
		return p.handleRunFailure(ctx, job, runErr)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, *output); err != nil {
		logger.L().Error("记录运行结果失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return p.handleRunFailure(ctx, job, xerrors.Wrap(CodeJobProcessing, err, "记录运行结果失败"))
	}
	logger.Audit().Info("作业执行完成",
		slog.String("job_id", job.ID),
		slog.String("run_id", output.RunID),
		slog.Bool("verified", output.Verification.Verified),
		slog.Int("retries_used", output.RetriesUsed),
		slog.Bool("exhausted", output.Exhausted),
	)
	if output.Exhausted {
		p.emitAlert(ctx, job, CodeRunExhausted, nil, "exhausted")
	}
	return nil
}

func (p *Processor) handleRunFailure(ctx context.Context, job *Job, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(runErr) || xerrors.HasCode(runErr, xerrors.CodeTimeout)
	terminal := !retryable || job.Attempts >= job.MaxAttempts

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, xerrors.MessageOf(runErr), terminal); storeErr != nil {
		logger.L().Error("标记作业失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", job.ID),
		slog.String("task", job.Task),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	p.emitAlert(ctx, job, code, runErr, stage)

	if !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("作业 %s 重投失败", job.ID))
		}
		p.logger.Debug("作业已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

// failExhausted 将次数已耗尽却仍处于待执行状态的作业标记为失败。
func (p *Processor) failExhausted(ctx context.Context, job *Job) error {
	const message = "job attempts exhausted"
	if err := p.store.MarkFailed(ctx, job.ID, CodeJobExhausted, message, true); err != nil {
		logger.L().Error("标记作业失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("作业投递次数耗尽",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)
	p.emitAlert(ctx, job, CodeJobExhausted, nil, "terminal")
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = xerrors.MessageOf(cause)
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		JobID:       job.ID,
		Task:        job.Task,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
