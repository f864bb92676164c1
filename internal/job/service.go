package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// SubmitRequest 描述一次异步运行请求。MaxRetries 为空时使用默认预算。
type SubmitRequest struct {
	ID         string `json:"id,omitempty"`
	Task       string `json:"task"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

// Service 负责作业的创建与查询。
type Service struct {
	store             Store
	producer          Producer
	maxAttempts       int
	defaultMaxRetries int
	retryLimit        int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithMaxAttempts 设置单个作业的最大投递次数。
func WithMaxAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryBudget 设置默认重试预算与允许的上限。
func WithRetryBudget(defaultRetries, limit int) ServiceOption {
	return func(s *Service) {
		if defaultRetries >= 0 {
			s.defaultMaxRetries = defaultRetries
		}
		if limit >= 0 {
			s.retryLimit = limit
		}
	}
}

// NewService 构造作业服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		store:             store,
		producer:          producer,
		maxAttempts:       3,
		defaultMaxRetries: 1,
		retryLimit:        5,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.defaultMaxRetries > s.retryLimit {
		s.defaultMaxRetries = s.retryLimit
	}
	return s
}

// Submit 创建一个新的作业并推送到队列。携带已存在的 ID 时直接返回已有作业。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, xerrors.New(CodeJobValidation, "任务不能为空")
	}
	maxRetries := s.defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 || maxRetries > s.retryLimit {
		return nil, xerrors.New(CodeJobValidation, fmt.Sprintf("max_retries 必须在 0 到 %d 之间", s.retryLimit))
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		existing, err := s.store.Get(ctx, jobID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:          jobID,
		Task:        req.Task,
		MaxRetries:  maxRetries,
		Status:      StatusPending,
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			if existing, getErr := s.store.Get(ctx, jobID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("作业入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布作业到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("作业入队成功",
		slog.String("job_id", jobID),
		slog.String("task", job.Task),
		slog.Int("max_retries", job.MaxRetries),
		slog.Int("max_attempts", job.MaxAttempts),
	)
	return job, nil
}

// Get 返回指定作业的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的作业列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的作业统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilCompleted 轮询作业状态直到结束或 ctx 到期。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待作业完成超时")
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}
