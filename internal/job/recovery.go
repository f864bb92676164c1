package job

import (
	"context"
	"log/slog"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Recover 重新投递待执行的作业，并将超过 staleAfter 未更新的运行中作业放回队列。
// 通常在进程启动时调用一次，返回重新投递的作业数量。
func (s *Service) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}
	cutoff := time.Now().Add(-staleAfter).Unix()

	var pending []*Job
	for offset := 0; ; offset += maxListLimit {
		page, err := s.store.List(ctx, BuildListOptions(
			WithStatuses(StatusPending, StatusRunning),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(maxListLimit),
			WithOffset(offset),
		))
		if err != nil {
			return 0, err
		}
		pending = append(pending, page...)
		if len(page) < maxListLimit {
			break
		}
	}

	requeued := 0
	for _, job := range pending {
		if job.Status == StatusRunning {
			if job.UpdatedAt > cutoff {
				continue
			}
			if err := s.store.Release(ctx, job.ID); err != nil {
				logger.L().Warn("释放滞留作业失败", slog.Any("error", err), slog.String("job_id", job.ID))
				continue
			}
		}
		if err := s.producer.Publish(ctx, job.ID); err != nil {
			return requeued, xerrors.Wrap(CodeJobPublish, err, "重新投递作业失败")
		}
		requeued++
	}
	if requeued > 0 {
		logger.Audit().Info("恢复未完成作业", slog.Int("requeued", requeued))
	}
	return requeued, nil
}
