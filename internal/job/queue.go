package job

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Handler 处理来自消息队列的作业 ID。
type Handler func(ctx context.Context, jobID string) error

// Producer 负责向队列投递作业。
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer 负责从队列中消费作业。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

const (
	redeliveryInitialDelay = 500 * time.Millisecond
	redeliveryMaxDelay     = 30 * time.Second
)

// redelivery 控制处理失败后重新入队前的等待时间，每个工作协程持有一份。
type redelivery struct {
	policy *backoff.ExponentialBackOff
}

func newRedelivery(initial, maxDelay time.Duration) *redelivery {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = maxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.Reset()
	return &redelivery{policy: policy}
}

// wait 阻塞到下一次重投时间；ctx 结束时返回 false。
func (r *redelivery) wait(ctx context.Context) bool {
	timer := time.NewTimer(r.policy.NextBackOff())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// reset 在作业处理成功后恢复初始间隔。
func (r *redelivery) reset() {
	r.policy.Reset()
}
