package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	xerrors "QuizChain/internal/errors"
	"QuizChain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook Channel = "webhook"
	ChannelRedis   Channel = "redis"
)

// Kind 表示事件类型。
type Kind string

const (
	KindRunCompleted Kind = "run_completed"
	KindRunFailed    Kind = "run_failed"
)

// Event 描述一次运行结束或失败的通知。身份凭证从不出现在事件中。
type Event struct {
	Kind        Kind              `json:"kind"`
	RunID       string            `json:"run_id"`
	PrincipalID string            `json:"principal_id,omitempty"`
	StartURL    string            `json:"start_url,omitempty"`
	Termination string            `json:"termination,omitempty"`
	Steps       int               `json:"steps"`
	FinalURL    string            `json:"final_url,omitempty"`
	Code        xerrors.Code      `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
	Severity    xerrors.Severity  `json:"severity,omitempty"`
	Attempts    int               `json:"attempts"`
	MaxRetries  int               `json:"max_retries"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Len 返回已注册的渠道数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有注册渠道。单个渠道失败只记录日志，最终合并返回。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	channels := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	var errs []error
	for _, ch := range channels {
		notifier := d.notifiers[ch]
		if err := notifier.Notify(ctx, event); err != nil {
			logger.L().Warn("通知发送失败",
				zap.String("channel", string(ch)),
				zap.String("run_id", event.RunID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// backoff 返回第 attempt 次重试前的等待时间（attempt 从 1 开始）。
func backoff(base time.Duration, attempt int) time.Duration {
	return time.Duration(1<<uint(attempt-1)) * base
}

// retry 以指数退避执行 fn，直到成功、遇到不可重试错误或用尽次数。
func retry(ctx context.Context, retries int, base time.Duration, fn func(context.Context) (retryable bool, err error)) error {
	attempts := 1 + retries
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			timer := time.NewTimer(backoff(base, i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		retryable, err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
