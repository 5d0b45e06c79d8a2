package task

import (
	"context"

	xerrors "QuizChain/internal/errors"
)

// Store 抽象了运行记录的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 将待执行或可重试的运行标记为运行中并增加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	// UpdateProgress 记录运行当前所在的地址与已完成的步数。
	UpdateProgress(ctx context.Context, id string, currentURL string, stepCount int) error
	MarkSucceeded(ctx context.Context, id string, result RunResult) error
	// MarkFailed 记录失败原因，terminal 为 true 时运行不再重试。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// Cancel 将待执行或运行中的记录标记为已取消。
	Cancel(ctx context.Context, id string, reason string) (*Task, error)
	List(ctx context.Context, filter RunFilter) ([]*Task, error)
	Stats(ctx context.Context, filter RunFilter) (TaskStats, error)
	Close() error
}
