package task

import (
	"context"
	stdErrors "errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	xerrors "QuizChain/internal/errors"
	storagemysql "QuizChain/internal/storage/mysql"
	"QuizChain/pkg/logger"
)

// DefaultMaxRetries 是未配置时每个运行允许的尝试次数。
const DefaultMaxRetries = 2

// SubmitRequest 描述一次触发请求。凭证不在其中，由执行节点按共享密钥重建。
type SubmitRequest struct {
	ID          string
	PrincipalID string
	StartURL    string
	Metadata    map[string]any
}

// Service 负责运行的创建、查询与取消。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	registry   *Registry
	journal    storagemysql.Journal
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithRegistry 让取消请求能够中断本进程内正在执行的运行。
func WithRegistry(registry *Registry) ServiceOption {
	return func(s *Service) {
		s.registry = registry
	}
}

// WithStepJournal 配置步骤日志，用于查询运行的逐步记录。
func WithStepJournal(journal storagemysql.Journal) ServiceOption {
	return func(s *Service) {
		s.journal = journal
	}
}

// NewService 构造运行服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的运行并推送到队列。指定 ID 时重复提交返回已有记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if strings.TrimSpace(req.PrincipalID) == "" {
		return nil, xerrors.New(CodeTaskValidation, "principal 不能为空")
	}
	if err := ValidateStartURL(req.StartURL); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}

	runID := strings.TrimSpace(req.ID)
	if runID != "" {
		task, err := s.store.Get(ctx, runID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		runID = uuid.NewString()
	}

	task := &Task{
		ID:          runID,
		PrincipalID: req.PrincipalID,
		StartURL:    req.StartURL,
		CurrentURL:  req.StartURL,
		Metadata:    cloneMetadata(req.Metadata),
		Status:      StatusPending,
		Attempts:    0,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, runID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		logger.L().Error("运行入队失败", zap.Error(err), zap.String("run_id", runID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布运行到队列失败")
		_ = s.store.MarkFailed(ctx, runID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("运行入队成功",
		zap.String("run_id", runID),
		zap.String("principal_id", task.PrincipalID),
		zap.String("start_url", task.StartURL),
		zap.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...FilterOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.List(ctx, NewRunFilter(opts...))
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...FilterOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Stats(ctx, NewRunFilter(opts...))
}

// Steps 返回运行的步骤日志。
func (s *Service) Steps(ctx context.Context, id string) ([]storagemysql.StepRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.journal == nil {
		return []storagemysql.StepRecord{}, nil
	}
	return s.journal.ListByRun(ctx, id)
}

// Cancel 将运行标记为已取消；若运行正由本进程执行，其上下文会被取消，
// 当前步骤结束后运行停止。
func (s *Service) Cancel(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	task, err := s.store.Cancel(ctx, id, "canceled by operator")
	if err != nil {
		return task, err
	}
	local := s.registry.Cancel(id)
	logger.Audit().Info("运行已取消",
		zap.String("run_id", id),
		zap.String("principal_id", task.PrincipalID),
		zap.Bool("local", local),
	)
	return task, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询运行状态直到进入终态或上下文结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ValidateStartURL 检查起始地址是否为绝对的 http(s) 地址。
func ValidateStartURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return xerrors.New(CodeTaskValidation, "起始地址不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return xerrors.Wrap(CodeTaskValidation, err, "起始地址无法解析")
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return xerrors.New(CodeTaskValidation, "起始地址必须是 http 或 https 地址")
	}
	return nil
}
