package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"QuizChain/internal/agent"
	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/observability/alerting"
	"QuizChain/internal/quiz"
	"QuizChain/pkg/logger"
)

// Executor 定义了处理器所需的运行控制器能力。
type Executor interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.Summary, error)
}

// Processor 负责从队列消费运行并交给运行控制器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	log         *zap.Logger
	alerter     alerting.Dispatcher
	registry    *Registry
	secret      string
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(log *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
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

// WithAlertDispatcher 配置运行结束通知的派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithCancelRegistry 配置与 Service 共享的取消注册表。
func WithCancelRegistry(registry *Registry) ProcessorOption {
	return func(p *Processor) {
		p.registry = registry
	}
}

// WithSharedSecret 配置用于重建身份的共享密钥。
func WithSharedSecret(secret string) ProcessorOption {
	return func(p *Processor) {
		p.secret = secret
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		log:         logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动运行处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskCanceled) || stdErrors.Is(err, ErrTaskConflict) {
			p.log.Debug("跳过运行", zap.String("run_id", runID), zap.String("reason", err.Error()))
			return nil
		}
		p.log.Error("领取运行失败", zap.Error(err), zap.String("run_id", runID))
		return err
	}

	// 重试时从上次记录的地址继续，步数在此基础上累加。
	startURL := task.StartURL
	baseSteps := 0
	if task.CurrentURL != "" {
		startURL = task.CurrentURL
		baseSteps = task.StepCount
	}

	runCtx, release := p.registry.Track(ctx, task.ID)
	summary, runErr := p.executor.Run(runCtx, agent.RunRequest{
		RunID:    task.ID,
		Identity: quiz.NewIdentity(task.PrincipalID, p.secret),
		StartURL: startURL,
		Observer: p.observer(task.ID, baseSteps),
	})
	release()

	// 运行结束后的存储写入不受取消影响。
	storeCtx := context.WithoutCancel(ctx)
	if summary == nil {
		summary = &agent.Summary{RunID: task.ID, Termination: agent.TerminationFailed}
	}
	summary.Steps += baseSteps

	switch {
	case runErr == nil:
		return p.handleSuccess(storeCtx, task, summary)
	case xerrors.HasCode(runErr, xerrors.CodeCanceled):
		return p.handleCanceled(ctx, storeCtx, task, summary, runErr)
	default:
		return p.handleExecutionFailure(storeCtx, task, summary, runErr)
	}
}

// observer 在每步之后记录进度，并在存储中发现取消标记时停止运行。
func (p *Processor) observer(runID string, baseSteps int) agent.StepObserver {
	return func(ctx context.Context, state quiz.RunState, _ agent.StepResult) bool {
		storeCtx := context.WithoutCancel(ctx)
		if err := p.store.UpdateProgress(storeCtx, runID, state.CurrentURL, baseSteps+state.StepCount); err != nil {
			p.log.Warn("记录运行进度失败", zap.String("run_id", runID), zap.Error(err))
		}
		current, err := p.store.Get(storeCtx, runID)
		if err != nil {
			return true
		}
		return current.Status != StatusCanceled
	}
}

func (p *Processor) handleSuccess(ctx context.Context, task *Task, summary *agent.Summary) error {
	result := RunResult{
		Termination: string(summary.Termination),
		Steps:       summary.Steps,
		FinalURL:    summary.FinalURL,
		LastReason:  summary.LastReason,
		LastCorrect: summary.LastCorrect,
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		p.log.Error("标记运行成功状态失败", zap.Error(err), zap.String("run_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			p.log.Error("回写失败状态出错", zap.Error(storeErr), zap.String("run_id", task.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("运行 %s 在标记成功失败后重投失败", task.ID))
		}
		return nil
	}
	logger.Audit().Info("运行执行完成",
		zap.String("run_id", task.ID),
		zap.String("principal_id", task.PrincipalID),
		zap.String("termination", result.Termination),
		zap.Int("steps", result.Steps),
		zap.String("final_url", result.FinalURL),
		zap.String("last_error", summary.LastError),
	)
	p.emit(ctx, alerting.KindRunCompleted, task, summary, "", nil)
	return nil
}

func (p *Processor) handleCanceled(parent, ctx context.Context, task *Task, summary *agent.Summary, cause error) error {
	current, err := p.store.Get(ctx, task.ID)
	if err == nil && current.Status == StatusCanceled {
		logger.Audit().Info("运行在步骤之间停止",
			zap.String("run_id", task.ID),
			zap.Int("steps", summary.Steps),
			zap.String("final_url", summary.FinalURL),
		)
		return nil
	}
	if parent.Err() != nil {
		// 进程退出导致的中断：保留重试机会并尝试重新投递。
		if storeErr := p.store.MarkFailed(ctx, task.ID, xerrors.CodeCanceled, cause.Error(), false); storeErr != nil {
			p.log.Error("标记中断运行失败", zap.Error(storeErr), zap.String("run_id", task.ID))
			return storeErr
		}
		pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if pubErr := p.producer.Publish(pubCtx, task.ID); pubErr != nil {
			p.log.Warn("中断运行重新投递失败", zap.Error(pubErr), zap.String("run_id", task.ID))
		}
		return nil
	}
	if _, cancelErr := p.store.Cancel(ctx, task.ID, cause.Error()); cancelErr != nil && !stdErrors.Is(cancelErr, ErrTaskCanceled) {
		p.log.Error("标记运行取消失败", zap.Error(cancelErr), zap.String("run_id", task.ID))
		return cancelErr
	}
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, summary *agent.Summary, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if summary.FinalURL != "" {
		if err := p.store.UpdateProgress(ctx, task.ID, summary.FinalURL, max(summary.Steps-1, 0)); err != nil {
			p.log.Warn("记录失败进度出错", zap.Error(err), zap.String("run_id", task.ID))
		}
	}
	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.log.Error("标记运行失败状态出错", zap.Error(storeErr), zap.String("run_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("运行执行失败",
		zap.String("run_id", task.ID),
		zap.String("principal_id", task.PrincipalID),
		zap.Bool("terminal", terminal),
		zap.String("error", execErr.Error()),
		zap.String("error_code", string(code)),
		zap.Int("attempts", task.Attempts),
		zap.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		p.emit(ctx, alerting.KindRunFailed, task, summary, code, execErr)
		return nil
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("运行 %s 重投失败", task.ID))
	}
	p.log.Debug("运行已重新排队", zap.String("run_id", task.ID), zap.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emit(ctx context.Context, kind alerting.Kind, task *Task, summary *agent.Summary, code xerrors.Code, cause error) {
	if p.alerter == nil || task == nil {
		return
	}
	event := alerting.Event{
		Kind:        kind,
		RunID:       task.ID,
		PrincipalID: task.PrincipalID,
		StartURL:    task.StartURL,
		Attempts:    task.Attempts,
		MaxRetries:  task.MaxRetries,
		OccurredAt:  time.Now(),
	}
	if summary != nil {
		event.Termination = string(summary.Termination)
		event.Steps = summary.Steps
		event.FinalURL = summary.FinalURL
		if summary.LastReason != "" {
			event.Metadata = map[string]string{"last_reason": summary.LastReason}
		}
	}
	if code != "" {
		attrs := xerrors.AttributesOf(code)
		event.Code = code
		event.Severity = attrs.Severity
		event.Message = attrs.Message
	}
	if cause != nil {
		event.Message = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.log.Error("运行通知失败",
			zap.Error(err),
			zap.String("run_id", task.ID),
			zap.String("kind", string(kind)),
		)
	}
}
