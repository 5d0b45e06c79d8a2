package agent

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/observability/metrics"
	"QuizChain/internal/quiz"
	"QuizChain/pkg/logger"
)

// Termination 描述运行结束的原因。
type Termination string

const (
	TerminationFinished Termination = "finished"
	TerminationStalled  Termination = "stalled"
	TerminationCanceled Termination = "canceled"
	TerminationFailed   Termination = "failed"
)

// DefaultStepTimeout 是单个步骤的默认时间上限。
const DefaultStepTimeout = 5 * time.Minute

// SessionFactory 为每次运行创建独占的浏览上下文。
type SessionFactory func(ctx context.Context) (Renderer, error)

// StepObserver 在每个步骤结束后被调用，返回 false 表示应在下一步之前停止。
type StepObserver func(ctx context.Context, state quiz.RunState, result StepResult) bool

// RunRequest 描述一次运行。
type RunRequest struct {
	RunID    string
	Identity quiz.Identity
	StartURL string
	Observer StepObserver
}

// Summary 汇总一次运行的结果。
type Summary struct {
	RunID       string      `json:"run_id"`
	Termination Termination `json:"termination"`
	Steps       int         `json:"steps"`
	FinalURL    string      `json:"final_url,omitempty"`
	LastReason  string      `json:"last_reason,omitempty"`
	LastCorrect bool        `json:"last_correct"`
	LastError   string      `json:"last_error,omitempty"`
}

// Runner 是运行控制器：沿着下一步地址顺序驱动步骤控制器直到链结束或停滞。
type Runner struct {
	agent       *Agent
	sessions    SessionFactory
	stepTimeout time.Duration
	log         *zap.Logger
}

// RunnerOption 定义可选的 Runner 配置。
type RunnerOption func(*Runner)

// WithStepTimeout 设置单个步骤的时间上限。
func WithStepTimeout(timeout time.Duration) RunnerOption {
	return func(r *Runner) {
		if timeout > 0 {
			r.stepTimeout = timeout
		}
	}
}

// NewRunner 创建运行控制器。
func NewRunner(agent *Agent, sessions SessionFactory, opts ...RunnerOption) *Runner {
	r := &Runner{
		agent:       agent,
		sessions:    sessions,
		stepTimeout: DefaultStepTimeout,
		log:         logger.Named("runner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run 执行一次完整的运行。取消只在步骤之间生效：每个步骤运行在脱离取消信号、
// 仅受步骤超时约束的上下文中。浏览上下文在返回前关闭。
func (r *Runner) Run(ctx context.Context, req RunRequest) (*Summary, error) {
	summary := &Summary{RunID: req.RunID}
	started := time.Now()
	if r.agent == nil || r.sessions == nil {
		summary.Termination = TerminationFailed
		return summary, xerrors.New(xerrors.CodeInitializationFailure, "运行控制器未初始化")
	}
	if strings.TrimSpace(req.StartURL) == "" {
		summary.Termination = TerminationFailed
		return summary, xerrors.New(xerrors.CodeInvalidArgument, "起始地址不能为空")
	}
	log := r.log.With(zap.String("run_id", req.RunID), zap.Object("identity", req.Identity))

	session, err := r.sessions(ctx)
	if err != nil {
		summary.Termination = TerminationFailed
		summary.LastError = err.Error()
		r.finish(log, summary, started)
		return summary, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("关闭浏览上下文失败", zap.Error(err))
		}
	}()

	log.Info("开始运行", zap.String("start_url", req.StartURL))
	state := quiz.RunState{CurrentURL: req.StartURL}
	for state.CurrentURL != "" {
		if err := ctx.Err(); err != nil {
			summary.Termination = TerminationCanceled
			r.finish(log, summary, started)
			return summary, xerrors.Wrap(xerrors.CodeCanceled, err, "运行已取消")
		}

		current := state.CurrentURL
		stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stepTimeout)
		result, err := r.agent.Step(stepCtx, session, req.Identity, req.RunID, state.StepCount+1, current)
		cancel()

		summary.Steps = state.StepCount + 1
		summary.FinalURL = current
		if err != nil {
			summary.Termination = TerminationFailed
			summary.LastError = err.Error()
			r.finish(log, summary, started)
			return summary, err
		}
		summary.LastCorrect = result.Outcome.Correct
		summary.LastReason = result.Outcome.Reason
		summary.LastError = ""
		if result.Err != nil {
			summary.LastError = result.Err.Error()
		}

		cont, stalled := state.Advance(result.NextURL())
		if req.Observer != nil && !req.Observer(ctx, state, result) && cont && !stalled {
			summary.Termination = TerminationCanceled
			r.finish(log, summary, started)
			return summary, xerrors.New(xerrors.CodeCanceled, "运行已被外部停止")
		}
		if stalled {
			log.Warn("下一步地址与当前地址相同，运行停滞", zap.String("url", current))
			summary.Termination = TerminationStalled
			r.finish(log, summary, started)
			return summary, nil
		}
		if !cont {
			break
		}
	}

	summary.Termination = TerminationFinished
	r.finish(log, summary, started)
	return summary, nil
}

func (r *Runner) finish(log *zap.Logger, summary *Summary, started time.Time) {
	metrics.ObserveRun(string(summary.Termination), summary.Steps, time.Since(started))
	log.Info("运行结束",
		zap.String("termination", string(summary.Termination)),
		zap.Int("steps", summary.Steps),
		zap.String("final_url", summary.FinalURL),
		zap.Bool("last_correct", summary.LastCorrect),
		zap.String("last_reason", summary.LastReason),
		zap.String("last_error", summary.LastError),
	)
}
