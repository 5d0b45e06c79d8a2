package agent

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"QuizChain/internal/discovery"
	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/executor"
	"QuizChain/internal/observability/metrics"
	"QuizChain/internal/oracle"
	"QuizChain/internal/override"
	"QuizChain/internal/quiz"
	"QuizChain/internal/storage/mysql"
	"QuizChain/pkg/logger"
)

// Renderer 是单次运行独占的浏览上下文。
type Renderer interface {
	Render(ctx context.Context, url string) (quiz.QuizStep, error)
	Close() error
}

// Decider 抽象决策 oracle 的两次调用形式。
type Decider interface {
	Decide(ctx context.Context, conv *oracle.Conversation, finalRound bool) (quiz.Action, error)
	Continue(ctx context.Context, conv *oracle.Conversation, result quiz.ExecutionResult, finalRound bool) (quiz.Action, error)
}

// Submitter 负责把答案提交到评测端点。
type Submitter interface {
	Submit(ctx context.Context, endpoint string, identity quiz.Identity, currentURL string, answer json.RawMessage) (quiz.SubmissionOutcome, error)
}

// EndpointFinder 从页面文本中定位提交端点。
type EndpointFinder interface {
	DiscoverRule(text, currentURL string) (endpoint string, rule string)
}

// 提交端点的来源。
const (
	EndpointDiscovered = "discovered"
	EndpointDefault    = "default"
	EndpointNone       = "none"
)

// 默认参数。
const (
	DefaultMaxRounds           = 3
	DefaultRateLimitCooldown   = 20 * time.Second
	DefaultMaxRateLimitRetries = 5
)

// Agent 是步骤控制器：渲染页面、定位端点、求解答案并提交。
type Agent struct {
	oracle              Decider
	executor            executor.Executor
	submitter           Submitter
	finder              EndpointFinder
	overrides           *override.Table
	fetcher             override.Fetcher
	journal             mysql.Journal
	defaultEndpoint     string
	maxRounds           int
	rateLimitCooldown   time.Duration
	maxRateLimitRetries int
	sleep               func(ctx context.Context, d time.Duration) error
	log                 *zap.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxRounds 设置每个步骤的 oracle 轮次上限。
func WithMaxRounds(rounds int) Option {
	return func(a *Agent) {
		if rounds > 0 {
			a.maxRounds = rounds
		}
	}
}

// WithRateLimitPolicy 设置限流冷却时间与每步最多的限流重试次数。
func WithRateLimitPolicy(cooldown time.Duration, maxRetries int) Option {
	return func(a *Agent) {
		if cooldown >= 0 {
			a.rateLimitCooldown = cooldown
		}
		if maxRetries >= 0 {
			a.maxRateLimitRetries = maxRetries
		}
	}
}

// WithDefaultEndpoint 配置未发现端点时使用的提交地址。
func WithDefaultEndpoint(endpoint string) Option {
	return func(a *Agent) {
		a.defaultEndpoint = endpoint
	}
}

// WithOverrides 配置确定性覆盖表及其外部数据获取器。
func WithOverrides(table *override.Table, fetcher override.Fetcher) Option {
	return func(a *Agent) {
		a.overrides = table
		a.fetcher = fetcher
	}
}

// WithJournal 配置步骤日志。
func WithJournal(journal mysql.Journal) Option {
	return func(a *Agent) {
		a.journal = journal
	}
}

// WithEndpointFinder 替换默认的端点发现规则。
func WithEndpointFinder(finder EndpointFinder) Option {
	return func(a *Agent) {
		if finder != nil {
			a.finder = finder
		}
	}
}

// WithSleeper 替换限流冷却使用的等待函数。
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) {
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

// New 创建一个 Agent。
func New(decider Decider, exec executor.Executor, submitter Submitter, opts ...Option) *Agent {
	ag := &Agent{
		oracle:              decider,
		executor:            exec,
		submitter:           submitter,
		finder:              discovery.New(),
		maxRounds:           DefaultMaxRounds,
		rateLimitCooldown:   DefaultRateLimitCooldown,
		maxRateLimitRetries: DefaultMaxRateLimitRetries,
		sleep:               sleepContext,
		log:                 logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// StepResult 汇总单个页面步骤的结果。
type StepResult struct {
	URL            string
	Endpoint       string
	EndpointSource string
	Rule           string
	Override       string
	Rounds         int
	Submitted      bool
	Answer         json.RawMessage
	Outcome        quiz.SubmissionOutcome
	// Err 记录未能提交或提交失败的原因，不会终止整个运行。
	Err error
}

// NextURL 返回下一步地址，空字符串表示本步骤终止。
func (r StepResult) NextURL() string {
	return r.Outcome.NextURL
}

// Step 处理一个页面。只有渲染失败会作为错误返回，其余失败都体现为没有下一步地址。
func (a *Agent) Step(ctx context.Context, session Renderer, identity quiz.Identity, runID string, sequence int, url string) (StepResult, error) {
	if a.oracle == nil || a.submitter == nil {
		return StepResult{URL: url}, xerrors.New(xerrors.CodeInitializationFailure, "未配置 oracle 或提交客户端")
	}
	log := a.log.With(zap.String("run_id", runID), zap.Int("step", sequence), zap.String("url", url))
	started := time.Now()

	step, err := session.Render(ctx, url)
	if err != nil {
		metrics.ObserveStep("failed", time.Since(started))
		a.record(ctx, runID, sequence, StepResult{URL: url, Err: err})
		return StepResult{URL: url, Err: err}, err
	}

	result := StepResult{URL: url}
	result.Endpoint, result.EndpointSource, result.Rule = a.endpointFor(step)
	step.DiscoveredEndpoint = result.Endpoint
	log.Info("页面已渲染",
		zap.Int("text_bytes", len(step.RenderedText)),
		zap.Int("script_bytes", len(step.ScriptText)),
		zap.String("endpoint", result.Endpoint),
		zap.String("endpoint_source", result.EndpointSource),
		zap.String("rule", result.Rule),
	)

	answer, ok := a.applyOverride(ctx, log, step, &result)
	if !ok {
		answer, ok = a.solve(ctx, log, step, &result)
	}
	if !ok {
		metrics.ObserveStep("no_submission", time.Since(started))
		a.record(ctx, runID, sequence, result)
		return result, nil
	}
	result.Answer = answer

	if result.Endpoint == "" {
		result.Err = xerrors.New(xerrors.CodeProtocolViolation, "未发现提交端点且未配置默认端点")
		log.Warn("无法提交答案", zap.Error(result.Err))
		metrics.ObserveStep("no_submission", time.Since(started))
		a.record(ctx, runID, sequence, result)
		return result, nil
	}

	outcome, err := a.submitter.Submit(ctx, result.Endpoint, identity, url, answer)
	result.Submitted = true
	if err != nil {
		result.Err = err
		log.Warn("提交失败", zap.Error(err), zap.String("error_code", string(xerrors.CodeOf(err))))
		metrics.ObserveStep("failed", time.Since(started))
	} else {
		result.Outcome = outcome
		metrics.IncSubmission(outcome.Correct)
		if result.Override != "" {
			metrics.ObserveStep("override", time.Since(started))
		} else {
			metrics.ObserveStep("submitted", time.Since(started))
		}
		log.Info("步骤完成",
			zap.Bool("correct", outcome.Correct),
			zap.String("next_url", outcome.NextURL),
			zap.String("reason", outcome.Reason),
		)
	}
	a.record(ctx, runID, sequence, result)
	return result, nil
}

// endpointFor 依次在页面文本、脚本和结构化标记中查找端点，最后回退到默认端点。
func (a *Agent) endpointFor(step quiz.QuizStep) (endpoint, source, rule string) {
	for _, text := range []string{step.RenderedText, step.ScriptText, step.RenderedMarkup} {
		if text == "" {
			continue
		}
		if endpoint, rule = a.finder.DiscoverRule(text, step.URL); endpoint != "" {
			return endpoint, EndpointDiscovered, rule
		}
	}
	if a.defaultEndpoint != "" {
		// 相对默认端点按当前页面解析，保证与页面同源
		if endpoint, ok := discovery.Resolve(a.defaultEndpoint, step.URL); ok {
			return endpoint, EndpointDefault, ""
		}
	}
	return "", EndpointNone, ""
}

func (a *Agent) applyOverride(ctx context.Context, log *zap.Logger, step quiz.QuizStep, result *StepResult) (json.RawMessage, bool) {
	if a.overrides == nil || a.overrides.Len() == 0 {
		return nil, false
	}
	answer, name, matched, err := a.overrides.Resolve(ctx, step, a.fetcher)
	if !matched {
		return nil, false
	}
	if err != nil {
		log.Warn("覆盖条目求值失败，回退到决策循环", zap.String("override", name), zap.Error(err))
		return nil, false
	}
	log.Info("命中覆盖条目", zap.String("override", name))
	result.Override = name
	return answer, true
}

func (a *Agent) solve(ctx context.Context, log *zap.Logger, step quiz.QuizStep, result *StepResult) (json.RawMessage, bool) {
	outcome, err := a.cycle(ctx, step)
	result.Rounds = outcome.rounds
	if err != nil {
		result.Err = err
		log.Warn("决策循环失败", zap.Error(err), zap.String("error_code", string(xerrors.CodeOf(err))), zap.Int("rounds", outcome.rounds))
		return nil, false
	}
	if !outcome.submitted {
		log.Warn("轮次用尽仍未得到提交动作", zap.Int("rounds", outcome.rounds))
		return nil, false
	}
	return outcome.answer, true
}

func (a *Agent) record(ctx context.Context, runID string, sequence int, result StepResult) {
	if a.journal == nil {
		return
	}
	record := mysql.StepRecord{
		RunID:          runID,
		Sequence:       sequence,
		URL:            result.URL,
		Endpoint:       result.Endpoint,
		EndpointSource: result.EndpointSource,
		Override:       result.Override,
		Rounds:         result.Rounds,
		Submitted:      result.Submitted,
		Answer:         string(result.Answer),
		Correct:        result.Outcome.Correct,
		NextURL:        result.Outcome.NextURL,
		Reason:         result.Outcome.Reason,
		CreatedAt:      time.Now().Unix(),
	}
	if result.Err != nil {
		record.Error = result.Err.Error()
	}
	if err := a.journal.Save(ctx, record); err != nil {
		a.log.Warn("写入步骤日志失败", zap.String("run_id", runID), zap.Int("step", sequence), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
