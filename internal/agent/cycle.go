package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/llm"
	"QuizChain/internal/observability/metrics"
	"QuizChain/internal/oracle"
	"QuizChain/internal/quiz"
)

type cycleOutcome struct {
	answer    json.RawMessage
	submitted bool
	rounds    int
}

// cycle 执行有界的决策-行动循环。每个计算动作或解析失败消耗一轮；
// 限流只在冷却后重试当前轮次，不消耗轮次预算；提交动作立即结束循环。
func (a *Agent) cycle(ctx context.Context, step quiz.QuizStep) (cycleOutcome, error) {
	conv := oracle.NewConversation(step)
	var (
		out          cycleOutcome
		pending      *quiz.ExecutionResult
		rateLimitHit int
	)

	for round := 1; round <= a.maxRounds; {
		final := round == a.maxRounds

		var (
			action quiz.Action
			err    error
		)
		if pending != nil {
			action, err = a.oracle.Continue(ctx, conv, *pending, final)
			pending = nil
		} else {
			action, err = a.oracle.Decide(ctx, conv, final)
		}

		if err != nil {
			switch {
			case llm.IsRateLimited(err):
				metrics.IncOracleRound("rate_limited")
				rateLimitHit++
				if rateLimitHit > a.maxRateLimitRetries {
					return out, xerrors.Wrap(xerrors.CodeRetriesExhausted, err,
						fmt.Sprintf("oracle 限流重试 %d 次后放弃", a.maxRateLimitRetries))
				}
				a.log.Warn("oracle 限流，冷却后重试本轮",
					zap.Int("round", round),
					zap.Int("retry", rateLimitHit),
					zap.Duration("cooldown", a.rateLimitCooldown))
				if err := a.sleep(ctx, a.rateLimitCooldown); err != nil {
					return out, xerrors.Wrap(xerrors.CodeOf(err), err, "限流冷却被中断")
				}
				continue
			case xerrors.HasCode(err, xerrors.CodeProtocolViolation):
				metrics.IncOracleRound("parse_failure")
				out.rounds = round
				round++
				continue
			default:
				return out, err
			}
		}

		out.rounds = round
		switch action.Kind {
		case quiz.ActionSubmit:
			metrics.IncOracleRound("submit")
			out.answer = action.Answer
			out.submitted = true
			return out, nil
		case quiz.ActionCompute:
			metrics.IncOracleRound("compute")
			if a.executor == nil {
				return out, xerrors.New(xerrors.CodeInitializationFailure, "未配置代码执行器")
			}
			result := a.executor.Execute(ctx, action.Code)
			a.log.Debug("代码执行完成",
				zap.Int("round", round),
				zap.Bool("failed", result.Failed),
				zap.String("kill_reason", result.KillReason),
				zap.Int("stdout_bytes", len(result.Stdout)))
			pending = &result
		}
		round++
	}
	return out, nil
}
