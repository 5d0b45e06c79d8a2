package oracle

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/llm"
)

// Throttle limits calls to a provider to a requests-per-minute budget shared
// by every run in the process.
type Throttle struct {
	next    llm.Client
	limiter *rate.Limiter
}

// NewThrottle wraps next. A non-positive rpm disables limiting.
func NewThrottle(next llm.Client, rpm float64) llm.Client {
	if rpm <= 0 {
		return next
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(rate.Limit(rpm/60.0), 1)}
}

// Generate waits for a token before delegating.
func (t *Throttle) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		code := xerrors.CodeTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			code = xerrors.CodeCanceled
		}
		return nil, xerrors.Wrap(code, err, "oracle throttle wait aborted")
	}
	return t.next.Generate(ctx, req)
}
