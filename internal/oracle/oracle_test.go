package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/llm"
	"QuizChain/internal/quiz"
)

type scripted struct {
	replies []string
	errs    []error
	calls   []llm.Request
}

func (s *scripted) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	i := len(s.calls)
	s.calls = append(s.calls, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &llm.Response{Text: s.replies[i]}, nil
}

func TestNewConversationOmitsCredential(t *testing.T) {
	conv := NewConversation(quiz.QuizStep{URL: "https://quiz.example/q1", RenderedText: "What is 2+2?"})
	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "https://quiz.example/q1")
	assert.Contains(t, msgs[0].Content, "What is 2+2?")
	assert.NotContains(t, strings.ToLower(msgs[0].Content), "secret")
}

func TestDecideSynthesizesComputeFromFence(t *testing.T) {
	model := &scripted{replies: []string{"```python\nprint(1+1)\n```"}}
	client := NewClient(model, Config{})
	conv := NewConversation(quiz.QuizStep{URL: "https://x/q", RenderedText: "sum"})

	action, err := client.Decide(context.Background(), conv, false)
	require.NoError(t, err)
	assert.Equal(t, quiz.Compute("print(1+1)"), action)
	require.Len(t, model.calls, 1)
	assert.Equal(t, SystemPreamble, model.calls[0].System)
}

func TestContinueFlagsExecutionErrors(t *testing.T) {
	model := &scripted{replies: []string{`{"action":"submit","answer":4}`}}
	client := NewClient(model, Config{})
	conv := NewConversation(quiz.QuizStep{URL: "https://x/q"})

	_, err := client.Continue(context.Background(), conv, quiz.ExecutionResult{
		Stderr: "ZeroDivisionError: division by zero",
		Failed: true,
	}, false)
	require.NoError(t, err)

	prompt := model.calls[0].Messages[len(model.calls[0].Messages)-1].Content
	assert.True(t, strings.HasPrefix(prompt, "Code Output:\n"+quiz.ErrorMarker))
	assert.Contains(t, prompt, "Do NOT submit this error text as the answer")
	assert.NotContains(t, prompt, proceedInstruction)
}

func TestContinueFlagsTracebackInStdout(t *testing.T) {
	conv := NewConversation(quiz.QuizStep{URL: "https://x/q"})
	conv.RecordExecution(quiz.ExecutionResult{Stdout: "Traceback (most recent call last):\n  boom"}, true)

	last := conv.Last().Content
	assert.Contains(t, last, "Do NOT submit this error text as the answer")
	assert.Contains(t, last, "respond with a submit action")
}

func TestContinueSuccessAsksToSubmit(t *testing.T) {
	conv := NewConversation(quiz.QuizStep{URL: "https://x/q"})
	conv.RecordExecution(quiz.ExecutionResult{Stdout: "4\n"}, false)

	last := conv.Last().Content
	assert.Equal(t, "Code Output:\n4\n\n\nNow proceed to submit.", last)
}

func TestDecideParseFailureRecordsReminder(t *testing.T) {
	model := &scripted{replies: []string{"no idea"}}
	client := NewClient(model, Config{})
	conv := NewConversation(quiz.QuizStep{URL: "https://x/q"})

	_, err := client.Decide(context.Background(), conv, false)
	assert.Equal(t, xerrors.CodeProtocolViolation, xerrors.CodeOf(err))
	msgs := conv.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, parseReminder, msgs[2].Content)
}

func TestDecideRateLimitLeavesConversation(t *testing.T) {
	model := &scripted{errs: []error{llm.RateLimited("test", errors.New("429"))}}
	client := NewClient(model, Config{})
	conv := NewConversation(quiz.QuizStep{URL: "https://x/q"})

	_, err := client.Decide(context.Background(), conv, false)
	assert.True(t, llm.IsRateLimited(err))
	assert.Len(t, conv.Messages(), 1)
}

func TestDecideWrapsTransportErrors(t *testing.T) {
	model := &scripted{errs: []error{errors.New("connection reset")}}
	client := NewClient(model, Config{CallTimeout: time.Second})

	_, err := client.Decide(context.Background(), NewConversation(quiz.QuizStep{}), false)
	assert.Equal(t, xerrors.CodeTransportFailure, xerrors.CodeOf(err))
}

func TestThrottleDisabled(t *testing.T) {
	model := &scripted{}
	assert.Same(t, llm.Client(model), NewThrottle(model, 0))
}

func TestThrottleHonoursContext(t *testing.T) {
	model := &scripted{replies: []string{"a", "b"}}
	throttled := NewThrottle(model, 1)

	_, err := throttled.Generate(context.Background(), llm.Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = throttled.Generate(ctx, llm.Request{})
	require.Error(t, err)
	assert.Len(t, model.calls, 1)
}
