// Package oracle wraps the decision model behind a strict two-action
// protocol: every round yields exactly one Compute or Submit action.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/llm"
	"QuizChain/internal/quiz"
	"QuizChain/pkg/logger"
)

// SystemPreamble constrains the model to one JSON object per reply.
const SystemPreamble = `You are an autonomous agent solving a chain of data-analysis quiz pages.
You will be given the text of the current quiz page. Work out what the page asks for and produce the answer.

Reply with exactly ONE JSON object and nothing else, in one of these two shapes:
  {"action": "code", "code": "<python source>"}
  {"action": "submit", "answer": <JSON value>}

Use "code" when you need to compute, download or parse something. The code runs in a Python interpreter;
print whatever you need to see. A helper download_file(url, filename=None) saves a remote file locally and
returns its path. You will receive the printed output in the next message.
Use "submit" once you know the answer. The answer may be a number, string, boolean, object or array, matching
what the page asks for. If the page asks for no answer yet, submit an empty string.
Do not include submission URLs, emails or secrets: delivery of the answer is handled for you.`

const (
	codeOutputPrefix   = "Code Output:\n"
	proceedInstruction = "Now proceed to submit."
	errorInstruction   = "The code above failed. Do NOT submit this error text as the answer. Fix the code and try again, or submit an answer you have actually derived."
	lastRoundReminder  = "This is your final round: respond with a submit action."
	parseReminder      = "Your previous reply was not a valid action. Reply with exactly one JSON object: {\"action\": \"code\", \"code\": ...} or {\"action\": \"submit\", \"answer\": ...}."
	tracebackMarker    = "Traceback (most recent call last)"
	defaultPromptLimit = 24000
	defaultScriptLimit = 8000
)

// Conversation is the per-step dialogue with the oracle. It is owned by a
// single step and never shared.
type Conversation struct {
	messages []llm.Message
}

// NewConversation seeds the dialogue from a rendered page. The identity is
// deliberately not part of the prompt.
func NewConversation(step quiz.QuizStep) *Conversation {
	var b strings.Builder
	fmt.Fprintf(&b, "Current URL: %s\n\n", step.URL)
	b.WriteString("Page Text:\n")
	b.WriteString(clip(step.RenderedText, defaultPromptLimit))
	if s := strings.TrimSpace(step.ScriptText); s != "" {
		b.WriteString("\n\nPage Scripts (excerpt):\n")
		b.WriteString(clip(s, defaultScriptLimit))
	}
	if strings.TrimSpace(step.RenderedText) == "" && strings.TrimSpace(step.RenderedMarkup) != "" {
		b.WriteString("\n\nPage Markup (excerpt):\n")
		b.WriteString(clip(step.RenderedMarkup, defaultPromptLimit))
	}
	b.WriteString("\n\nWhat should I do?")
	return &Conversation{messages: []llm.Message{{Role: llm.RoleUser, Content: b.String()}}}
}

// Messages returns a copy of the dialogue.
func (c *Conversation) Messages() []llm.Message {
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Last returns the most recent message.
func (c *Conversation) Last() llm.Message {
	if len(c.messages) == 0 {
		return llm.Message{}
	}
	return c.messages[len(c.messages)-1]
}

func (c *Conversation) append(role llm.Role, content string) {
	c.messages = append(c.messages, llm.Message{Role: role, Content: content})
}

// RecordExecution appends the execution feedback for the previous Compute
// action. finalRound asks the model to submit on its next reply.
func (c *Conversation) RecordExecution(result quiz.ExecutionResult, finalRound bool) {
	text := result.Text()
	var b strings.Builder
	b.WriteString(codeOutputPrefix)
	b.WriteString(text)
	b.WriteString("\n\n")
	if HasErrorMarker(result) {
		b.WriteString(errorInstruction)
	} else {
		b.WriteString(proceedInstruction)
	}
	if finalRound {
		b.WriteString("\n")
		b.WriteString(lastRoundReminder)
	}
	c.append(llm.RoleUser, b.String())
}

// RecordParseFailure asks the model to restate its reply in protocol form.
func (c *Conversation) RecordParseFailure(finalRound bool) {
	msg := parseReminder
	if finalRound {
		msg += "\n" + lastRoundReminder
	}
	c.append(llm.RoleUser, msg)
}

// HasErrorMarker reports whether an execution result must be flagged as a
// failure to the model.
func HasErrorMarker(result quiz.ExecutionResult) bool {
	if result.Failed {
		return true
	}
	text := result.Text()
	return strings.Contains(text, quiz.ErrorMarker) || strings.Contains(text, tracebackMarker)
}

// Config tunes the oracle client.
type Config struct {
	CallTimeout time.Duration
	JSON        bool
}

// Client turns conversations into actions.
type Client struct {
	model       llm.Client
	callTimeout time.Duration
	json        bool
	log         *zap.Logger
}

// NewClient wraps a provider.
func NewClient(model llm.Client, cfg Config) *Client {
	return &Client{
		model:       model,
		callTimeout: cfg.CallTimeout,
		json:        cfg.JSON,
		log:         logger.Named("oracle"),
	}
}

// Decide asks for the next action on the conversation as it stands. On a
// parse failure the reply and a reminder are recorded so the next round can
// retry; on a call failure the conversation is left untouched so the same
// round can be retried.
func (c *Client) Decide(ctx context.Context, conv *Conversation, finalRound bool) (quiz.Action, error) {
	callCtx := ctx
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	resp, err := c.model.Generate(callCtx, llm.Request{
		System:   SystemPreamble,
		Messages: conv.Messages(),
		JSON:     c.json,
	})
	if err != nil {
		if llm.IsRateLimited(err) {
			return quiz.Action{}, err
		}
		if _, ok := xerrors.From(err); ok {
			return quiz.Action{}, err
		}
		if xerrors.CodeOf(err) == xerrors.CodeTimeout {
			return quiz.Action{}, xerrors.Wrap(xerrors.CodeTimeout, err, "oracle call timed out")
		}
		return quiz.Action{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "oracle call failed")
	}

	conv.append(llm.RoleAssistant, resp.Text)
	action, layer, err := Parse(resp.Text)
	if err != nil {
		c.log.Warn("oracle reply could not be parsed", zap.String("reply", truncate(resp.Text, 300)))
		conv.RecordParseFailure(finalRound)
		return quiz.Action{}, err
	}
	c.log.Debug("oracle action parsed", zap.String("action", string(action.Kind)), zap.String("layer", string(layer)))
	return action, nil
}

// Continue records the execution result and asks for the next action.
func (c *Client) Continue(ctx context.Context, conv *Conversation, result quiz.ExecutionResult, finalRound bool) (quiz.Action, error) {
	conv.RecordExecution(result, finalRound)
	return c.Decide(ctx, conv, finalRound)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
