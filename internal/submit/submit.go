// Package submit posts answers to a quiz server and interprets its reply.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/quiz"
	"QuizChain/pkg/logger"
)

const (
	// DefaultFallbackAnswer replaces an empty answer before sending.
	DefaultFallbackAnswer = "start"
	defaultTimeout        = 30 * time.Second
	maxReplyBytes         = 1 << 20
)

// Payload is the submission wire body.
type Payload struct {
	Email  string          `json:"email"`
	Secret string          `json:"secret"`
	URL    string          `json:"url"`
	Answer json.RawMessage `json:"answer"`
}

// Config tunes the client.
type Config struct {
	Timeout        time.Duration
	FallbackAnswer string
}

// Client is the only component that places the credential on the wire.
type Client struct {
	httpClient *http.Client
	fallback   string
	log        *zap.Logger
}

// NewClient builds a submission client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	fallback := cfg.FallbackAnswer
	if fallback == "" {
		fallback = DefaultFallbackAnswer
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		fallback:   fallback,
		log:        logger.Named("submit"),
	}
}

// Normalize swaps the empty string for the fallback literal. An absent raw
// value counts as the empty string; whitespace and null are sent as given.
func (c *Client) Normalize(answer json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(answer)
	if len(trimmed) == 0 {
		return quoted(c.fallback)
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil && s == "" {
		return quoted(c.fallback)
	}
	return trimmed
}

// BuildPayload returns the normalized wire body.
func (c *Client) BuildPayload(identity quiz.Identity, currentURL string, answer json.RawMessage) Payload {
	return Payload{
		Email:  identity.PrincipalID,
		Secret: identity.Credential(),
		URL:    currentURL,
		Answer: c.Normalize(answer),
	}
}

// reply mirrors {correct: bool, url?: string, reason?: string}.
type reply struct {
	Correct *bool   `json:"correct"`
	URL     *string `json:"url"`
	Reason  *string `json:"reason"`
}

// Submit posts the answer. It never retries. Transport failures and
// malformed replies produce a terminal outcome together with an error
// carrying TRANSPORT_FAILURE or PROTOCOL_VIOLATION.
func (c *Client) Submit(ctx context.Context, endpoint string, identity quiz.Identity, currentURL string, answer json.RawMessage) (quiz.SubmissionOutcome, error) {
	payload := c.BuildPayload(identity, currentURL, answer)
	body, err := json.Marshal(payload)
	if err != nil {
		return quiz.SubmissionOutcome{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode submission")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return quiz.SubmissionOutcome{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build submission request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.log.Info("submitting answer",
		zap.String("endpoint", endpoint),
		zap.String("url", currentURL),
		zap.Object("identity", identity),
		zap.ByteString("answer", truncate(payload.Answer, 200)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return quiz.SubmissionOutcome{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "submission request failed",
			xerrors.WithMetadata("endpoint", endpoint))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return quiz.SubmissionOutcome{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "read submission reply")
	}

	outcome, err := Interpret(raw, endpoint)
	if err != nil {
		return quiz.SubmissionOutcome{}, xerrors.Wrap(xerrors.CodeProtocolViolation, err,
			fmt.Sprintf("submission reply (status %d) is not well-formed", resp.StatusCode),
			xerrors.WithMetadata("endpoint", endpoint))
	}

	c.log.Info("submission answered",
		zap.Int("status", resp.StatusCode),
		zap.Bool("correct", outcome.Correct),
		zap.String("next_url", outcome.NextURL),
		zap.String("reason", outcome.Reason),
	)
	return outcome, nil
}

// Interpret turns a reply body into an outcome. The next location is
// carried forward when the answer was correct or whenever the server
// supplies one. A relative next location is resolved against the endpoint.
func Interpret(body []byte, endpoint string) (quiz.SubmissionOutcome, error) {
	var r reply
	if err := json.Unmarshal(body, &r); err != nil {
		return quiz.SubmissionOutcome{}, fmt.Errorf("decode reply: %w", err)
	}
	if r.Correct == nil {
		return quiz.SubmissionOutcome{}, fmt.Errorf("reply has no boolean correct field")
	}
	out := quiz.SubmissionOutcome{Correct: *r.Correct}
	if r.Reason != nil {
		out.Reason = *r.Reason
	}
	if r.URL != nil {
		next := strings.TrimSpace(*r.URL)
		if next != "" {
			out.NextURL = resolve(next, endpoint)
		}
	}
	return out, nil
}

func resolve(next, endpoint string) string {
	ref, err := url.Parse(next)
	if err != nil || ref.IsAbs() {
		return next
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return next
	}
	return base.ResolveReference(ref).String()
}

func quoted(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
