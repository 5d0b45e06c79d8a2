// Package quiz holds the value types that flow through one run of the quiz
// chain: the identity a run acts for, the rendered page, the oracle's action,
// execution feedback, submission outcomes and the run's own state.
package quiz

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Identity is the capability a run acts with. The credential is opaque and
// must never be logged or shown to the oracle.
type Identity struct {
	PrincipalID string
	credential  string
}

// NewIdentity builds an immutable identity.
func NewIdentity(principalID, credential string) Identity {
	return Identity{PrincipalID: principalID, credential: credential}
}

// Credential returns the raw credential for the submission wire body only.
func (i Identity) Credential() string { return i.credential }

// String never prints the credential.
func (i Identity) String() string {
	return fmt.Sprintf("Identity{principal=%s credential=[redacted]}", i.PrincipalID)
}

// GoString keeps %#v from leaking the unexported field.
func (i Identity) GoString() string { return i.String() }

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (i Identity) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("principal_id", i.PrincipalID)
	enc.AddString("credential", "[redacted]")
	return nil
}

// MarshalJSON keeps identities out of serialized state.
func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"principal_id": i.PrincipalID})
}

// QuizStep is the content of one rendered page. DiscoveredEndpoint, once
// set, is an absolute http(s) URL.
type QuizStep struct {
	URL                string
	RenderedText       string
	RenderedMarkup     string
	ScriptText         string
	DiscoveredEndpoint string
}

// ActionKind tags an Action.
type ActionKind string

const (
	ActionCompute ActionKind = "code"
	ActionSubmit  ActionKind = "submit"
)

// Action is the single decision taken per oracle round: either Compute
// (Code is set) or Submit (Answer is set).
type Action struct {
	Kind   ActionKind
	Code   string
	Answer json.RawMessage
}

// Compute builds a Compute action.
func Compute(code string) Action { return Action{Kind: ActionCompute, Code: code} }

// Submit builds a Submit action. A nil answer is encoded as the empty string.
func Submit(answer json.RawMessage) Action {
	if len(answer) == 0 {
		answer = json.RawMessage(`""`)
	}
	return Action{Kind: ActionSubmit, Answer: answer}
}

// ExecutionResult is the captured outcome of running one snippet.
type ExecutionResult struct {
	Stdout     string
	Stderr     string
	Failed     bool
	KillReason string
}

// ErrorMarker prefixes the rendering of a failed execution.
const ErrorMarker = "Execution Error"

// Text renders the result as conversation feedback.
func (r ExecutionResult) Text() string {
	if r.Failed {
		var b strings.Builder
		b.WriteString(ErrorMarker + ":\n")
		if r.KillReason != "" {
			b.WriteString(r.KillReason)
			b.WriteString("\n")
		}
		if s := strings.TrimSpace(r.Stderr); s != "" {
			b.WriteString(s)
			b.WriteString("\n")
		}
		if s := strings.TrimSpace(r.Stdout); s != "" {
			b.WriteString("Partial output:\n")
			b.WriteString(s)
		}
		return strings.TrimRight(b.String(), "\n")
	}
	if strings.TrimSpace(r.Stderr) != "" {
		return fmt.Sprintf("Output:\n%s\nErrors:\n%s", r.Stdout, r.Stderr)
	}
	if strings.TrimSpace(r.Stdout) == "" {
		return "Code executed successfully (no output)."
	}
	return r.Stdout
}

// SubmissionOutcome is the interpreted server reply. An empty NextURL means
// the step is terminal.
type SubmissionOutcome struct {
	Correct bool   `json:"correct"`
	NextURL string `json:"next_url,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Terminal reports whether the outcome carries no next location.
func (o SubmissionOutcome) Terminal() bool { return o.NextURL == "" }

// RunState is owned by the run loop and only changes at step boundaries.
type RunState struct {
	CurrentURL  string
	PreviousURL string
	StepCount   int
}

// Advance records the result of a finished step and reports whether the
// loop may continue. It stops on an empty next URL or when no forward
// progress was made.
func (s *RunState) Advance(next string) (cont bool, stalled bool) {
	s.StepCount++
	s.PreviousURL = s.CurrentURL
	if next != "" && next == s.CurrentURL {
		return false, true
	}
	s.CurrentURL = next
	return next != "", false
}
