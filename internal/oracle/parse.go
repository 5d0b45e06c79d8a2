package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/quiz"
)

// Layer names the parse strategy that produced an action.
type Layer string

const (
	LayerStrict   Layer = "strict"
	LayerEmbedded Layer = "embedded"
	LayerFence    Layer = "fence"
)

// fenceRegex matches a fenced block; \x60 stands in for the backtick.
var fenceRegex = regexp.MustCompile("(?s)\x60\x60\x60([a-zA-Z0-9_+-]*)[ \\t]*\\r?\\n?(.*?)\x60\x60\x60")

// Parse extracts exactly one action from a free-text oracle reply. It tries
// a strict parse of the whole reply, then the first balanced object carrying
// action keys, then a fenced code block. A reply that satisfies none is a
// PROTOCOL_VIOLATION.
func Parse(reply string) (quiz.Action, Layer, error) {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return quiz.Action{}, "", xerrors.New(xerrors.CodeProtocolViolation, "oracle reply is empty")
	}

	if obj, ok := decodeObject(trimmed); ok {
		if action, err := toAction(obj); err == nil {
			return action, LayerStrict, nil
		}
	}

	for _, candidate := range balancedObjects(trimmed) {
		obj, ok := decodeObject(candidate)
		if !ok || !hasActionKeys(obj) {
			continue
		}
		if action, err := toAction(obj); err == nil {
			return action, LayerEmbedded, nil
		}
	}

	for _, m := range fenceRegex.FindAllStringSubmatch(trimmed, -1) {
		lang := strings.ToLower(m[1])
		body := strings.TrimSpace(m[2])
		if body == "" || lang == "json" {
			continue
		}
		return quiz.Compute(body), LayerFence, nil
	}

	return quiz.Action{}, "", xerrors.New(xerrors.CodeProtocolViolation,
		fmt.Sprintf("oracle reply carries no recognisable action: %s", truncate(trimmed, 200)))
}

func decodeObject(text string) (map[string]json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return obj, true
}

func hasActionKeys(obj map[string]json.RawMessage) bool {
	for _, key := range []string{"action", "code", "answer"} {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}

func toAction(obj map[string]json.RawMessage) (quiz.Action, error) {
	var kind string
	if raw, ok := obj["action"]; ok {
		if err := json.Unmarshal(raw, &kind); err != nil {
			return quiz.Action{}, fmt.Errorf("action is not a string")
		}
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "code", "compute":
		return computeFrom(obj)
	case "submit", "answer":
		return quiz.Submit(answerFrom(obj)), nil
	case "":
		if _, ok := obj["code"]; ok {
			return computeFrom(obj)
		}
		if _, ok := obj["answer"]; ok {
			return quiz.Submit(answerFrom(obj)), nil
		}
	}
	return quiz.Action{}, fmt.Errorf("unknown action %q", kind)
}

func computeFrom(obj map[string]json.RawMessage) (quiz.Action, error) {
	var code string
	if raw, ok := obj["code"]; ok {
		if err := json.Unmarshal(raw, &code); err != nil {
			return quiz.Action{}, fmt.Errorf("code is not a string")
		}
	}
	if strings.TrimSpace(code) == "" {
		return quiz.Action{}, fmt.Errorf("code action without code")
	}
	return quiz.Compute(code), nil
}

// answerFrom accepts {answer: X} and the older {payload: {answer: X}} form.
// A missing answer becomes the empty string.
func answerFrom(obj map[string]json.RawMessage) json.RawMessage {
	if raw, ok := obj["answer"]; ok && len(bytes.TrimSpace(raw)) > 0 {
		return raw
	}
	if raw, ok := obj["payload"]; ok {
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(raw, &payload); err == nil {
			if inner, ok := payload["answer"]; ok {
				return inner
			}
		}
	}
	return json.RawMessage(`""`)
}

// balancedObjects returns every top-level balanced {...} span in order,
// ignoring braces inside JSON strings.
func balancedObjects(text string) []string {
	var out []string
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		if end := matchBrace(text, start); end > start {
			out = append(out, text[start:end+1])
		}
	}
	return out
}

func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
