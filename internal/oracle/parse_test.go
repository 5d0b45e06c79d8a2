package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/quiz"
)

func TestParseLayers(t *testing.T) {
	cases := []struct {
		name   string
		reply  string
		kind   quiz.ActionKind
		code   string
		answer string
		layer  Layer
	}{
		{
			name:   "strict submit",
			reply:  `{"action":"submit","answer":42}`,
			kind:   quiz.ActionSubmit,
			answer: `42`,
			layer:  LayerStrict,
		},
		{
			name:  "strict code",
			reply: `{"action":"code","code":"print(2)"}`,
			kind:  quiz.ActionCompute,
			code:  "print(2)",
			layer: LayerStrict,
		},
		{
			name:   "legacy payload answer",
			reply:  `{"action":"submit","payload":{"email":"x","answer":"abc"}}`,
			kind:   quiz.ActionSubmit,
			answer: `"abc"`,
			layer:  LayerStrict,
		},
		{
			name:   "object embedded in prose",
			reply:  "Sure! Here is my decision: {\"action\": \"submit\", \"answer\": {\"k\": \"}\"}} hope it helps",
			kind:   quiz.ActionSubmit,
			answer: `{"k": "}"}`,
			layer:  LayerEmbedded,
		},
		{
			name:   "json fence",
			reply:  "```json\n{\"action\":\"submit\",\"answer\":true}\n```",
			kind:   quiz.ActionSubmit,
			answer: `true`,
			layer:  LayerEmbedded,
		},
		{
			name:  "bare python fence",
			reply: "```python\nprint(1+1)\n```",
			kind:  quiz.ActionCompute,
			code:  "print(1+1)",
			layer: LayerFence,
		},
		{
			name:   "submit without answer",
			reply:  `{"action":"submit"}`,
			kind:   quiz.ActionSubmit,
			answer: `""`,
			layer:  LayerStrict,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, layer, err := Parse(tc.reply)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, action.Kind)
			assert.Equal(t, tc.layer, layer)
			if tc.kind == quiz.ActionCompute {
				assert.Equal(t, tc.code, action.Code)
			} else {
				assert.JSONEq(t, tc.answer, string(action.Answer))
			}
		})
	}
}

func TestParseFailures(t *testing.T) {
	for _, reply := range []string{
		"",
		"I think the answer is probably 12.",
		`{"thought":"no action here"}`,
		`{"action":"code","code":""}`,
		`{"action":"dance"}`,
	} {
		_, _, err := Parse(reply)
		require.Error(t, err, reply)
		assert.Equal(t, xerrors.CodeProtocolViolation, xerrors.CodeOf(err), reply)
	}
}
