package gemini

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/llm"
)

type fakeModels struct {
	gotModel    string
	gotContents []*genai.Content
	gotConfig   *genai.GenerateContentConfig
	reply       string
	err         error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.gotModel, f.gotContents, f.gotConfig = model, contents, cfg
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: f.reply}}},
		}},
	}, nil
}

func TestGenerateMapsConversation(t *testing.T) {
	fake := &fakeModels{reply: `{"action":"submit","answer":"x"}`}
	client := newWithGenerator(fake, Config{})

	resp, err := client.Generate(context.Background(), llm.Request{
		System: "rules",
		JSON:   true,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "page"},
			{Role: llm.RoleAssistant, Content: `{"action":"code"}`},
			{Role: llm.RoleUser, Content: "Code Output:\n1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"submit","answer":"x"}`, resp.Text)
	assert.Equal(t, defaultModel, fake.gotModel)
	require.Len(t, fake.gotContents, 3)
	assert.Equal(t, genai.RoleModel, fake.gotContents[1].Role)
	require.NotNil(t, fake.gotConfig.SystemInstruction)
	assert.Equal(t, "application/json", fake.gotConfig.ResponseMIMEType)
}

func TestGenerateRateLimit(t *testing.T) {
	fake := &fakeModels{err: genai.APIError{Code: http.StatusTooManyRequests, Status: "RESOURCE_EXHAUSTED"}}
	client := newWithGenerator(fake, Config{})

	_, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.True(t, llm.IsRateLimited(err))
}

func TestGenerateEmptyReply(t *testing.T) {
	client := newWithGenerator(&fakeModels{reply: "  "}, Config{})

	_, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	assert.Equal(t, xerrors.CodeProtocolViolation, xerrors.CodeOf(err))
}

func TestGenerateTransportError(t *testing.T) {
	client := newWithGenerator(&fakeModels{err: errors.New("dial tcp: connection refused")}, Config{})

	_, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	assert.Equal(t, xerrors.CodeTransportFailure, xerrors.CodeOf(err))
}
