// Package gemini adapts Google's Gemini API to the llm.Client contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/llm"
)

const defaultModel = "gemini-2.0-flash"

// Config holds the Gemini connection settings.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// generator is the slice of the genai SDK the client uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client calls Gemini through the genai SDK.
type Client struct {
	models      generator
	model       string
	temperature float32
}

// NewClient creates a Gemini client for the Gemini Developer API backend.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return newWithGenerator(client.Models, cfg), nil
}

func newWithGenerator(models generator, cfg Config) *Client {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.2
	}
	return &Client{models: models, model: model, temperature: temperature}
}

// Generate sends the conversation and returns the first candidate's text.
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}
	if len(contents) == 0 {
		return nil, errors.New("gemini request has no messages")
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.temperature),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, classify(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, xerrors.New(xerrors.CodeProtocolViolation, "gemini returned an empty response")
	}
	return &llm.Response{Text: text, Model: c.model}, nil
}

func classify(err error) error {
	code := apiErrorCode(err)
	switch {
	case code == http.StatusTooManyRequests:
		return llm.RateLimited("gemini", err)
	case strings.Contains(strings.ToUpper(err.Error()), "RESOURCE_EXHAUSTED"):
		return llm.RateLimited("gemini", err)
	case code >= http.StatusInternalServerError:
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "gemini server error")
	case code == 0 && !errors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "gemini request failed")
	}
	return fmt.Errorf("gemini generate failed: %w", err)
}

func apiErrorCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}
