package coach

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/tasks"
)

// GenAIModel completes prompts with Google's Gemini API.
type GenAIModel struct {
	client *genai.Client
	model  string
}

// NewGenAIModel creates the Gemini-backed chat model.
func NewGenAIModel(apiKey, model string) (*GenAIModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIModel{client: client, model: model}, nil
}

// Complete generates one answer. Rate limits and server-side failures
// are wrapped queue-retryable.
func (m *GenAIModel) Complete(ctx context.Context, system, prompt string) (string, error) {
	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	resp, err := m.client.Models.GenerateContent(ctx, m.model, genai.Text(prompt), cfg)
	if err != nil {
		if transientModelError(err) {
			return "", tasks.Retryable(fmt.Errorf("GenAI completion: %w", err))
		}
		return "", fmt.Errorf("GenAI completion: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// Name returns the model identifier.
func (m *GenAIModel) Name() string {
	return fmt.Sprintf("genai:%s", m.model)
}

func transientModelError(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	// Transport-level failures carry no status at all.
	return true
}
