package valuation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Generation settings for value estimates.
const (
	estimateTemperature = 0.3
	estimateMaxTokens   = 50
)

// ContentGenerator is the subset of *genai.Models used here.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAIEstimator estimates contribution value with a Gemini model.
type GenAIEstimator struct {
	models ContentGenerator
	model  string
}

// NewGenAIClient creates a Gemini API client from an API key.
func NewGenAIClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

// NewGenAIEstimator creates an estimator. Pass client.Models in production.
func NewGenAIEstimator(models ContentGenerator, model string) *GenAIEstimator {
	if model == "" {
		model = DefaultModel
	}
	return &GenAIEstimator{models: models, model: model}
}

// Estimate sends the prompt and returns the model's raw text answer.
func (e *GenAIEstimator) Estimate(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](estimateTemperature),
		MaxOutputTokens:   estimateMaxTokens,
		CandidateCount:    1,
	}

	resp, err := e.models.GenerateContent(ctx, e.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("GenAI estimate failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no candidates returned")
	}
	return strings.TrimSpace(resp.Text()), nil
}

var _ Estimator = (*GenAIEstimator)(nil)
