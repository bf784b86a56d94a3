package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const transcribeInstruction = "Transcribe all legible text in this image exactly as written. " +
	"Output only the transcription. If there is no text, output nothing."

// ContentGenerator is the subset of *genai.Models used here.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAIExtractor transcribes images with a multimodal Gemini model.
type GenAIExtractor struct {
	models ContentGenerator
	model  string
}

// NewGenAIExtractor creates an extractor. Pass client.Models in production.
func NewGenAIExtractor(models ContentGenerator, model string) *GenAIExtractor {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GenAIExtractor{models: models, model: model}
}

// Extract sends the image inline and returns the transcription.
func (e *GenAIExtractor) Extract(ctx context.Context, image []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "image/png"
	}

	parts := []*genai.Part{
		genai.NewPartFromBytes(image, mimeType),
		genai.NewPartFromText(transcribeInstruction),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	}

	resp, err := e.models.GenerateContent(ctx, e.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("GenAI transcription failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no candidates returned")
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

var _ Extractor = (*GenAIExtractor)(nil)
