package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// GeminiEngine generates text with the Gemini API.
type GeminiEngine struct {
	client *genai.Client
	model  string
}

// NewGeminiEngine creates a Gemini-backed engine.
func NewGeminiEngine(ctx context.Context, apiKey, model string) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiEngine{client: client, model: model}, nil
}

// Generate implements Engine.
func (e *GeminiEngine) Generate(ctx context.Context, req Request) (string, error) {
	prompt, err := Render(req)
	if err != nil {
		return "", err
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Settings.Temperature)),
		TopP:        genai.Ptr(float32(req.Settings.TopP)),
	}
	if req.Settings.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Settings.MaxOutputTokens)
	}

	resp, err := e.client.Models.GenerateContent(ctx, e.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", classifyGemini(err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", Errorf(KindRejected, "model %s returned no text", e.model)
	}
	return text, nil
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusBadRequest, apiErr.Code == http.StatusForbidden, apiErr.Code == http.StatusNotFound:
			return Errorf(KindRejected, "gemini: %w", err)
		case apiErr.Code == http.StatusRequestTimeout, apiErr.Code == http.StatusGatewayTimeout:
			return Errorf(KindTimeout, "gemini: %w", err)
		}
		return Errorf(KindTransport, "gemini: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Errorf(KindTimeout, "gemini: %w", err)
	}
	return Errorf(KindTransport, "gemini: %w", err)
}
