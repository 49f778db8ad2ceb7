package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GenerateRequest carries one LLM call
type GenerateRequest struct {
	Prompt string
	Model  string
	APIKey string
}

// LLMProvider is the capability interface AI nodes call
type LLMProvider interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider calls the Gemini generateContent REST API
type GeminiProvider struct {
	baseURL string
	client  *http.Client
}

func NewGeminiProvider() *GeminiProvider {
	return &GeminiProvider{
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Generate sends the prompt to Gemini and returns the first candidate text
func (p *GeminiProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if req.APIKey == "" {
		return "", fmt.Errorf("missing LLM API key")
	}
	model := req.Model
	if model == "" {
		model = defaultGeminiModel
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, req.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("LLM request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("LLM returned status %d", resp.StatusCode)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("LLM returned no candidates")
	}

	return parsed.Candidates[0].Content.Parts[0].Text, nil
}
