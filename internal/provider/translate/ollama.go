package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/parlay-labs/interp-core/internal/provider"
)

// OllamaTranslator drives a local LLM through the Ollama generate API with a
// constrained translation prompt.
type OllamaTranslator struct {
	provider.Counters
	endpoint    string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
}

func NewOllamaTranslator(endpoint, model string, maxTokens int, temperature float64) *OllamaTranslator {
	return &OllamaTranslator{
		endpoint:    endpoint,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		client:      http.DefaultClient,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (g *OllamaTranslator) Translate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", provider.ErrInvalidInput
	}
	g.RecordRequest()

	system := fmt.Sprintf(
		"You are a simultaneous interpreter. Translate the user's text from %s to %s. "+
			"Reply with the translation only, no commentary.",
		req.SourceLanguage.DisplayName(), req.TargetLanguage.DisplayName())
	if req.Preferences.FormalTone {
		system += " Use a formal register."
	}
	if req.Preferences.PreserveEmotion {
		system += " Preserve the emotional tone of the original."
	}

	payload := ollamaRequest{
		Model:  g.model,
		Prompt: req.Text,
		System: system,
		Stream: false,
		Options: ollamaOptions{
			Temperature: g.temperature,
			NumPredict:  g.maxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		g.RecordFailure()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		g.RecordFailure()
		return "", provider.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		g.RecordFailure()
		return "", provider.ErrAuthFailure
	case resp.StatusCode >= 300:
		g.RecordFailure()
		return "", fmt.Errorf("%w: status %s", provider.ErrUnavailable, resp.Status)
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		g.RecordFailure()
		return "", fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	return strings.TrimSpace(out.Response), nil
}

func (g *OllamaTranslator) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %s", provider.ErrUnavailable, resp.Status)
	}
	return nil
}

func (g *OllamaTranslator) Close() error { return nil }
