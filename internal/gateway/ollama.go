package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dev.helix.council/internal/models"
)

// OllamaBackend runs completions against a local Ollama daemon. Used in
// offline mode; results carry a degradation notice because local hardware
// and quantization are not verified.
type OllamaBackend struct {
	baseURL string
	client  *http.Client
}

// NewOllamaBackend creates a local-inference backend.
func NewOllamaBackend(baseURL string) *OllamaBackend {
	return &OllamaBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Complete implements Backend.
func (b *OllamaBackend) Complete(ctx context.Context, model, prompt string, opts Options) (*CompletionResult, error) {
	start := time.Now()

	payload := ollamaRequest{
		Model:  localModelName(model),
		Prompt: prompt,
		Stream: false,
	}
	if opts.JSONMode {
		payload.Format = "json"
	}
	if opts.Temperature > 0 || opts.MaxTokens > 0 {
		payload.Options = map[string]any{}
		if opts.Temperature > 0 {
			payload.Options["temperature"] = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			payload.Options["num_predict"] = opts.MaxTokens
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &CallError{Category: FailureInvalid, Model: model, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Category: FailureInvalid, Model: model, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		category := FailureNetwork
		if ctx.Err() == context.DeadlineExceeded {
			category = FailureTimeout
		}
		return nil, &CallError{Category: category, Model: model, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &CallError{
			Category: categoryForStatus(resp.StatusCode),
			Model:    model,
			Err:      fmt.Errorf("ollama returned %d", resp.StatusCode),
		}
	}

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &CallError{Category: FailureInvalid, Model: model, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != "" {
		return nil, &CallError{Category: FailureServer, Model: model, Err: fmt.Errorf("%s", parsed.Error)}
	}

	return &CompletionResult{
		Model:   model,
		Content: parsed.Response,
		Usage: models.TokenUsage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
		Latency:     time.Since(start),
		Degradation: []string{"local model: hardware profile not verified"},
	}, nil
}

// CompleteStream implements Backend. Ollama's line-delimited streaming is
// not wired; the gateway synthesizes a single-chunk stream instead.
func (b *OllamaBackend) CompleteStream(context.Context, string, string, Options) (<-chan Chunk, error) {
	return nil, errNoStreaming
}

// localModelName strips the registry's "ollama/" namespace prefix.
func localModelName(model string) string {
	return strings.TrimPrefix(model, "ollama/")
}
