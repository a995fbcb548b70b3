package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dev.helix.council/internal/models"
)

// OpenRouterBackend speaks the chat-completions wire protocol of an
// OpenRouter-style model router.
type OpenRouterBackend struct {
	apiKey string
	url    string
	client *http.Client
}

// NewOpenRouterBackend creates a remote-router backend.
func NewOpenRouterBackend(apiKey, url string) *OpenRouterBackend {
	return &OpenRouterBackend{
		apiKey: apiKey,
		url:    url,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Complete implements Backend.
func (b *OpenRouterBackend) Complete(ctx context.Context, model, prompt string, opts Options) (*CompletionResult, error) {
	start := time.Now()
	resp, err := b.do(ctx, model, prompt, opts, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.statusError(model, resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &CallError{Category: FailureInvalid, Model: model, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, b.apiError(model, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, &CallError{Category: FailureInvalid, Model: model, Err: fmt.Errorf("empty choices")}
	}

	return &CompletionResult{
		Model:   model,
		Content: parsed.Choices[0].Message.Content,
		Usage: models.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// CompleteStream implements Backend over server-sent events.
func (b *OpenRouterBackend) CompleteStream(ctx context.Context, model, prompt string, opts Options) (<-chan Chunk, error) {
	resp, err := b.do(ctx, model, prompt, opts, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, b.statusError(model, resp)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				out <- Chunk{Final: true}
				return
			}
			var parsed chatResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				continue
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			if c := parsed.Choices[0].Delta.Content; c != "" {
				out <- Chunk{Content: c}
			}
			if parsed.Choices[0].FinishReason != "" {
				out <- Chunk{Final: true}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- Chunk{Err: &CallError{Category: FailureNetwork, Model: model, Err: err}, Final: true}
			return
		}
		out <- Chunk{Final: true}
	}()
	return out, nil
}

func (b *OpenRouterBackend) do(ctx context.Context, model, prompt string, opts Options, stream bool) (*http.Response, error) {
	payload := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
	if opts.JSONMode {
		payload.ResponseFormat = map[string]any{"type": "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &CallError{Category: FailureInvalid, Model: model, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Category: FailureInvalid, Model: model, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		category := FailureNetwork
		if ctx.Err() == context.DeadlineExceeded {
			category = FailureTimeout
		}
		return nil, &CallError{Category: category, Model: model, Err: err}
	}
	return resp, nil
}

func (b *OpenRouterBackend) statusError(model string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &CallError{
		Category: categoryForStatus(resp.StatusCode),
		Model:    model,
		Err:      fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
	}
}

func (b *OpenRouterBackend) apiError(model, message string) error {
	category := FailureServer
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "content policy"), strings.Contains(lower, "moderation"):
		category = FailureContentPolicy
	case strings.Contains(lower, "auth"), strings.Contains(lower, "api key"):
		category = FailureAuth
	case strings.Contains(lower, "rate limit"):
		category = FailureRateLimit
	}
	return &CallError{Category: category, Model: model, Err: fmt.Errorf("%s", message)}
}
