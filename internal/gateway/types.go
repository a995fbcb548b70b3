package gateway

import (
	"context"
	"time"

	"dev.helix.council/internal/models"
)

// Options tune a single completion call.
type Options struct {
	Deadline    time.Time
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

// CompletionResult is the outcome of one completion call.
type CompletionResult struct {
	Model       string
	Content     string
	Usage       models.TokenUsage
	Latency     time.Duration
	Degradation []string // ordered quality caveats attached by the gateway
}

// Chunk is one unit of a streamed completion. Final marks the terminal
// chunk; every stream carries at least one chunk and exactly one terminal.
type Chunk struct {
	Content string
	Final   bool
	Err     error
}

// Backend is a raw completion capability over one transport (remote router,
// local inference). Backends do not retry or break circuits; the resilient
// gateway layers that on.
type Backend interface {
	Complete(ctx context.Context, model, prompt string, opts Options) (*CompletionResult, error)
	// CompleteStream may return errNoStreaming; the gateway then falls back
	// to Complete and synthesizes a single-chunk stream.
	CompleteStream(ctx context.Context, model, prompt string, opts Options) (<-chan Chunk, error)
}

// Gateway is the uniform completion capability the orchestrator consumes.
type Gateway interface {
	Complete(ctx context.Context, model, prompt string, opts Options) (*CompletionResult, error)
	CompleteStream(ctx context.Context, model, prompt string, opts Options) (<-chan Chunk, error)
}
