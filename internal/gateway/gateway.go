// Package gateway provides a uniform, resilient completion capability over
// heterogeneous LLM backends (remote router, local inference).
//
// Every call passes through a per-attempt deadline, a retry policy limited
// to idempotent failure categories, and a per-model rolling-window circuit
// breaker. Quality caveats are attached to results as ordered degradation
// notices rather than errors.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.council/internal/config"
	"dev.helix.council/internal/metrics"
)

// errNoStreaming is returned by backends that cannot stream; the resilient
// gateway falls back to a synthesized single-chunk stream.
var errNoStreaming = fmt.Errorf("backend does not support streaming")

// ResilientGateway wraps a Backend with timeout, retry and circuit
// breaking. It is safe for concurrent use.
type ResilientGateway struct {
	backend  Backend
	breakers *BreakerSet
	retry    RetryConfig
	ceiling  time.Duration // per-call deadline ceiling
	logger   *logrus.Logger
}

// New builds a resilient gateway from configuration.
func New(backend Backend, cfg config.GatewayConfig, logger *logrus.Logger) *ResilientGateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	retry := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	breaker := BreakerConfig{
		Window:       cfg.BreakerWindow,
		WindowSize:   cfg.BreakerWindowSize,
		FailureRatio: cfg.BreakerRatio,
		MinSample:    cfg.BreakerMinSample,
		Cooldown:     cfg.BreakerCooldown,
	}
	if breaker.WindowSize <= 0 {
		breaker = DefaultBreakerConfig()
	}
	ceiling := cfg.PerCallTimeout
	if ceiling <= 0 {
		ceiling = 120 * time.Second
	}
	return &ResilientGateway{
		backend:  backend,
		breakers: NewBreakerSet(breaker),
		retry:    retry,
		ceiling:  ceiling,
		logger:   logger,
	}
}

// Breakers exposes the per-model breaker set for health surfaces.
func (g *ResilientGateway) Breakers() *BreakerSet { return g.breakers }

// Complete runs one completion with the full resilience layer.
func (g *ResilientGateway) Complete(ctx context.Context, model, prompt string, opts Options) (*CompletionResult, error) {
	cb := g.breakers.Get(model)
	if !cb.Allow() {
		metrics.GatewayCallsTotal.WithLabelValues(model, "circuit_open").Inc()
		return nil, &CallError{Category: FailureServer, Model: model, Err: ErrCircuitOpen}
	}

	res, attempts, err := executeWithRetry(ctx, g.retry, func() (*CompletionResult, error) {
		attemptCtx, cancel := g.attemptContext(ctx, opts)
		defer cancel()
		return g.backend.Complete(attemptCtx, model, prompt, opts)
	})
	if attempts > 1 {
		metrics.GatewayRetriesTotal.WithLabelValues(model).Add(float64(attempts - 1))
	}

	cb.Record(err == nil)
	metrics.BreakerState.WithLabelValues(model).Set(metrics.BreakerStateValue(string(cb.State())))

	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues(model, "error").Inc()
		g.logger.WithFields(logrus.Fields{
			"model":    model,
			"attempts": attempts,
			"category": Categorize(err),
		}).Warn("gateway completion failed")
		return nil, err
	}

	metrics.GatewayCallsTotal.WithLabelValues(model, "ok").Inc()
	if attempts > 1 {
		res.Degradation = append(res.Degradation,
			fmt.Sprintf("recovered after %d attempts", attempts))
	}
	return res, nil
}

// CompleteStream runs a streaming completion. The contract guarantees at
// least one chunk and a terminal marker: when the backend cannot stream,
// the result of a regular completion is emitted as a single-chunk stream.
func (g *ResilientGateway) CompleteStream(ctx context.Context, model, prompt string, opts Options) (<-chan Chunk, error) {
	cb := g.breakers.Get(model)
	if !cb.Allow() {
		metrics.GatewayCallsTotal.WithLabelValues(model, "circuit_open").Inc()
		return nil, &CallError{Category: FailureServer, Model: model, Err: ErrCircuitOpen}
	}

	streamCtx, cancel := g.attemptContext(ctx, opts)
	upstream, err := g.backend.CompleteStream(streamCtx, model, prompt, opts)
	if err == errNoStreaming {
		cancel()
		res, cerr := g.Complete(ctx, model, prompt, opts)
		if cerr != nil {
			return nil, cerr
		}
		return singleChunkStream(res.Content), nil
	}
	if err != nil {
		cancel()
		cb.Record(false)
		metrics.GatewayCallsTotal.WithLabelValues(model, "error").Inc()
		return nil, err
	}

	out := make(chan Chunk, 8)
	go func() {
		defer cancel()
		defer close(out)
		sawContent := false
		for chunk := range upstream {
			if chunk.Err != nil {
				cb.Record(false)
				out <- chunk
				return
			}
			if chunk.Content != "" {
				sawContent = true
			}
			out <- chunk
			if chunk.Final {
				cb.Record(sawContent)
				metrics.GatewayCallsTotal.WithLabelValues(model, "ok").Inc()
				return
			}
		}
		// Upstream closed without a terminal marker; synthesize one.
		cb.Record(sawContent)
		out <- Chunk{Final: true}
	}()
	return out, nil
}

// attemptContext derives the per-attempt deadline: the earlier of the
// caller's option deadline and the configured per-call ceiling.
func (g *ResilientGateway) attemptContext(ctx context.Context, opts Options) (context.Context, context.CancelFunc) {
	deadline := time.Now().Add(g.ceiling)
	if !opts.Deadline.IsZero() && opts.Deadline.Before(deadline) {
		deadline = opts.Deadline
	}
	return context.WithDeadline(ctx, deadline)
}

func singleChunkStream(content string) <-chan Chunk {
	ch := make(chan Chunk, 2)
	ch <- Chunk{Content: content}
	ch <- Chunk{Final: true}
	close(ch)
	return ch
}
