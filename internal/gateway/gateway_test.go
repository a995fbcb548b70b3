package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.council/internal/config"
	"dev.helix.council/internal/models"
)

// scriptedBackend returns canned outcomes in order, then repeats the last.
type scriptedBackend struct {
	outcomes []error
	content  string
	calls    int
	canned   func(model string) (<-chan Chunk, error)
}

func (b *scriptedBackend) Complete(_ context.Context, model, _ string, _ Options) (*CompletionResult, error) {
	idx := b.calls
	if idx >= len(b.outcomes) {
		idx = len(b.outcomes) - 1
	}
	b.calls++
	if err := b.outcomes[idx]; err != nil {
		return nil, err
	}
	content := b.content
	if content == "" {
		content = "ok"
	}
	return &CompletionResult{
		Model:   model,
		Content: content,
		Usage:   models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (b *scriptedBackend) CompleteStream(_ context.Context, model, _ string, _ Options) (<-chan Chunk, error) {
	if b.canned != nil {
		return b.canned(model)
	}
	return nil, errNoStreaming
}

func netErr() error {
	return &CallError{Category: FailureNetwork, Model: "m", Err: fmt.Errorf("connection reset")}
}

func authErr() error {
	return &CallError{Category: FailureAuth, Model: "m", Err: fmt.Errorf("bad key")}
}

func fastGateway(backend Backend) *ResilientGateway {
	gw := New(backend, config.GatewayConfig{
		MaxRetries:        2,
		PerCallTimeout:    time.Second,
		BreakerWindow:     time.Minute,
		BreakerWindowSize: 20,
		BreakerRatio:      0.5,
		BreakerMinSample:  5,
		BreakerCooldown:   time.Minute,
	}, nil)
	gw.retry.InitialDelay = time.Millisecond
	gw.retry.MaxDelay = 2 * time.Millisecond
	return gw
}

func TestGatewayRetriesTransientAndNotesRecovery(t *testing.T) {
	backend := &scriptedBackend{outcomes: []error{netErr(), netErr(), nil}}
	gw := fastGateway(backend)

	res, err := gw.Complete(context.Background(), "m", "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, backend.calls)
	require.Len(t, res.Degradation, 1)
	assert.Contains(t, res.Degradation[0], "recovered after 3 attempts")
}

func TestGatewayDoesNotRetryAuthFailure(t *testing.T) {
	backend := &scriptedBackend{outcomes: []error{authErr()}}
	gw := fastGateway(backend)

	_, err := gw.Complete(context.Background(), "m", "p", Options{})
	require.Error(t, err)
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, FailureAuth, Categorize(err))
}

func TestGatewayExhaustsRetriesAndReturnsLastError(t *testing.T) {
	backend := &scriptedBackend{outcomes: []error{netErr()}}
	gw := fastGateway(backend)

	_, err := gw.Complete(context.Background(), "m", "p", Options{})
	require.Error(t, err)
	assert.Equal(t, 3, backend.calls) // initial + 2 retries
}

func TestGatewayOpensCircuitAfterRepeatedFailures(t *testing.T) {
	backend := &scriptedBackend{outcomes: []error{authErr()}}
	gw := fastGateway(backend)

	for i := 0; i < 5; i++ {
		_, _ = gw.Complete(context.Background(), "m", "p", Options{})
	}
	assert.Equal(t, CircuitOpen, gw.Breakers().Get("m").State())

	calls := backend.calls
	_, err := gw.Complete(context.Background(), "m", "p", Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, calls, backend.calls, "open circuit must short the call")
}

func TestGatewayStreamFallsBackToSingleChunk(t *testing.T) {
	backend := &scriptedBackend{outcomes: []error{nil}, content: "hello world"}
	gw := fastGateway(backend)

	stream, err := gw.CompleteStream(context.Background(), "m", "p", Options{})
	require.NoError(t, err)

	var content string
	var finals int
	for chunk := range stream {
		content += chunk.Content
		if chunk.Final {
			finals++
		}
	}
	assert.Equal(t, "hello world", content)
	assert.Equal(t, 1, finals)
}

func TestGatewayStreamRelaysChunksAndTerminal(t *testing.T) {
	backend := &scriptedBackend{
		canned: func(string) (<-chan Chunk, error) {
			ch := make(chan Chunk, 4)
			ch <- Chunk{Content: "a"}
			ch <- Chunk{Content: "b"}
			ch <- Chunk{Final: true}
			close(ch)
			return ch, nil
		},
	}
	gw := fastGateway(backend)

	stream, err := gw.CompleteStream(context.Background(), "m", "p", Options{})
	require.NoError(t, err)

	var content string
	sawFinal := false
	for chunk := range stream {
		content += chunk.Content
		sawFinal = sawFinal || chunk.Final
	}
	assert.Equal(t, "ab", content)
	assert.True(t, sawFinal)
}

func TestExecuteWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, attempts, err := executeWithRetry(ctx, DefaultRetryConfig(), func() (*CompletionResult, error) {
		calls++
		return nil, netErr()
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, attempts)
}

func TestCategorizeRetryability(t *testing.T) {
	assert.True(t, FailureNetwork.Retryable())
	assert.True(t, FailureServer.Retryable())
	assert.True(t, FailureRateLimit.Retryable())
	assert.False(t, FailureAuth.Retryable())
	assert.False(t, FailureContentPolicy.Retryable())
	assert.False(t, FailureTimeout.Retryable())
	assert.False(t, FailureInvalid.Retryable())
}
