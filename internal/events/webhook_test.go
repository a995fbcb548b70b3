package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignMatchesHMACSHA256(t *testing.T) {
	body := []byte(`{"type":"council.completed"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, Sign("s3cret", body))
}

func TestWebhookDeliverySignsBody(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Council-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(
		WebhookConfig{URL: srv.URL, Secret: "s3cret"},
		DefaultWebhookDispatcherConfig(), nil)

	ev := &LayerEvent{Type: CouncilCompleted, QueryID: "q", Seq: 7, Timestamp: time.Now()}
	require.NoError(t, d.Deliver(context.Background(), ev))
	assert.Equal(t, Sign("s3cret", gotBody), gotSig)
}

func TestWebhookRetriesTransientFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(
		WebhookConfig{URL: srv.URL, Secret: "s"},
		WebhookDispatcherConfig{
			MaxAttempts:  5,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Timeout:      time.Second,
		}, nil)

	err := d.Deliver(context.Background(), &LayerEvent{Type: CouncilCompleted, QueryID: "q"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(
		WebhookConfig{URL: srv.URL, Secret: "s"},
		WebhookDispatcherConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Timeout:      time.Second,
		}, nil)

	err := d.Deliver(context.Background(), &LayerEvent{Type: CouncilFailed, QueryID: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestWebhookWantsFiltersEventKinds(t *testing.T) {
	d := NewWebhookDispatcher(
		WebhookConfig{URL: "http://example.invalid", Events: []EventType{CouncilCompleted}},
		DefaultWebhookDispatcherConfig(), nil)

	assert.True(t, d.Wants(CouncilCompleted))
	assert.False(t, d.Wants(Stage3Token))

	all := NewWebhookDispatcher(WebhookConfig{URL: "http://example.invalid"},
		DefaultWebhookDispatcherConfig(), nil)
	assert.True(t, all.Wants(Stage3Token))
}
