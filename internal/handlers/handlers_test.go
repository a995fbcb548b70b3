package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.council/internal/bias"
	"dev.helix.council/internal/config"
	"dev.helix.council/internal/council"
	"dev.helix.council/internal/events"
	"dev.helix.council/internal/gateway"
	"dev.helix.council/internal/models"
	"dev.helix.council/internal/selector"
	"dev.helix.council/internal/transcript"
)

// catalogProvider serves a fixed four-model catalog.
type catalogProvider struct {
	descs []*models.ModelDescriptor
}

func (p *catalogProvider) Describe(_ context.Context, id string) (*models.ModelDescriptor, bool) {
	for _, d := range p.descs {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

func (p *catalogProvider) List(_ context.Context) []*models.ModelDescriptor {
	return p.descs
}

func testCatalog(n int) *catalogProvider {
	names := []string{"alpha", "beta", "delta", "gamma"}
	p := &catalogProvider{}
	for _, name := range names[:n] {
		p.descs = append(p.descs, &models.ModelDescriptor{
			ID:           name + "/model",
			Provider:     name,
			Tier:         models.TierStandard,
			QualityScore: 0.8,
			Available:    true,
		})
	}
	return p
}

var reviewLabelRe = regexp.MustCompile(`(Response [A-Z]):`)

// stubGateway answers every prompt kind with a fixed, well-formed reply.
type stubGateway struct{}

func (stubGateway) Complete(_ context.Context, model, prompt string, _ gateway.Options) (*gateway.CompletionResult, error) {
	var content string
	switch {
	case strings.Contains(prompt, "expert review panel"):
		var labels []string
		seen := map[string]bool{}
		for _, m := range reviewLabelRe.FindAllStringSubmatch(prompt, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				labels = append(labels, fmt.Sprintf("%q", m[1]))
			}
		}
		content = "```json\n" + fmt.Sprintf(`{"ranking": [%s]}`, strings.Join(labels, ", ")) + "\n```"
	case strings.Contains(prompt, "chairman of an expert council"):
		content = "Synthesized by the chairman."
	case strings.Contains(prompt, "Write a title"):
		content = "A Title"
	default:
		content = "generated by " + model
	}
	return &gateway.CompletionResult{Model: model, Content: content}, nil
}

func (g stubGateway) CompleteStream(ctx context.Context, model, prompt string, opts gateway.Options) (<-chan gateway.Chunk, error) {
	res, _ := g.Complete(ctx, model, prompt, opts)
	ch := make(chan gateway.Chunk, 2)
	ch <- gateway.Chunk{Content: res.Content}
	ch <- gateway.Chunk{Final: true}
	close(ch)
	return ch, nil
}

func testServer(t *testing.T, panelModels int) (*Server, *gin.Engine) {
	return testServerBuffered(t, panelModels, 1024)
}

func testServerBuffered(t *testing.T, panelModels, bufferSize int) (*Server, *gin.Engine) {
	t.Helper()
	cfg := &config.Config{
		Council: config.CouncilConfig{
			Mode:             models.ModeConsensus,
			VerdictType:      models.VerdictFreeForm,
			Tier:             models.TierStandard,
			PanelSize:        4,
			ChairmanModel:    "alpha/model",
			RankingMethod:    models.MethodBorda,
			ExcludeSelfVotes: true,
			SessionDeadline:  30 * time.Second,
		},
	}
	provider := testCatalog(panelModels)
	sel := selector.New(provider, config.SelectorConfig{})
	bus := events.NewBus(events.BusConfig{BufferSize: bufferSize})
	t.Cleanup(bus.Close)
	store, err := transcript.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	auditor := bias.NewAuditor(bias.NewMemoryStore(), bias.DefaultConfig(), nil)
	c := council.New(cfg.Council, stubGateway{}, sel, bus, store, auditor, nil)

	srv := NewServer(c, bus, store, cfg, nil)
	return srv, srv.Router()
}

func post(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/council/deliberate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	_, r := testServer(t, 4)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "version")
}

func TestDeliberateRejectsMissingPrompt(t *testing.T) {
	_, r := testServer(t, 4)
	w := post(r, `{"mode": "consensus"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeliberateReturnsResult(t *testing.T) {
	_, r := testServer(t, 4)
	w := post(r, `{"prompt": "why is the sky blue"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res models.DeliberationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "Synthesized by the chairman.", res.Synthesis)
	assert.Empty(t, res.FailureReason)
	assert.NotEmpty(t, res.QueryID)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestDeliberateBindsQueryIDSnapshotAndDeadline(t *testing.T) {
	_, r := testServer(t, 4)
	w := post(r, `{"prompt": "trace me", "query_id": "q-custom", "snapshot_id": "snap-1", "deadline_ms": 30000}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res models.DeliberationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "q-custom", res.QueryID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/council/transcripts/q-custom", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var rec transcript.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.NotNil(t, rec.Request)
	assert.Equal(t, "snap-1", rec.Request.SnapshotID)
	assert.False(t, rec.Request.Deadline.IsZero())
	assert.WithinDuration(t, time.Now().Add(30*time.Second), rec.Request.Deadline, 10*time.Second)
}

func TestDeliberateNotifiesPerRequestWebhook(t *testing.T) {
	type delivery struct {
		sig  string
		body []byte
	}
	var mu sync.Mutex
	var got []delivery
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, delivery{r.Header.Get("X-Council-Signature"), b})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	_, r := testServer(t, 4)
	body := fmt.Sprintf(`{"prompt": "notify me", "webhook": {"url": %q, "secret": "s3cret", "events": ["council.completed"]}}`, hook.URL)
	w := post(r, body)
	require.Equal(t, http.StatusOK, w.Code)

	var res models.DeliberationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	d := got[0]
	mu.Unlock()
	assert.Equal(t, events.Sign("s3cret", d.body), d.sig)

	var ev events.LayerEvent
	require.NoError(t, json.Unmarshal(d.body, &ev))
	assert.Equal(t, events.CouncilCompleted, ev.Type)
	assert.Equal(t, res.QueryID, ev.QueryID)
}

func TestDeliberateSurfacesProtocolFailureAs503(t *testing.T) {
	_, r := testServer(t, 1) // panel cannot be filled
	w := post(r, `{"prompt": "anyone home"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var res models.DeliberationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "insufficient-panel", res.FailureReason)
}

func TestDeliberateStreamsSSE(t *testing.T) {
	_, r := testServer(t, 4)
	w := post(r, `{"prompt": "stream it", "stream": true}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	body := w.Body.String()
	assert.Contains(t, body, "event: council.started")
	assert.Contains(t, body, "event: council.completed")
	assert.Contains(t, body, "event: result")
}

func TestDeliberateSSEFinishesWithTinyBuffer(t *testing.T) {
	// With a one-event buffer most events drop, possibly including the
	// terminal one. The stream must still end with the result message
	// rather than blocking on an open empty channel.
	_, r := testServerBuffered(t, 4, 1)
	w := post(r, `{"prompt": "squeeze me", "stream": true}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: result")
}

func TestTranscriptRoundTrip(t *testing.T) {
	_, r := testServer(t, 4)
	w := post(r, `{"prompt": "keep a record"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res models.DeliberationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/council/transcripts/"+res.QueryID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var rec transcript.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.True(t, rec.Sealed)
	assert.Equal(t, res.QueryID, rec.Request.ID)
}

func TestTranscriptUnknownQueryIs404(t *testing.T) {
	_, r := testServer(t, 4)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/council/transcripts/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
