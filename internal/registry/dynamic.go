package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.council/internal/config"
	"dev.helix.council/internal/models"
)

// DynamicProvider refreshes descriptors from a remote model index and keeps
// a TTL cache. Lookups are served from the cache (stale included); expiry
// only schedules a refresh off the hot path. A fetch failure is logged and
// the static fallback answers instead of erroring.
type DynamicProvider struct {
	client   *http.Client
	indexURL string
	ttl      time.Duration
	fallback *StaticProvider
	logger   *logrus.Logger

	mu        sync.RWMutex
	byID      map[string]*models.ModelDescriptor
	fetchedAt time.Time

	refreshing atomic.Bool
}

// NewDynamicProvider creates a dynamic provider over a static fallback.
func NewDynamicProvider(cfg config.RegistryConfig, fallback *StaticProvider, logger *logrus.Logger) *DynamicProvider {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ttl := cfg.IndexTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DynamicProvider{
		client:   &http.Client{Timeout: 15 * time.Second},
		indexURL: cfg.IndexURL,
		ttl:      ttl,
		fallback: fallback,
		logger:   logger,
		byID:     make(map[string]*models.ModelDescriptor),
	}
}

// Describe implements Provider. Never blocks on a fetch.
func (p *DynamicProvider) Describe(ctx context.Context, modelID string) (*models.ModelDescriptor, bool) {
	p.maybeRefresh()

	p.mu.RLock()
	d, ok := p.byID[modelID]
	p.mu.RUnlock()
	if ok {
		return d, true
	}
	return p.fallback.Describe(ctx, modelID)
}

// List implements Provider. Dynamic descriptors override static ones by ID.
func (p *DynamicProvider) List(ctx context.Context) []*models.ModelDescriptor {
	p.maybeRefresh()

	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[string]bool, len(p.byID))
	out := make([]*models.ModelDescriptor, 0, len(p.byID))
	for _, d := range p.byID {
		out = append(out, d)
		seen[d.ID] = true
	}
	for _, d := range p.fallback.List(ctx) {
		if !seen[d.ID] {
			out = append(out, d)
		}
	}
	return out
}

// maybeRefresh kicks off a background fetch when the cache is past its TTL.
// At most one refresh runs at a time.
func (p *DynamicProvider) maybeRefresh() {
	p.mu.RLock()
	fresh := time.Since(p.fetchedAt) < p.ttl && len(p.byID) > 0
	p.mu.RUnlock()
	if fresh {
		return
	}
	if !p.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer p.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := p.refresh(ctx); err != nil {
			p.logger.WithError(err).WithField("index_url", p.indexURL).
				Warn("model index fetch failed, serving static metadata")
		}
	}()
}

// indexResponse is the wire shape of the remote model index.
type indexResponse struct {
	Models []*models.ModelDescriptor `json:"models"`
}

func (p *DynamicProvider) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.indexURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model index returned %d", resp.StatusCode)
	}

	var idx indexResponse
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return fmt.Errorf("decode model index: %w", err)
	}

	byID := make(map[string]*models.ModelDescriptor, len(idx.Models))
	for _, d := range idx.Models {
		if d.ID != "" {
			byID[d.ID] = d
		}
	}

	p.mu.Lock()
	p.byID = byID
	p.fetchedAt = time.Now()
	p.mu.Unlock()

	p.logger.WithField("models", len(byID)).Debug("model index refreshed")
	return nil
}
