// Package bias tracks reviewer behavior across sessions and flags models
// whose rankings systematically deviate from panel consensus.
package bias

import (
	"context"
	"sync"
)

// ReviewerStats is the persisted cross-session record for one reviewer model.
type ReviewerStats struct {
	Model string `json:"model"`
	// EWMADeviation is the exponentially weighted mean signed deviation from
	// panel consensus, in normalized score units.
	EWMADeviation float64 `json:"ewma_deviation"`
	Sessions      int     `json:"sessions"`
	SelfVotes     int     `json:"self_votes"`
	// TopFirstPicks counts sessions where the reviewer's top choice was the
	// first presented candidate, used for positional-bias detection.
	TopFirstPicks int `json:"top_first_picks"`
}

// PairStats accumulates rank correlation between two reviewer models.
type PairStats struct {
	Sessions int     `json:"sessions"`
	RhoSum   float64 `json:"rho_sum"`
}

// MeanRho returns the mean Spearman correlation over recorded sessions.
func (p PairStats) MeanRho() float64 {
	if p.Sessions == 0 {
		return 0
	}
	return p.RhoSum / float64(p.Sessions)
}

// Store persists reviewer statistics between sessions.
type Store interface {
	// Update applies fn to the reviewer's record atomically and persists
	// the result.
	Update(ctx context.Context, model string, fn func(*ReviewerStats)) (ReviewerStats, error)
	Get(ctx context.Context, model string) (ReviewerStats, bool, error)
	// AddPair folds one session's Spearman rho into the pair record. The
	// pair key is order-independent.
	AddPair(ctx context.Context, modelA, modelB string, rho float64) (PairStats, error)
	GetPair(ctx context.Context, modelA, modelB string) (PairStats, bool, error)
}

// MemoryStore is the in-process Store used by the CLI and by tests.
type MemoryStore struct {
	mu        sync.RWMutex
	reviewers map[string]ReviewerStats
	pairs     map[string]PairStats
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reviewers: make(map[string]ReviewerStats),
		pairs:     make(map[string]PairStats),
	}
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, model string, fn func(*ReviewerStats)) (ReviewerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.reviewers[model]
	stats.Model = model
	fn(&stats)
	s.reviewers[model] = stats
	return stats, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, model string) (ReviewerStats, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.reviewers[model]
	return stats, ok, nil
}

// AddPair implements Store.
func (s *MemoryStore) AddPair(_ context.Context, modelA, modelB string, rho float64) (PairStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(modelA, modelB)
	p := s.pairs[key]
	p.Sessions++
	p.RhoSum += rho
	s.pairs[key] = p
	return p, nil
}

// GetPair implements Store.
func (s *MemoryStore) GetPair(_ context.Context, modelA, modelB string) (PairStats, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[pairKey(modelA, modelB)]
	return p, ok, nil
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
