// Package selector binds abstract panel slots to concrete model
// identifiers for a requested quality tier.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"dev.helix.council/internal/config"
	"dev.helix.council/internal/models"
	"dev.helix.council/internal/registry"
)

// ErrInsufficientPanel is returned when fewer than two viable candidates
// survive filtering.
var ErrInsufficientPanel = errors.New("insufficient panel: fewer than two viable candidates")

// Token budgets used for the per-call cost estimate during filtering.
const (
	estimateInputTokens  = 4000
	estimateOutputTokens = 1500
)

// Request describes one selection.
type Request struct {
	Tier          models.Tier
	Count         int
	Capabilities  []string
	BudgetCeiling float64 // USD per call; 0 = inherit config ceiling
}

// Selector scores and orders candidate models.
type Selector struct {
	registry registry.Provider
	cfg      config.SelectorConfig
}

// New creates a tier selector over a metadata provider.
func New(reg registry.Provider, cfg config.SelectorConfig) *Selector {
	if cfg.QualityWeight == 0 && cfg.CostWeight == 0 && cfg.DiversityWeight == 0 {
		cfg.QualityWeight, cfg.CostWeight, cfg.DiversityWeight = 0.6, 0.3, 0.1
	}
	return &Selector{registry: reg, cfg: cfg}
}

type scored struct {
	desc  *models.ModelDescriptor
	score float64
	cost  float64
}

// Select returns up to req.Count descriptors ordered by selection score.
// When fewer than req.Count survive filtering all survivors are returned;
// the caller decides whether a reduced panel is acceptable. Fewer than two
// survivors is ErrInsufficientPanel.
func (s *Selector) Select(ctx context.Context, req Request) ([]*models.ModelDescriptor, error) {
	if req.Count < 2 {
		return nil, fmt.Errorf("panel requires at least 2 slots, requested %d", req.Count)
	}

	ceiling := req.BudgetCeiling
	if ceiling == 0 {
		ceiling = s.cfg.BudgetCeiling
	}

	wantRank := models.TierRank(req.Tier)
	var pool []scored
	maxCost := 0.0
	for _, d := range s.registry.List(ctx) {
		if !d.Available || models.TierRank(d.Tier) < wantRank {
			continue
		}
		if !hasAll(d, req.Capabilities) {
			continue
		}
		cost := d.CostPerCall(estimateInputTokens, estimateOutputTokens)
		if ceiling > 0 && cost > ceiling {
			continue
		}
		if cost > maxCost {
			maxCost = cost
		}
		pool = append(pool, scored{desc: d, cost: cost})
	}

	if len(pool) < 2 {
		return nil, ErrInsufficientPanel
	}

	// Greedy pick: the diversity bonus depends on providers already picked,
	// so candidates are re-scored each round.
	picked := make([]*models.ModelDescriptor, 0, req.Count)
	providerCount := make(map[string]int)
	for len(picked) < req.Count && len(pool) > 0 {
		for i := range pool {
			pool[i].score = s.score(pool[i], maxCost, providerCount)
		}
		sort.SliceStable(pool, func(i, j int) bool {
			if pool[i].score != pool[j].score {
				return pool[i].score > pool[j].score
			}
			if pool[i].cost != pool[j].cost {
				return pool[i].cost < pool[j].cost
			}
			return pool[i].desc.ID < pool[j].desc.ID
		})
		best := pool[0]
		pool = pool[1:]
		picked = append(picked, best.desc)
		providerCount[best.desc.Provider]++
	}

	return picked, nil
}

// score applies w_q·quality − w_c·normalizedCost + w_d·diversityBonus.
// Additional picks from an already-picked provider family lose the bonus.
func (s *Selector) score(c scored, maxCost float64, providerCount map[string]int) float64 {
	normCost := 0.0
	if maxCost > 0 {
		normCost = c.cost / maxCost
	}
	diversity := 1.0
	if providerCount[c.desc.Provider] > 0 {
		diversity = -float64(providerCount[c.desc.Provider])
	}
	return s.cfg.QualityWeight*c.desc.QualityScore -
		s.cfg.CostWeight*normCost +
		s.cfg.DiversityWeight*diversity
}

func hasAll(d *models.ModelDescriptor, caps []string) bool {
	for _, c := range caps {
		if !d.HasCapability(c) {
			return false
		}
	}
	return true
}
