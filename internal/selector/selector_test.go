package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.council/internal/config"
	"dev.helix.council/internal/models"
)

type fakeRegistry struct {
	descs []*models.ModelDescriptor
}

func (f *fakeRegistry) Describe(_ context.Context, id string) (*models.ModelDescriptor, bool) {
	for _, d := range f.descs {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

func (f *fakeRegistry) List(_ context.Context) []*models.ModelDescriptor {
	return f.descs
}

func desc(id, provider string, tier models.Tier, quality, inCost float64) *models.ModelDescriptor {
	return &models.ModelDescriptor{
		ID:           id,
		Provider:     provider,
		Tier:         tier,
		QualityScore: quality,
		Pricing:      models.ModelPricing{InputCost: inCost, OutputCost: inCost * 3},
		Capabilities: []string{"streaming"},
		Available:    true,
	}
}

func defaultWeights() config.SelectorConfig {
	return config.SelectorConfig{QualityWeight: 0.6, CostWeight: 0.3, DiversityWeight: 0.1}
}

func TestSelectFiltersBelowRequestedTier(t *testing.T) {
	reg := &fakeRegistry{descs: []*models.ModelDescriptor{
		desc("a/frontier", "a", models.TierFrontier, 0.95, 10),
		desc("b/high", "b", models.TierHigh, 0.85, 3),
		desc("c/quick", "c", models.TierQuick, 0.5, 0.1),
	}}
	s := New(reg, defaultWeights())

	picked, err := s.Select(context.Background(), Request{Tier: models.TierHigh, Count: 3})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	for _, d := range picked {
		assert.GreaterOrEqual(t, models.TierRank(d.Tier), models.TierRank(models.TierHigh))
	}
}

func TestSelectInsufficientPanel(t *testing.T) {
	reg := &fakeRegistry{descs: []*models.ModelDescriptor{
		desc("only/one", "a", models.TierFrontier, 0.9, 5),
	}}
	s := New(reg, defaultWeights())

	_, err := s.Select(context.Background(), Request{Tier: models.TierStandard, Count: 4})
	assert.ErrorIs(t, err, ErrInsufficientPanel)
}

func TestSelectSkipsUnavailableModels(t *testing.T) {
	down := desc("a/down", "a", models.TierHigh, 0.99, 1)
	down.Available = false
	reg := &fakeRegistry{descs: []*models.ModelDescriptor{
		down,
		desc("b/up", "b", models.TierHigh, 0.8, 2),
		desc("c/up", "c", models.TierHigh, 0.8, 2),
	}}
	s := New(reg, defaultWeights())

	picked, err := s.Select(context.Background(), Request{Tier: models.TierHigh, Count: 3})
	require.NoError(t, err)
	for _, d := range picked {
		assert.NotEqual(t, "a/down", d.ID)
	}
}

func TestSelectHonorsCapabilityRequirement(t *testing.T) {
	withJSON := desc("a/json", "a", models.TierHigh, 0.8, 2)
	withJSON.Capabilities = append(withJSON.Capabilities, "json-mode")
	alsoJSON := desc("b/json", "b", models.TierHigh, 0.8, 2)
	alsoJSON.Capabilities = append(alsoJSON.Capabilities, "json-mode")
	reg := &fakeRegistry{descs: []*models.ModelDescriptor{
		withJSON,
		alsoJSON,
		desc("c/plain", "c", models.TierHigh, 0.95, 1),
	}}
	s := New(reg, defaultWeights())

	picked, err := s.Select(context.Background(),
		Request{Tier: models.TierHigh, Count: 3, Capabilities: []string{"json-mode"}})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	for _, d := range picked {
		assert.True(t, d.HasCapability("json-mode"))
	}
}

func TestSelectHonorsBudgetCeiling(t *testing.T) {
	reg := &fakeRegistry{descs: []*models.ModelDescriptor{
		desc("a/pricey", "a", models.TierFrontier, 0.99, 100),
		desc("b/fair", "b", models.TierFrontier, 0.9, 1),
		desc("c/fair", "c", models.TierFrontier, 0.9, 1),
	}}
	s := New(reg, defaultWeights())

	picked, err := s.Select(context.Background(),
		Request{Tier: models.TierFrontier, Count: 3, BudgetCeiling: 0.05})
	require.NoError(t, err)
	for _, d := range picked {
		assert.NotEqual(t, "a/pricey", d.ID)
	}
}

func TestSelectPrefersProviderDiversity(t *testing.T) {
	reg := &fakeRegistry{descs: []*models.ModelDescriptor{
		desc("a/one", "a", models.TierHigh, 0.90, 2),
		desc("a/two", "a", models.TierHigh, 0.89, 2),
		desc("a/three", "a", models.TierHigh, 0.88, 2),
		desc("b/one", "b", models.TierHigh, 0.80, 2),
		desc("c/one", "c", models.TierHigh, 0.80, 2),
	}}
	s := New(reg, defaultWeights())

	picked, err := s.Select(context.Background(), Request{Tier: models.TierHigh, Count: 3})
	require.NoError(t, err)
	require.Len(t, picked, 3)

	providers := make(map[string]int)
	for _, d := range picked {
		providers[d.Provider]++
	}
	assert.GreaterOrEqual(t, len(providers), 2, "panel should span provider families")
}

func TestSelectIsDeterministic(t *testing.T) {
	reg := &fakeRegistry{descs: []*models.ModelDescriptor{
		desc("a/x", "a", models.TierHigh, 0.8, 2),
		desc("b/x", "b", models.TierHigh, 0.8, 2),
		desc("c/x", "c", models.TierHigh, 0.8, 2),
	}}
	s := New(reg, defaultWeights())

	first, err := s.Select(context.Background(), Request{Tier: models.TierHigh, Count: 2})
	require.NoError(t, err)
	second, err := s.Select(context.Background(), Request{Tier: models.TierHigh, Count: 2})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
