package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeContract(t *testing.T) {
	cases := []struct {
		name   string
		result DeliberationResult
		want   int
	}{
		{"completed free-form", DeliberationResult{}, ExitPass},
		{"pass verdict", DeliberationResult{Verdict: VerdictPass}, ExitPass},
		{"fail verdict", DeliberationResult{Verdict: VerdictFail}, ExitFail},
		{"unclear verdict", DeliberationResult{Verdict: VerdictUnclear}, ExitUnclear},
		{"low confidence pass", DeliberationResult{Verdict: VerdictPass, LowConfidence: true}, ExitUnclear},
		{"insufficient panel", DeliberationResult{FailureReason: "insufficient-panel"}, ExitInsufficientPanel},
		{"too few survivors", DeliberationResult{FailureReason: "insufficient-stage1-survivors"}, ExitInsufficientPanel},
		{"too few reviewers", DeliberationResult{FailureReason: "insufficient-stage2-reviewers"}, ExitInsufficientPanel},
		{"cancelled", DeliberationResult{FailureReason: "cancelled"}, ExitSystemError},
		{"synthesis failed", DeliberationResult{FailureReason: "synthesis-failed"}, ExitSystemError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.result.ExitCode())
		})
	}
}

func TestTierRankOrdering(t *testing.T) {
	assert.Less(t, TierRank(TierQuick), TierRank(TierStandard))
	assert.Less(t, TierRank(TierStandard), TierRank(TierHigh))
	assert.Less(t, TierRank(TierHigh), TierRank(TierFrontier))
	assert.Equal(t, 0, TierRank(Tier("mythic")))
}

func TestReviewTextPrefersNormalized(t *testing.T) {
	r := StageOneResponse{Content: "original", Normalized: "flattened"}
	assert.Equal(t, "flattened", r.ReviewText())
	r.Normalized = ""
	assert.Equal(t, "original", r.ReviewText())
}

func TestCostPerCall(t *testing.T) {
	d := ModelDescriptor{Pricing: ModelPricing{InputCost: 3, OutputCost: 15}}
	// 1M input + 1M output tokens at list price.
	assert.InDelta(t, 18.0, d.CostPerCall(1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 0.0018, d.CostPerCall(100, 100), 1e-9)
}

func TestWinnerOfEmptyOrdering(t *testing.T) {
	agg := AggregateResult{}
	assert.Equal(t, -1, agg.Winner())
	agg.Ordering = []int{2, 0, 1}
	assert.Equal(t, 2, agg.Winner())
}

func TestHasCapability(t *testing.T) {
	d := ModelDescriptor{Capabilities: []string{"vision", "tools"}}
	assert.True(t, d.HasCapability("tools"))
	assert.False(t, d.HasCapability("audio"))
}
