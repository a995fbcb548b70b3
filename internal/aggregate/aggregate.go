// Package aggregate converts a matrix of peer rankings into a final
// ordering and, when requested, a binary verdict.
//
// The primary method is a normalized Borda count with self-vote exclusion
// (on by default, switchable per run);
// Schulze (strongest paths) is selectable for larger panels. Aggregation is
// fully deterministic: identical inputs always produce identical orderings,
// including tie-breaks.
package aggregate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"dev.helix.council/internal/models"
)

// Config tunes one aggregation run.
type Config struct {
	Method        models.RankingMethod
	BiasThreshold float64 // |mean signed deviation| that triggers down-weighting
	DownWeight    float64 // weight multiplier for flagged reviewers
	// ExcludeSelfVotes drops each reviewer's entry for its own slot before
	// scoring. When off, a self-ranking counts like any other vote.
	ExcludeSelfVotes bool
	// FlaggedReviewers carries cross-session flags from the bias auditor;
	// these reviewers start down-weighted.
	FlaggedReviewers map[int]bool
}

// DefaultConfig returns the default aggregation policy.
func DefaultConfig() Config {
	return Config{
		Method:           models.MethodBorda,
		BiasThreshold:    0.25,
		DownWeight:       0.5,
		ExcludeSelfVotes: true,
	}
}

// Input is the material for one aggregation run.
type Input struct {
	Candidates  []int // panel slots under review
	Reviews     []models.PeerReview
	Abstentions []models.Abstention
	// Costs holds per-slot generation cost in USD, used by tie-break (2).
	Costs map[int]float64
	// Contents holds per-slot response text; its hash is tie-break (3).
	Contents map[int]string
	// BinaryVerdict requests the pass/fail tally.
	BinaryVerdict bool
}

// Aggregate runs the configured method plus bias correction, tie-breaking,
// verdict tally and confidence estimation.
func Aggregate(in Input, cfg Config) (*models.AggregateResult, error) {
	if len(in.Candidates) < 2 {
		return nil, fmt.Errorf("aggregation requires at least 2 candidates, got %d", len(in.Candidates))
	}
	if len(in.Reviews) == 0 {
		return nil, fmt.Errorf("aggregation requires at least 1 valid review")
	}
	if cfg.DownWeight == 0 {
		cfg = DefaultConfig()
	}

	weights := make(map[int]float64, len(in.Reviews))
	for _, r := range in.Reviews {
		w := 1.0
		if cfg.FlaggedReviewers[r.Reviewer] {
			w = cfg.DownWeight
		}
		weights[r.Reviewer] = w
	}

	scores := scoreMatrix(in, cfg.ExcludeSelfVotes)
	agg := weightedMeans(in.Candidates, scores, weights)

	// One bias-correction pass: reviewers whose rankings systematically
	// deviate from the pre-correction consensus are down-weighted once and
	// the means recomputed. The trigger is the mean absolute gap; the
	// signed mean of a full permutation washes out.
	corrected := false
	for _, r := range in.Reviews {
		if absDeviation(scores[r.Reviewer], agg) > cfg.BiasThreshold && weights[r.Reviewer] == 1.0 {
			weights[r.Reviewer] = cfg.DownWeight
			corrected = true
		}
	}
	if corrected {
		agg = weightedMeans(in.Candidates, scores, weights)
	}

	var (
		ordering []int
		tieBreak bool
	)
	switch cfg.Method {
	case models.MethodSchulze:
		ordering, tieBreak = schulzeOrdering(in, agg, cfg.ExcludeSelfVotes)
	default:
		ordering = make([]int, len(in.Candidates))
		copy(ordering, in.Candidates)
		tieBreak = sortOrdering(ordering, agg, in)
	}

	result := &models.AggregateResult{
		Ordering:       ordering,
		Scores:         agg,
		VoteCounts:     voteCounts(in, cfg.ExcludeSelfVotes),
		TieBreakUsed:   tieBreak,
		BiasCorrected:  corrected || len(cfg.FlaggedReviewers) > 0,
		Confidence:     confidence(ordering, scores),
		Method:         cfg.Method,
		Abstentions:    len(in.Abstentions),
		ValidReviewers: len(in.Reviews),
	}
	if result.Method == "" {
		result.Method = models.MethodBorda
	}

	if in.BinaryVerdict {
		result.Verdict, result.VerdictConf = binaryVerdict(in.Reviews)
	}
	return result, nil
}

// Deviations returns each reviewer's mean signed deviation from the
// unweighted consensus, in normalized score units. The bias auditor feeds
// these into its cross-session EWMA.
func Deviations(in Input) map[int]float64 {
	scores := scoreMatrix(in, true)
	weights := make(map[int]float64, len(in.Reviews))
	for _, r := range in.Reviews {
		weights[r.Reviewer] = 1.0
	}
	consensus := weightedMeans(in.Candidates, scores, weights)
	out := make(map[int]float64, len(in.Reviews))
	for reviewer, row := range scores {
		out[reviewer] = signedDeviation(row, consensus)
	}
	return out
}

// scoreMatrix computes the normalized Borda score each reviewer awards each
// candidate: first place 1.0, last place 0.0. With excludeSelf, self entries
// are dropped and the remaining ranks re-densified, so a ranking that
// slipped past the parser with a self vote still scores correctly.
func scoreMatrix(in Input, excludeSelf bool) map[int]map[int]float64 {
	out := make(map[int]map[int]float64, len(in.Reviews))
	for _, r := range in.Reviews {
		ranked := make([]models.RankedCandidate, 0, len(r.Ranking))
		for _, rc := range r.Ranking {
			if excludeSelf && rc.Slot == r.Reviewer {
				continue
			}
			ranked = append(ranked, rc)
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })

		row := make(map[int]float64, len(ranked))
		for i, rc := range ranked {
			row[rc.Slot] = bordaScore(i+1, len(ranked))
		}
		out[r.Reviewer] = row
	}
	return out
}

// bordaScore normalizes a 1-based rank over n ranked entries:
// s = (n - rank) / (n - 1); a lone entry scores 1.0.
func bordaScore(rank, n int) float64 {
	if n <= 1 {
		return 1.0
	}
	return float64(n-rank) / float64(n-1)
}

// weightedMeans aggregates per-reviewer scores into per-candidate means.
// A candidate unseen by a reviewer (the reviewer's own slot, or a sampled-
// out pairing) is an abstention for that pair, never a zero.
func weightedMeans(candidates []int, scores map[int]map[int]float64, weights map[int]float64) map[int]float64 {
	out := make(map[int]float64, len(candidates))
	for _, c := range candidates {
		sum, wsum := 0.0, 0.0
		for reviewer, row := range scores {
			s, ok := row[c]
			if !ok {
				continue
			}
			w := weights[reviewer]
			sum += w * s
			wsum += w
		}
		if wsum > 0 {
			out[c] = sum / wsum
		}
	}
	return out
}

// signedDeviation is the mean signed gap between one reviewer's awarded
// scores and the consensus, in Borda-scaled units. Reported to the bias
// auditor, where the sign distinguishes inflation from deflation.
func signedDeviation(row map[int]float64, consensus map[int]float64) float64 {
	if len(row) == 0 {
		return 0
	}
	sum := 0.0
	for c, s := range row {
		sum += s - consensus[c]
	}
	return sum / float64(len(row))
}

// absDeviation is the mean absolute gap, used as the down-weight trigger.
func absDeviation(row map[int]float64, consensus map[int]float64) float64 {
	if len(row) == 0 {
		return 0
	}
	sum := 0.0
	for c, s := range row {
		sum += math.Abs(s - consensus[c])
	}
	return sum / float64(len(row))
}

func voteCounts(in Input, excludeSelf bool) map[int]int {
	counts := make(map[int]int, len(in.Candidates))
	for _, c := range in.Candidates {
		counts[c] = 0
	}
	for _, r := range in.Reviews {
		for _, rc := range r.Ranking {
			if excludeSelf && rc.Slot == r.Reviewer {
				continue
			}
			counts[rc.Slot]++
		}
	}
	return counts
}

// sortOrdering sorts candidates by aggregate score descending, applying the
// deterministic tie-break chain: mean rubric accuracy, generation cost,
// content hash. Returns true when any tie-break was consulted.
func sortOrdering(ordering []int, agg map[int]float64, in Input) bool {
	accuracy := meanAccuracy(in)
	used := false
	sort.SliceStable(ordering, func(i, j int) bool {
		a, b := ordering[i], ordering[j]
		if !almostEqual(agg[a], agg[b]) {
			return agg[a] > agg[b]
		}
		used = true
		if aa, ab := accuracy[a], accuracy[b]; !almostEqual(aa, ab) {
			return aa > ab
		}
		if ca, cb := in.Costs[a], in.Costs[b]; !almostEqual(ca, cb) {
			return ca < cb
		}
		return contentHash(in.Contents[a]) < contentHash(in.Contents[b])
	})
	return used
}

// meanAccuracy averages the rubric accuracy dimension per candidate,
// falling back to the overall score when no reviewer scored accuracy.
func meanAccuracy(in Input) map[int]float64 {
	sums := make(map[int]float64)
	counts := make(map[int]int)
	overallSums := make(map[int]float64)
	overallCounts := make(map[int]int)
	for _, r := range in.Reviews {
		for slot, rs := range r.Rubric {
			if rs == nil || slot == r.Reviewer {
				continue
			}
			if rs.Accuracy != nil {
				sums[slot] += *rs.Accuracy
				counts[slot]++
			}
			if rs.Overall != nil {
				overallSums[slot] += *rs.Overall
				overallCounts[slot]++
			}
		}
	}
	out := make(map[int]float64, len(in.Candidates))
	for _, c := range in.Candidates {
		switch {
		case counts[c] > 0:
			out[c] = sums[c] / float64(counts[c])
		case overallCounts[c] > 0:
			out[c] = overallSums[c] / float64(overallCounts[c])
		}
	}
	return out
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// binaryVerdict tallies pass/fail votes. Pass and fail each require a
// strict majority of the cast votes; an even split or too many missing
// votes resolves to unclear, never a silently broken deadlock.
func binaryVerdict(reviews []models.PeerReview) (models.Verdict, float64) {
	pass, fail := 0, 0
	for _, r := range reviews {
		switch r.Vote {
		case models.VotePass:
			pass++
		case models.VoteFail:
			fail++
		}
	}
	cast := pass + fail
	if cast == 0 {
		return models.VerdictUnclear, 0
	}
	needed := cast/2 + 1
	margin := math.Abs(float64(pass-fail)) / float64(cast)
	switch {
	case pass >= needed:
		return models.VerdictPass, margin
	case fail >= needed:
		return models.VerdictFail, margin
	default:
		return models.VerdictUnclear, 0
	}
}

// confidence is 1 minus the normalized cross-reviewer variance of the top
// two candidates' Borda scores: strong reviewer agreement about the podium
// yields confidence near 1. Clamped to [0,1].
func confidence(ordering []int, scores map[int]map[int]float64) float64 {
	if len(ordering) < 2 {
		return 1
	}
	top := []int{ordering[0], ordering[1]}
	var samples []float64
	for _, row := range scores {
		for _, c := range top {
			if s, ok := row[c]; ok {
				samples = append(samples, s)
			}
		}
	}
	if len(samples) < 2 {
		return 0
	}
	mean := 0.0
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))
	variance := 0.0
	for _, s := range samples {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(samples))

	// Scores live in [0,1]; 0.25 is the maximum possible variance.
	conf := 1 - variance/0.25
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
