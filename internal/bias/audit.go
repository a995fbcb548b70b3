package bias

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"
)

// Config tunes the auditor's detection thresholds.
type Config struct {
	// EWMAAlpha is the smoothing factor for the cross-session deviation.
	EWMAAlpha float64
	// DeviationThreshold flags a reviewer whose |EWMA deviation| exceeds it.
	DeviationThreshold float64
	// MinSessions is the minimum history before deviation flags fire.
	MinSessions int
	// CoBiasRho flags reviewer pairs whose mean Spearman correlation
	// exceeds it over at least CoBiasSessions shared sessions.
	CoBiasRho      float64
	CoBiasSessions int
	// PositionalShare flags a reviewer whose top pick lands on the first
	// presented candidate in more than this share of sessions.
	PositionalShare float64
	// DownWeight is the aggregation weight multiplier applied to reviewers
	// this auditor flags.
	DownWeight float64
}

// DefaultConfig returns the default audit thresholds.
func DefaultConfig() Config {
	return Config{
		EWMAAlpha:          0.3,
		DeviationThreshold: 0.25,
		MinSessions:        3,
		CoBiasRho:          0.9,
		CoBiasSessions:     5,
		PositionalShare:    0.8,
		DownWeight:         0.5,
	}
}

// FindingKind names a class of detected bias.
type FindingKind string

const (
	FindingDeviation  FindingKind = "systematic-deviation"
	FindingSelfVote   FindingKind = "self-preference"
	FindingCoBias     FindingKind = "co-bias"
	FindingPositional FindingKind = "positional-bias"
)

// Finding is one detected bias pattern.
type Finding struct {
	Kind   FindingKind `json:"kind"`
	Models []string    `json:"models"`
	Value  float64     `json:"value"`
}

// ReviewerSample is one reviewer's behavior in a single session.
type ReviewerSample struct {
	Model string
	// Deviation is the mean signed gap between the reviewer's scores and
	// the session consensus, in normalized score units.
	Deviation float64
	// SelfVote reports that the reviewer attempted to rank its own response.
	SelfVote bool
	// TopFirst reports that the reviewer's rank-1 pick was the first
	// candidate in its shuffled presentation order.
	TopFirst bool
	// RankBySlot maps candidate slots to the rank this reviewer awarded,
	// used for pairwise correlation.
	RankBySlot map[int]int
}

// Auditor folds session samples into the store and answers flag queries.
type Auditor struct {
	store  Store
	config Config
	logger *logrus.Logger
}

// NewAuditor creates an auditor over the given store.
func NewAuditor(store Store, config Config, logger *logrus.Logger) *Auditor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Auditor{store: store, config: config, logger: logger}
}

// DownWeight returns the aggregation weight multiplier for flagged
// reviewers.
func (a *Auditor) DownWeight() float64 {
	if a.config.DownWeight <= 0 {
		return DefaultConfig().DownWeight
	}
	return a.config.DownWeight
}

// Observe records one session's reviewer behavior. Store errors are logged
// and swallowed: auditing never fails a deliberation.
func (a *Auditor) Observe(ctx context.Context, samples []ReviewerSample) {
	for _, s := range samples {
		_, err := a.store.Update(ctx, s.Model, func(stats *ReviewerStats) {
			if stats.Sessions == 0 {
				stats.EWMADeviation = s.Deviation
			} else {
				alpha := a.config.EWMAAlpha
				stats.EWMADeviation = alpha*s.Deviation + (1-alpha)*stats.EWMADeviation
			}
			stats.Sessions++
			if s.SelfVote {
				stats.SelfVotes++
			}
			if s.TopFirst {
				stats.TopFirstPicks++
			}
		})
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"model": s.Model,
				"error": err.Error(),
			}).Warn("Bias store update failed")
		}
	}

	for i := 0; i < len(samples); i++ {
		for j := i + 1; j < len(samples); j++ {
			rho, ok := spearman(samples[i].RankBySlot, samples[j].RankBySlot)
			if !ok {
				continue
			}
			if _, err := a.store.AddPair(ctx, samples[i].Model, samples[j].Model, rho); err != nil {
				a.logger.WithFields(logrus.Fields{
					"models": []string{samples[i].Model, samples[j].Model},
					"error":  err.Error(),
				}).Warn("Bias pair update failed")
			}
		}
	}
}

// Flagged returns the reviewer models that aggregation should down-weight:
// those with enough history and an EWMA deviation beyond the threshold.
func (a *Auditor) Flagged(ctx context.Context, reviewerModels []string) map[string]bool {
	out := make(map[string]bool)
	for _, model := range reviewerModels {
		stats, ok, err := a.store.Get(ctx, model)
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"model": model,
				"error": err.Error(),
			}).Warn("Bias store read failed")
			continue
		}
		if ok && stats.Sessions >= a.config.MinSessions &&
			math.Abs(stats.EWMADeviation) > a.config.DeviationThreshold {
			out[model] = true
		}
	}
	return out
}

// Findings reports every detected bias pattern for the given reviewers.
func (a *Auditor) Findings(ctx context.Context, reviewerModels []string) []Finding {
	var out []Finding
	for _, model := range reviewerModels {
		stats, ok, err := a.store.Get(ctx, model)
		if err != nil || !ok {
			continue
		}
		if stats.Sessions >= a.config.MinSessions &&
			math.Abs(stats.EWMADeviation) > a.config.DeviationThreshold {
			out = append(out, Finding{Kind: FindingDeviation, Models: []string{model}, Value: stats.EWMADeviation})
		}
		if stats.SelfVotes > 0 {
			out = append(out, Finding{Kind: FindingSelfVote, Models: []string{model}, Value: float64(stats.SelfVotes)})
		}
		if stats.Sessions >= a.config.MinSessions {
			share := float64(stats.TopFirstPicks) / float64(stats.Sessions)
			if share > a.config.PositionalShare {
				out = append(out, Finding{Kind: FindingPositional, Models: []string{model}, Value: share})
			}
		}
	}

	for i := 0; i < len(reviewerModels); i++ {
		for j := i + 1; j < len(reviewerModels); j++ {
			p, ok, err := a.store.GetPair(ctx, reviewerModels[i], reviewerModels[j])
			if err != nil || !ok {
				continue
			}
			if p.Sessions >= a.config.CoBiasSessions && p.MeanRho() > a.config.CoBiasRho {
				out = append(out, Finding{
					Kind:   FindingCoBias,
					Models: []string{reviewerModels[i], reviewerModels[j]},
					Value:  p.MeanRho(),
				})
			}
		}
	}
	return out
}

// spearman computes the Spearman rank correlation between two reviewers'
// rankings over their shared candidates. Requires at least 3 shared
// candidates; rankings within a session are permutations, so no tie
// correction is needed.
func spearman(a, b map[int]int) (float64, bool) {
	var shared []int
	for slot := range a {
		if _, ok := b[slot]; ok {
			shared = append(shared, slot)
		}
	}
	n := len(shared)
	if n < 3 {
		return 0, false
	}

	// Re-rank over the shared subset so both sides are dense 1..n.
	ra := denseRanks(a, shared)
	rb := denseRanks(b, shared)

	var d2 float64
	for _, slot := range shared {
		d := float64(ra[slot] - rb[slot])
		d2 += d * d
	}
	rho := 1 - 6*d2/float64(n*(n*n-1))
	return rho, true
}

func denseRanks(ranks map[int]int, shared []int) map[int]int {
	out := make(map[int]int, len(shared))
	for _, s := range shared {
		r := 1
		for _, other := range shared {
			if ranks[other] < ranks[s] {
				r++
			}
		}
		out[s] = r
	}
	return out
}
