// Package council orchestrates the three-stage deliberation protocol:
// parallel generation, anonymized peer review and chairman synthesis.
package council

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dev.helix.council/internal/aggregate"
	"dev.helix.council/internal/bias"
	"dev.helix.council/internal/config"
	"dev.helix.council/internal/events"
	"dev.helix.council/internal/gateway"
	"dev.helix.council/internal/metrics"
	"dev.helix.council/internal/models"
	"dev.helix.council/internal/scoring"
	"dev.helix.council/internal/selector"
	"dev.helix.council/internal/transcript"
)

// State names a phase of the deliberation state machine.
type State string

const (
	StateIdle        State = "IDLE"
	StateSelecting   State = "SELECTING_PANEL"
	StateStage1      State = "STAGE1_RUNNING"
	StateNormalizing State = "NORMALIZING"
	StateStage2      State = "STAGE2_RUNNING"
	StateAggregating State = "AGGREGATING"
	StateStage3      State = "STAGE3_RUNNING"
	StateSealed      State = "SEALED"
	StateFailed      State = "FAILED"
)

// Failure reasons carried on DeliberationResult. The first three map to the
// insufficient-panel exit code.
const (
	ReasonInsufficientPanel     = "insufficient-panel"
	ReasonInsufficientSurvivors = "insufficient-stage1-survivors"
	ReasonInsufficientReviewers = "insufficient-stage2-reviewers"
	ReasonCancelled             = "cancelled"
	ReasonDeadline              = "deadline-exceeded"
	ReasonSynthesisFailed       = "synthesis-failed"
	ReasonInternal              = "internal-error"
)

// Stage deadline budgets as fractions of the session deadline.
const (
	stage1Budget = 0.60
	stage2Budget = 0.25
	stage3Budget = 0.15
)

// Council runs deliberations. Safe for concurrent use; each call to
// Deliberate is an isolated session.
type Council struct {
	cfg      config.CouncilConfig
	gateway  gateway.Gateway
	selector *selector.Selector
	bus      *events.Bus
	store    *transcript.Store
	auditor  *bias.Auditor
	logger   *logrus.Logger
}

// New assembles a council from its collaborators.
func New(cfg config.CouncilConfig, gw gateway.Gateway, sel *selector.Selector,
	bus *events.Bus, store *transcript.Store, auditor *bias.Auditor, logger *logrus.Logger) *Council {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Council{
		cfg:      cfg,
		gateway:  gw,
		selector: sel,
		bus:      bus,
		store:    store,
		auditor:  auditor,
		logger:   logger,
	}
}

// session is the mutable state of one deliberation.
type session struct {
	c      *Council
	query  *models.Query
	tr     *transcript.Session
	state  State
	result *models.DeliberationResult

	panel       []models.PanelSlot
	descriptors map[int]*models.ModelDescriptor
	chairman    string

	stage1      []models.StageOneResponse
	okSlots     []int
	reviews     []models.PeerReview
	abstentions []models.Abstention
	// reviewOrder records each reviewer's private shuffled presentation
	// order, consumed by the bias auditor.
	reviewOrder map[int][]int

	deadline time.Time
}

// Deliberate runs one query through the full protocol. The returned result
// is always non-nil; protocol failures are encoded in FailureReason and the
// exit-code mapping rather than the error value. The error is reserved for
// infrastructure faults such as an unwritable transcript root.
func (c *Council) Deliberate(ctx context.Context, query *models.Query) (*models.DeliberationResult, error) {
	if query.ID == "" {
		query.ID = uuid.NewString()
	}
	if query.SubmittedAt.IsZero() {
		query.SubmittedAt = time.Now()
	}
	c.applyDefaults(query)

	deadline := query.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(c.cfg.SessionDeadline)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	tr, err := c.store.Begin(query)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}

	s := &session{
		c:           c,
		query:       query,
		tr:          tr,
		state:       StateIdle,
		deadline:    deadline,
		descriptors: make(map[int]*models.ModelDescriptor),
		reviewOrder: make(map[int][]int),
		result: &models.DeliberationResult{
			QueryID:            query.ID,
			WinningSlot:        -1,
			Timings:            models.StageTimings{Started: time.Now()},
			TranscriptLocation: tr.Dir(),
		},
	}
	s.emit(events.CouncilStarted, "", nil, map[string]interface{}{
		"mode": string(query.Mode),
		"tier": string(query.Tier),
	})

	s.run(ctx)

	metrics.DeliberationsTotal.WithLabelValues(s.outcome()).Inc()
	return s.result, nil
}

func (c *Council) applyDefaults(q *models.Query) {
	if q.Mode == "" {
		q.Mode = c.cfg.Mode
	}
	if q.VerdictType == "" {
		q.VerdictType = c.cfg.VerdictType
	}
	if q.Mode == models.ModeBinaryVerdict && q.VerdictType == models.VerdictFreeForm {
		q.VerdictType = models.VerdictBinary
	}
	if q.Tier == "" {
		q.Tier = c.cfg.Tier
	}
	if c.cfg.ContextIsolation {
		q.ContextIsolation = true
	}
}

func (s *session) run(ctx context.Context) {
	if !s.live(ctx) || !s.selectPanel(ctx) {
		return
	}
	if !s.live(ctx) || !s.runStage1(ctx) {
		return
	}
	if s.c.cfg.StyleNormalization && s.c.cfg.NormalizerModel != "" {
		s.normalize(ctx)
	}
	if !s.live(ctx) || !s.runStage2(ctx) {
		return
	}
	agg, ok := s.aggregateReviews(ctx)
	if !ok {
		return
	}
	if !s.live(ctx) || !s.runStage3(ctx, agg) {
		return
	}
	s.seal(agg)
}

// live checks the session context between stages; a dead context fails the
// deliberation instead of letting a later stage discover it slot by slot.
func (s *session) live(ctx context.Context) bool {
	switch ctx.Err() {
	case nil:
		return true
	case context.Canceled:
		return s.fail(ctx, ReasonCancelled, ctx.Err())
	default:
		return s.fail(ctx, ReasonDeadline, ctx.Err())
	}
}

func (s *session) transition(next State) {
	s.c.logger.WithFields(logrus.Fields{
		"query_id": s.query.ID,
		"from":     string(s.state),
		"to":       string(next),
	}).Debug("Deliberation state change")
	s.state = next
}

// emit publishes one event on the bus and mirrors it into the transcript.
// Bus emission assigns the sequence number; the transcript records events
// in the same order.
func (s *session) emit(t events.EventType, stage string, slot *int, payload map[string]interface{}) {
	ev := &events.LayerEvent{
		Type:    t,
		QueryID: s.query.ID,
		Stage:   stage,
		Slot:    slot,
		Payload: payload,
	}
	s.c.bus.Emit(ev)
	if err := s.tr.AppendEvent(*ev); err != nil && !errors.Is(err, transcript.ErrSealed) {
		s.c.logger.WithFields(logrus.Fields{
			"query_id": s.query.ID,
			"error":    err.Error(),
		}).Warn("Transcript event append failed")
	}
}

func (s *session) fail(ctx context.Context, reason string, err error) bool {
	if ctx.Err() == context.Canceled {
		reason = ReasonCancelled
	}
	s.transition(StateFailed)
	s.result.FailureReason = reason
	fields := map[string]interface{}{"reason": reason}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.emit(events.CouncilFailed, "", nil, fields)
	if serr := s.tr.Seal(s.result); serr != nil {
		s.c.logger.WithField("query_id", s.query.ID).WithError(serr).Warn("Transcript seal failed")
	}
	return false
}

func (s *session) outcome() string {
	switch {
	case s.result.FailureReason != "":
		return "failed"
	case s.result.Verdict == models.VerdictFail:
		return "fail"
	case s.result.Verdict == models.VerdictUnclear:
		return "unclear"
	default:
		return "completed"
	}
}

func (s *session) selectPanel(ctx context.Context) bool {
	s.transition(StateSelecting)
	descs, err := s.c.selector.Select(ctx, selector.Request{
		Tier:         s.query.Tier,
		Count:        s.c.cfg.PanelSize,
		Capabilities: s.query.Capabilities,
	})
	if err != nil {
		return s.fail(ctx, ReasonInsufficientPanel, err)
	}

	for i, d := range descs {
		s.panel = append(s.panel, models.PanelSlot{Index: i, Model: d.ID, Role: models.RoleParticipant})
		s.descriptors[i] = d
	}
	s.chairman = s.c.cfg.ChairmanModel
	if s.chairman == "" {
		// The selector orders by score, so the first pick chairs.
		s.chairman = descs[0].ID
	}
	s.panel = append(s.panel, models.PanelSlot{Index: len(descs), Model: s.chairman, Role: models.RoleChairman})
	s.result.Panel = s.panel
	return true
}

// stageDeadline derives a stage's deadline from its share of the remaining
// session budget.
func (s *session) stageDeadline(fraction float64) time.Time {
	total := time.Until(s.deadline)
	if total <= 0 {
		return s.deadline
	}
	return time.Now().Add(time.Duration(float64(total) * fraction / remainingBudget(s.state)))
}

// remainingBudget returns the sum of budget fractions for the current stage
// and everything after it, so late-starting stages still get their share of
// whatever wall-clock time is left.
func remainingBudget(state State) float64 {
	switch state {
	case StateStage1, StateNormalizing:
		return stage1Budget + stage2Budget + stage3Budget
	case StateStage2, StateAggregating:
		return stage2Budget + stage3Budget
	default:
		return stage3Budget
	}
}

func (s *session) runStage1(ctx context.Context) bool {
	s.transition(StateStage1)
	start := time.Now()
	stageDL := s.stageDeadline(stage1Budget)
	prompt := generationPrompt(s.query)

	s.stage1 = make([]models.StageOneResponse, len(s.descriptors))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < len(s.descriptors); i++ {
		slot := i
		model := s.descriptors[slot].ID
		g.Go(func() error {
			s.emit(events.Stage1SlotStarted, "stage1", &slot, map[string]interface{}{"model": model})
			res, err := s.c.gateway.Complete(gctx, model, prompt, gateway.Options{
				Deadline:    stageDL,
				Temperature: 0.7,
			})
			resp := models.StageOneResponse{Slot: slot, Model: model}
			if err != nil {
				resp.Status = slotStatus(gctx, err)
				s.emit(events.Stage1SlotComplete, "stage1", &slot, map[string]interface{}{
					"status": string(resp.Status),
					"error":  err.Error(),
				})
			} else {
				resp.Status = models.SlotOK
				resp.Content = res.Content
				resp.Usage = res.Usage
				resp.Latency = res.Latency
				resp.Degradation = res.Degradation
				s.emit(events.Stage1SlotComplete, "stage1", &slot, map[string]interface{}{
					"status":  string(resp.Status),
					"latency": res.Latency.String(),
				})
				for _, note := range res.Degradation {
					s.emit(events.DegradationNotice, "stage1", &slot, map[string]interface{}{"notice": note})
				}
			}
			s.stage1[slot] = resp
			return nil
		})
	}
	g.Wait()

	for _, r := range s.stage1 {
		if r.Status == models.SlotOK {
			s.okSlots = append(s.okSlots, r.Slot)
		}
	}
	sort.Ints(s.okSlots)
	s.result.Stage1 = s.stage1
	s.result.Timings.Stage1Complete = time.Now()
	metrics.StageDuration.WithLabelValues("stage1").Observe(time.Since(start).Seconds())

	if err := s.tr.WriteStage1(s.stage1); err != nil {
		s.c.logger.WithField("query_id", s.query.ID).WithError(err).Warn("Stage1 transcript write failed")
	}
	s.emit(events.Stage1Complete, "stage1", nil, map[string]interface{}{
		"survivors": len(s.okSlots),
		"panel":     len(s.descriptors),
	})

	if len(s.okSlots) < 2 {
		return s.fail(ctx, ReasonInsufficientSurvivors,
			fmt.Errorf("%d of %d generations survived", len(s.okSlots), len(s.descriptors)))
	}
	if len(s.okSlots) < len(s.descriptors) {
		note := fmt.Sprintf("panel reduced to %d of %d members", len(s.okSlots), len(s.descriptors))
		s.result.Degradation = append(s.result.Degradation, note)
		s.emit(events.DegradationNotice, "stage1", nil, map[string]interface{}{"notice": note})
	}
	return true
}

func slotStatus(ctx context.Context, err error) models.SlotStatus {
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		return models.SlotCancelled
	case gateway.Categorize(err) == gateway.FailureTimeout || errors.Is(err, context.DeadlineExceeded):
		return models.SlotTimeout
	default:
		return models.SlotFailed
	}
}

// normalize runs the optional style pass: every surviving response is
// rewritten by a single normalizer model so authorship tells do not leak
// into review. A failed rewrite falls back to the original text.
func (s *session) normalize(ctx context.Context) {
	s.transition(StateNormalizing)
	stageDL := s.stageDeadline(stage1Budget)
	skipped := make([]bool, len(s.stage1))
	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range s.okSlots {
		slot := slot
		g.Go(func() error {
			res, err := s.c.gateway.Complete(gctx, s.c.cfg.NormalizerModel,
				normalizerPrompt(s.stage1[slot].Content),
				gateway.Options{Deadline: stageDL, Temperature: 0})
			if err != nil || res.Content == "" {
				skipped[slot] = true
				return nil
			}
			s.stage1[slot].Normalized = res.Content
			return nil
		})
	}
	g.Wait()

	for slot, skip := range skipped {
		if !skip {
			continue
		}
		slot := slot
		note := fmt.Sprintf("style normalization skipped for slot %d", slot)
		s.result.Degradation = append(s.result.Degradation, note)
		s.emit(events.DegradationNotice, "stage1.5", &slot, map[string]interface{}{"notice": note})
	}
}

func (s *session) runStage2(ctx context.Context) bool {
	s.transition(StateStage2)
	start := time.Now()
	stageDL := s.stageDeadline(stage2Budget)

	reviewers := s.pickReviewers()
	results := make([]struct {
		review     *models.PeerReview
		abstention *models.Abstention
	}, len(reviewers))

	// Presentation orders are deterministic per (query, reviewer), so they
	// are computed up front; the map is read-only once the fan-out starts.
	for _, reviewer := range reviewers {
		s.reviewOrder[reviewer] = s.shuffledOrder(reviewer)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, reviewer := range reviewers {
		i, reviewer := i, reviewer
		g.Go(func() error {
			s.emit(events.Stage2SlotStarted, "stage2", &reviewer, map[string]interface{}{
				"model": s.stage1[reviewer].Model,
			})

			order := s.reviewOrder[reviewer]
			labelToSlot := scoring.Labels(order)
			labels := make([]string, len(order))
			texts := make([]string, len(order))
			for j, slot := range order {
				labels[j] = fmt.Sprintf("Response %c", 'A'+j)
				texts[j] = s.stage1[slot].ReviewText()
			}

			res, err := s.c.gateway.Complete(gctx, s.stage1[reviewer].Model,
				reviewPrompt(s.query, labels, texts),
				gateway.Options{Deadline: stageDL, Temperature: 0.3})
			if err != nil {
				results[i].abstention = &models.Abstention{
					Reviewer: reviewer,
					Reason:   fmt.Sprintf("review call failed: %s", gateway.Categorize(err)),
				}
			} else {
				results[i].review, results[i].abstention = scoring.Parse(res.Content, reviewer, labelToSlot, s.c.cfg.ExcludeSelfVotes)
			}

			payload := map[string]interface{}{"valid": results[i].review != nil}
			if results[i].abstention != nil {
				payload["abstained"] = results[i].abstention.Reason
			}
			s.emit(events.Stage2SlotComplete, "stage2", &reviewer, payload)
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		if r.review != nil {
			s.reviews = append(s.reviews, *r.review)
		}
		if r.abstention != nil {
			s.abstentions = append(s.abstentions, *r.abstention)
			metrics.AbstentionsTotal.Inc()
		}
	}
	sort.Slice(s.reviews, func(i, j int) bool { return s.reviews[i].Reviewer < s.reviews[j].Reviewer })
	sort.Slice(s.abstentions, func(i, j int) bool { return s.abstentions[i].Reviewer < s.abstentions[j].Reviewer })

	s.result.Reviews = s.reviews
	s.result.Abstentions = s.abstentions
	s.result.Timings.Stage2Complete = time.Now()
	metrics.StageDuration.WithLabelValues("stage2").Observe(time.Since(start).Seconds())
	s.emit(events.Stage2Complete, "stage2", nil, map[string]interface{}{
		"valid":       len(s.reviews),
		"abstentions": len(s.abstentions),
	})

	if len(s.reviews) < 2 {
		return s.fail(ctx, ReasonInsufficientReviewers,
			fmt.Errorf("%d valid reviews from %d reviewers", len(s.reviews), len(reviewers)))
	}
	return true
}

// pickReviewers applies the reviewer cap with stratified sampling: picks
// rotate across provider families so no single family dominates review.
func (s *session) pickReviewers() []int {
	if s.c.cfg.MaxReviewers <= 0 || len(s.okSlots) <= s.c.cfg.MaxReviewers {
		return s.okSlots
	}

	byProvider := make(map[string][]int)
	var providers []string
	for _, slot := range s.okSlots {
		p := s.descriptors[slot].Provider
		if _, ok := byProvider[p]; !ok {
			providers = append(providers, p)
		}
		byProvider[p] = append(byProvider[p], slot)
	}
	sort.Strings(providers)

	var picked []int
	for len(picked) < s.c.cfg.MaxReviewers {
		advanced := false
		for _, p := range providers {
			if len(byProvider[p]) == 0 {
				continue
			}
			picked = append(picked, byProvider[p][0])
			byProvider[p] = byProvider[p][1:]
			advanced = true
			if len(picked) == s.c.cfg.MaxReviewers {
				break
			}
		}
		if !advanced {
			break
		}
	}
	sort.Ints(picked)
	return picked
}

// shuffledOrder returns the reviewer's private candidate presentation
// order. The shuffle is seeded from the query and reviewer identity, so a
// transcript replay reproduces the same anonymization.
func (s *session) shuffledOrder(reviewer int) []int {
	order := make([]int, len(s.okSlots))
	copy(order, s.okSlots)
	if !s.c.cfg.PositionRandomize {
		return order
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d", s.query.ID, reviewer)
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	return order
}

func (s *session) aggregateReviews(ctx context.Context) (*models.AggregateResult, bool) {
	s.transition(StateAggregating)

	in := aggregate.Input{
		Candidates:    s.okSlots,
		Reviews:       s.reviews,
		Abstentions:   s.abstentions,
		Costs:         make(map[int]float64, len(s.okSlots)),
		Contents:      make(map[int]string, len(s.okSlots)),
		BinaryVerdict: s.query.Mode == models.ModeBinaryVerdict || s.query.VerdictType == models.VerdictBinary,
	}
	for _, slot := range s.okSlots {
		r := s.stage1[slot]
		in.Costs[slot] = s.descriptors[slot].CostPerCall(r.Usage.PromptTokens, r.Usage.CompletionTokens)
		in.Contents[slot] = r.Content
	}

	method := models.MethodBorda
	if s.c.cfg.RankingMethod == models.MethodSchulze && len(s.okSlots) >= 5 {
		method = models.MethodSchulze
	}

	aggCfg := aggregate.DefaultConfig()
	aggCfg.Method = method
	aggCfg.ExcludeSelfVotes = s.c.cfg.ExcludeSelfVotes
	if s.c.auditor != nil {
		aggCfg.DownWeight = s.c.auditor.DownWeight()
	}
	aggCfg.FlaggedReviewers = s.flaggedSlots(ctx)

	agg, err := aggregate.Aggregate(in, aggCfg)
	if err != nil {
		_ = s.fail(ctx, ReasonInternal, err)
		return nil, false
	}

	s.observeBias(ctx, in)

	if err := s.tr.WriteStage2(transcript.Stage2Record{
		Reviews:     s.reviews,
		Abstentions: s.abstentions,
		Aggregate:   agg,
	}); err != nil {
		s.c.logger.WithField("query_id", s.query.ID).WithError(err).Warn("Stage2 transcript write failed")
	}
	return agg, true
}

// flaggedSlots translates the auditor's cross-session model flags into the
// current session's slot numbers.
func (s *session) flaggedSlots(ctx context.Context) map[int]bool {
	if s.c.auditor == nil {
		return nil
	}
	var reviewerModels []string
	for _, r := range s.reviews {
		reviewerModels = append(reviewerModels, s.stage1[r.Reviewer].Model)
	}
	flagged := s.c.auditor.Flagged(ctx, reviewerModels)
	if len(flagged) == 0 {
		return nil
	}
	out := make(map[int]bool)
	for _, r := range s.reviews {
		if flagged[s.stage1[r.Reviewer].Model] {
			out[r.Reviewer] = true
		}
	}
	return out
}

func (s *session) observeBias(ctx context.Context, in aggregate.Input) {
	if s.c.auditor == nil {
		return
	}
	deviations := aggregate.Deviations(in)
	samples := make([]bias.ReviewerSample, 0, len(s.reviews))
	for _, r := range s.reviews {
		rankBySlot := make(map[int]int, len(r.Ranking))
		for _, rc := range r.Ranking {
			rankBySlot[rc.Slot] = rc.Rank
		}
		sample := bias.ReviewerSample{
			Model:      s.stage1[r.Reviewer].Model,
			Deviation:  deviations[r.Reviewer],
			SelfVote:   r.SelfVoted,
			RankBySlot: rankBySlot,
		}
		if order := s.reviewOrder[r.Reviewer]; len(order) > 0 && len(r.Ranking) > 0 {
			first := order[0]
			if first == r.Reviewer && len(order) > 1 {
				first = order[1]
			}
			sample.TopFirst = r.Ranking[0].Slot == first
		}
		samples = append(samples, sample)
	}
	s.c.auditor.Observe(ctx, samples)
}

type rankedResponse struct {
	Rank  int
	Slot  int
	Score float64
	Text  string
}

// dissents collects the reviewers' dissent notes in reviewer order.
func (s *session) dissents() []string {
	var out []string
	for _, r := range s.reviews {
		if r.Dissent != "" {
			out = append(out, r.Dissent)
		}
	}
	return out
}

func (s *session) runStage3(ctx context.Context, agg *models.AggregateResult) bool {
	s.transition(StateStage3)
	start := time.Now()
	stageDL := s.stageDeadline(stage3Budget)

	ranked := make([]rankedResponse, 0, len(agg.Ordering))
	for i, slot := range agg.Ordering {
		ranked = append(ranked, rankedResponse{
			Rank:  i + 1,
			Slot:  slot,
			Score: agg.Scores[slot],
			Text:  s.stage1[slot].ReviewText(),
		})
	}

	s.emit(events.Stage3Started, "stage3", nil, map[string]interface{}{"chairman": s.chairman})
	stream, err := s.c.gateway.CompleteStream(ctx, s.chairman,
		chairmanPrompt(s.query, ranked, s.dissents(), agg),
		gateway.Options{Deadline: stageDL, Temperature: 0.5})
	if err != nil {
		return s.fail(ctx, ReasonSynthesisFailed, err)
	}

	var synthesis []byte
	for chunk := range stream {
		if chunk.Err != nil {
			return s.fail(ctx, ReasonSynthesisFailed, chunk.Err)
		}
		if chunk.Content != "" {
			synthesis = append(synthesis, chunk.Content...)
			s.emit(events.Stage3Token, "stage3", nil, map[string]interface{}{"text": chunk.Content})
		}
	}
	if len(synthesis) == 0 {
		return s.fail(ctx, ReasonSynthesisFailed, fmt.Errorf("chairman produced no output"))
	}

	s.result.Synthesis = string(synthesis)
	s.result.Timings.Stage3Complete = time.Now()
	metrics.StageDuration.WithLabelValues("stage3").Observe(time.Since(start).Seconds())
	s.emit(events.Stage3Complete, "stage3", nil, map[string]interface{}{"bytes": len(synthesis)})

	if err := s.tr.WriteStage3(transcript.Stage3Record{
		Chairman:  s.chairman,
		Synthesis: s.result.Synthesis,
	}); err != nil {
		s.c.logger.WithField("query_id", s.query.ID).WithError(err).Warn("Stage3 transcript write failed")
	}

	s.generateTitle(ctx)
	return true
}

// generateTitle asks the chairman for a short display title. Failures are
// silent; the title is cosmetic.
func (s *session) generateTitle(ctx context.Context) {
	res, err := s.c.gateway.Complete(ctx, s.chairman, titlePrompt(s.query.Prompt),
		gateway.Options{Deadline: s.deadline, MaxTokens: 32, Temperature: 0.5})
	if err == nil {
		s.result.Title = res.Content
	}
}

func (s *session) seal(agg *models.AggregateResult) {
	s.result.Aggregate = agg
	s.result.WinningSlot = agg.Winner()
	s.result.Verdict = agg.Verdict
	s.result.LowConfidence = agg.Confidence < 0.5
	if s.result.LowConfidence {
		s.result.Degradation = append(s.result.Degradation, "low panel confidence in final ranking")
	}
	s.result.Timings.Sealed = time.Now()

	s.transition(StateSealed)
	s.emit(events.CouncilCompleted, "", nil, map[string]interface{}{
		"winning_slot":   s.result.WinningSlot,
		"confidence":     agg.Confidence,
		"verdict":        string(agg.Verdict),
		"low_confidence": s.result.LowConfidence,
	})
	if err := s.tr.Seal(s.result); err != nil {
		s.c.logger.WithField("query_id", s.query.ID).WithError(err).Warn("Transcript seal failed")
	}
}
