package models

import "time"

// Mode selects how the chairman treats disagreement between panelists.
type Mode string

const (
	ModeConsensus     Mode = "consensus"
	ModeDebate        Mode = "debate"
	ModeBinaryVerdict Mode = "binary-verdict"
)

// VerdictType selects the shape of the final output.
type VerdictType string

const (
	VerdictFreeForm VerdictType = "free-form"
	VerdictBinary   VerdictType = "binary"
	VerdictRubric   VerdictType = "rubric"
)

// Tier is a coarse quality band used by panel selection.
type Tier string

const (
	TierQuick    Tier = "quick"
	TierStandard Tier = "standard"
	TierHigh     Tier = "high"
	TierFrontier Tier = "frontier"
)

// TierRank returns the ordering position of a tier (quick < standard < high < frontier).
// Unknown tiers rank below quick.
func TierRank(t Tier) int {
	switch t {
	case TierQuick:
		return 1
	case TierStandard:
		return 2
	case TierHigh:
		return 3
	case TierFrontier:
		return 4
	default:
		return 0
	}
}

// Query is a single immutable deliberation request.
type Query struct {
	ID               string      `json:"id"`
	Prompt           string      `json:"prompt"`
	Mode             Mode        `json:"mode"`
	VerdictType      VerdictType `json:"verdict_type"`
	Tier             Tier        `json:"tier"`
	RubricFocus      string      `json:"rubric_focus,omitempty"`
	ContextIsolation bool        `json:"context_isolation"`
	SnapshotID       string      `json:"snapshot_id,omitempty"`
	Capabilities     []string    `json:"capabilities,omitempty"`
	Deadline         time.Time   `json:"deadline,omitempty"`
	SubmittedAt      time.Time   `json:"submitted_at"`
}

// ModelPricing holds per-million-token prices in USD.
type ModelPricing struct {
	InputCost  float64 `json:"input_cost" yaml:"input_cost"`
	OutputCost float64 `json:"output_cost" yaml:"output_cost"`
}

// HardwareProfile describes requirements for locally hosted models.
type HardwareProfile struct {
	MinVRAMGB    int    `json:"min_vram_gb,omitempty" yaml:"min_vram_gb,omitempty"`
	Accelerator  string `json:"accelerator,omitempty" yaml:"accelerator,omitempty"`
	Quantization string `json:"quantization,omitempty" yaml:"quantization,omitempty"`
}

// ModelDescriptor carries per-model metadata used by selection and the gateway.
type ModelDescriptor struct {
	ID            string           `json:"id" yaml:"id"`
	Provider      string           `json:"provider" yaml:"provider"`
	Tier          Tier             `json:"tier" yaml:"tier"`
	ContextWindow int              `json:"context_window" yaml:"context_window"`
	Pricing       ModelPricing     `json:"pricing" yaml:"pricing"`
	QualityScore  float64          `json:"quality_score" yaml:"quality_score"`
	Capabilities  []string         `json:"capabilities" yaml:"capabilities"`
	Hardware      *HardwareProfile `json:"hardware,omitempty" yaml:"hardware,omitempty"`
	Available     bool             `json:"available" yaml:"available"`
	Local         bool             `json:"local,omitempty" yaml:"local,omitempty"`
}

// HasCapability reports whether the descriptor advertises the given capability.
func (d *ModelDescriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// CostPerCall estimates the USD cost of a typical call given token budgets.
func (d *ModelDescriptor) CostPerCall(inputTokens, outputTokens int) float64 {
	return d.Pricing.InputCost*float64(inputTokens)/1e6 +
		d.Pricing.OutputCost*float64(outputTokens)/1e6
}

// SlotRole distinguishes panel participants from the chairman.
type SlotRole string

const (
	RoleParticipant SlotRole = "participant"
	RoleChairman    SlotRole = "chairman"
)

// PanelSlot is a position in the panel bound to one model. Immutable after
// assignment by the tier selector.
type PanelSlot struct {
	Index int      `json:"index"`
	Model string   `json:"model"`
	Role  SlotRole `json:"role"`
}

// SlotStatus is the terminal status of a stage-one slot.
type SlotStatus string

const (
	SlotOK        SlotStatus = "ok"
	SlotFailed    SlotStatus = "failed"
	SlotTimeout   SlotStatus = "timeout"
	SlotCancelled SlotStatus = "cancelled"
)

// TokenUsage counts tokens consumed by one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StageOneResponse is the outcome of one participant's generation call.
type StageOneResponse struct {
	Slot        int           `json:"slot"`
	Model       string        `json:"model"`
	Content     string        `json:"content"`
	Normalized  string        `json:"normalized,omitempty"`
	Usage       TokenUsage    `json:"usage"`
	Latency     time.Duration `json:"latency"`
	Degradation []string      `json:"degradation,omitempty"`
	Status      SlotStatus    `json:"status"`
}

// ReviewText returns the text presented to reviewers: the normalized form
// when style normalization produced one, the original otherwise.
func (r *StageOneResponse) ReviewText() string {
	if r.Normalized != "" {
		return r.Normalized
	}
	return r.Content
}

// RubricScores are per-dimension scores in [0,10]. Nil means the reviewer
// did not score that dimension; missing is never treated as zero.
type RubricScores struct {
	Accuracy     *float64 `json:"accuracy,omitempty"`
	Completeness *float64 `json:"completeness,omitempty"`
	Clarity      *float64 `json:"clarity,omitempty"`
	Conciseness  *float64 `json:"conciseness,omitempty"`
	Relevance    *float64 `json:"relevance,omitempty"`
	// Overall is a reviewer's single 1-10 quality score, kept when the
	// reviewer scored candidates without per-dimension detail.
	Overall *float64 `json:"overall,omitempty"`
}

// RankedCandidate is a single (candidate slot, rank) entry in a peer review.
// Rank is 1-based; 1 is best.
type RankedCandidate struct {
	Slot int `json:"slot"`
	Rank int `json:"rank"`
}

// BinaryVote is a reviewer's pass/fail opinion for binary verdicts.
type BinaryVote string

const (
	VotePass BinaryVote = "pass"
	VoteFail BinaryVote = "fail"
	VoteNone BinaryVote = ""
)

// PeerReview is a validated stage-two review from one reviewer. The ranking
// is a permutation over the candidate set, minus the reviewer's own slot
// when self-vote exclusion is on. SelfVoted records that the reviewer ranked
// its own response, whether that entry was stripped or counted.
type PeerReview struct {
	Reviewer  int                   `json:"reviewer"`
	Ranking   []RankedCandidate     `json:"ranking"`
	Rubric    map[int]*RubricScores `json:"rubric,omitempty"`
	Vote      BinaryVote            `json:"vote,omitempty"`
	Dissent   string                `json:"dissent,omitempty"`
	SelfVoted bool                  `json:"self_voted,omitempty"`
	RawText   string                `json:"-"`
}

// Abstention records a reviewer that contributes no weight to aggregation.
type Abstention struct {
	Reviewer int    `json:"reviewer"`
	Reason   string `json:"reason"`
}

// Verdict is the tri-state outcome of a binary deliberation.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictUnclear Verdict = "unclear"
)

// RankingMethod names the aggregation algorithm applied.
type RankingMethod string

const (
	MethodBorda   RankingMethod = "borda"
	MethodSchulze RankingMethod = "schulze"
)

// AggregateResult is the outcome of peer-review aggregation.
type AggregateResult struct {
	Ordering       []int           `json:"ordering"`
	Scores         map[int]float64 `json:"scores"`
	VoteCounts     map[int]int     `json:"vote_counts"`
	TieBreakUsed   bool            `json:"tie_break_used"`
	BiasCorrected  bool            `json:"bias_corrected"`
	Confidence     float64         `json:"confidence"`
	Method         RankingMethod   `json:"method"`
	Verdict        Verdict         `json:"verdict,omitempty"`
	VerdictConf    float64         `json:"verdict_confidence,omitempty"`
	Abstentions    int             `json:"abstentions"`
	ValidReviewers int             `json:"valid_reviewers"`
}

// Winner returns the top-ranked slot, or -1 for an empty ordering.
func (a *AggregateResult) Winner() int {
	if len(a.Ordering) == 0 {
		return -1
	}
	return a.Ordering[0]
}

// StageTimings records wall-clock boundaries per stage.
type StageTimings struct {
	Started        time.Time `json:"started"`
	Stage1Complete time.Time `json:"stage1_complete,omitempty"`
	Stage2Complete time.Time `json:"stage2_complete,omitempty"`
	Stage3Complete time.Time `json:"stage3_complete,omitempty"`
	Sealed         time.Time `json:"sealed,omitempty"`
}

// DeliberationResult is the user-visible outcome of one query.
type DeliberationResult struct {
	QueryID            string             `json:"query_id"`
	Title              string             `json:"title,omitempty"`
	Synthesis          string             `json:"synthesis,omitempty"`
	Verdict            Verdict            `json:"verdict,omitempty"`
	WinningSlot        int                `json:"winning_slot"`
	Aggregate          *AggregateResult   `json:"aggregate"`
	Panel              []PanelSlot        `json:"panel"`
	Stage1             []StageOneResponse `json:"stage1"`
	Reviews            []PeerReview       `json:"reviews"`
	Abstentions        []Abstention       `json:"abstentions,omitempty"`
	Degradation        []string           `json:"degradation,omitempty"`
	LowConfidence      bool               `json:"low_confidence,omitempty"`
	Timings            StageTimings       `json:"timings"`
	TranscriptLocation string             `json:"transcript_location,omitempty"`
	FailureReason      string             `json:"failure_reason,omitempty"`
}

// Exit codes for CLI and gate invocations.
const (
	ExitPass              = 0
	ExitFail              = 1
	ExitUnclear           = 2
	ExitInsufficientPanel = 3
	ExitSystemError       = 4
)

// ExitCode maps a result to the process exit code contract.
func (r *DeliberationResult) ExitCode() int {
	switch {
	case r.FailureReason == "insufficient-panel",
		r.FailureReason == "insufficient-stage1-survivors",
		r.FailureReason == "insufficient-stage2-reviewers":
		return ExitInsufficientPanel
	case r.FailureReason != "":
		return ExitSystemError
	case r.Verdict == VerdictFail:
		return ExitFail
	case r.Verdict == VerdictUnclear || r.LowConfidence:
		return ExitUnclear
	default:
		return ExitPass
	}
}
