// Package scoring parses reviewer output into validated peer reviews.
//
// A reviewer reply is expected to end with a fenced JSON block carrying the
// ranking; two textual fallbacks are accepted for models that ignore the
// format. An invalid reply never fails the session: the parser returns an
// explicit Abstention and the reviewer contributes no weight.
package scoring

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"dev.helix.council/internal/models"
)

// MaxDissentLength caps preserved dissent text.
const MaxDissentLength = 2000

var (
	fencedJSONRe = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")
	rawJSONRe    = regexp.MustCompile(`\{\s*"ranking"\s*:`)
	labelRe      = regexp.MustCompile(`Response ([A-Z])`)
)

// reviewPayload is the JSON shape reviewers are instructed to emit.
type reviewPayload struct {
	Ranking []string                  `json:"ranking"`
	Scores  map[string]float64        `json:"scores"`
	Rubric  map[string]map[string]any `json:"rubric"`
	Verdict string                    `json:"verdict"`
	Dissent string                    `json:"dissent"`
}

// Parse turns one reviewer's raw reply into a PeerReview or an Abstention.
// labelToSlot maps presentation labels ("Response A") to candidate slots;
// reviewerSlot identifies the reviewer's own candidate. With excludeSelf the
// reviewer's self-ranking is stripped rather than counted; otherwise it stays
// in the ranking and the full candidate set must be covered.
func Parse(raw string, reviewerSlot int, labelToSlot map[string]int, excludeSelf bool) (*models.PeerReview, *models.Abstention) {
	payload := extractPayload(raw)
	if payload == nil || len(payload.Ranking) == 0 {
		return nil, &models.Abstention{Reviewer: reviewerSlot, Reason: "no ranking found in reply"}
	}

	review := &models.PeerReview{
		Reviewer: reviewerSlot,
		RawText:  raw,
		Vote:     parseVote(payload.Verdict),
	}
	if payload.Dissent != "" {
		review.Dissent = truncate(payload.Dissent, MaxDissentLength)
	}

	seen := make(map[int]bool)
	for _, label := range payload.Ranking {
		slot, ok := labelToSlot[normalizeLabel(label)]
		if !ok {
			return nil, &models.Abstention{
				Reviewer: reviewerSlot,
				Reason:   fmt.Sprintf("unknown label %q in ranking", label),
			}
		}
		if slot == reviewerSlot {
			review.SelfVoted = true
			if excludeSelf {
				continue
			}
		}
		if seen[slot] {
			return nil, &models.Abstention{
				Reviewer: reviewerSlot,
				Reason:   fmt.Sprintf("duplicate candidate in ranking: slot %d", slot),
			}
		}
		seen[slot] = true
		review.Ranking = append(review.Ranking, models.RankedCandidate{
			Slot: slot,
			Rank: len(review.Ranking) + 1,
		})
	}

	// The ranking must be a permutation of the candidate set (minus the
	// reviewer's own slot when self-votes are excluded).
	for label, slot := range labelToSlot {
		if excludeSelf && slot == reviewerSlot {
			continue
		}
		if !seen[slot] {
			return nil, &models.Abstention{
				Reviewer: reviewerSlot,
				Reason:   fmt.Sprintf("ranking omits candidate %s", label),
			}
		}
	}
	if len(review.Ranking) == 0 {
		return nil, &models.Abstention{Reviewer: reviewerSlot, Reason: "ranking covers no non-self candidates"}
	}

	review.Rubric = parseRubric(payload, reviewerSlot, labelToSlot)
	return review, nil
}

// extractPayload applies the fallback chain: fenced JSON block, raw JSON
// object, then line-anchored "FINAL RANKING:" text.
func extractPayload(raw string) *reviewPayload {
	if m := fencedJSONRe.FindStringSubmatch(raw); m != nil {
		if p := decodePayload(m[1]); p != nil {
			return p
		}
	}

	if loc := rawJSONRe.FindStringIndex(raw); loc != nil {
		if body := balancedObject(raw[loc[0]:]); body != "" {
			if p := decodePayload(body); p != nil {
				return p
			}
		}
	}

	if idx := strings.Index(raw, "FINAL RANKING:"); idx >= 0 {
		if labels := orderedLabels(raw[idx:]); len(labels) > 0 {
			return &reviewPayload{Ranking: labels}
		}
	}

	if labels := orderedLabels(raw); len(labels) > 0 {
		return &reviewPayload{Ranking: labels}
	}
	return nil
}

func decodePayload(s string) *reviewPayload {
	var p reviewPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil
	}
	return &p
}

// balancedObject returns the prefix of s forming one balanced JSON object.
func balancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// orderedLabels extracts "Response X" labels in order of first appearance.
func orderedLabels(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range labelRe.FindAllString(s, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func normalizeLabel(label string) string {
	label = strings.TrimSpace(label)
	// Accept a bare letter ("B") as shorthand for "Response B".
	if len(label) == 1 && label[0] >= 'A' && label[0] <= 'Z' {
		return "Response " + label
	}
	return label
}

func parseVote(v string) models.BinaryVote {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pass", "approve", "approved":
		return models.VotePass
	case "fail", "reject", "rejected":
		return models.VoteFail
	default:
		return models.VoteNone
	}
}

// parseRubric merges per-dimension rubric objects and plain overall scores.
// Scores clamp to [0,10]; missing dimensions stay nil, never zero.
func parseRubric(p *reviewPayload, reviewerSlot int, labelToSlot map[string]int) map[int]*models.RubricScores {
	out := make(map[int]*models.RubricScores)

	get := func(label string) (*models.RubricScores, bool) {
		slot, ok := labelToSlot[normalizeLabel(label)]
		if !ok || slot == reviewerSlot {
			return nil, false
		}
		rs, ok := out[slot]
		if !ok {
			rs = &models.RubricScores{}
			out[slot] = rs
		}
		return rs, true
	}

	for label, dims := range p.Rubric {
		rs, ok := get(label)
		if !ok {
			continue
		}
		for dim, val := range dims {
			f, ok := asFloat(val)
			if !ok {
				continue
			}
			f = clamp(f, 0, 10)
			switch strings.ToLower(dim) {
			case "accuracy":
				rs.Accuracy = &f
			case "completeness":
				rs.Completeness = &f
			case "clarity":
				rs.Clarity = &f
			case "conciseness":
				rs.Conciseness = &f
			case "relevance":
				rs.Relevance = &f
			}
		}
	}

	for label, score := range p.Scores {
		rs, ok := get(label)
		if !ok {
			continue
		}
		f := clamp(score, 0, 10)
		rs.Overall = &f
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// Labels assigns presentation labels A..N to a shuffled candidate order and
// returns the label -> slot mapping used by Parse.
func Labels(slots []int) map[string]int {
	m := make(map[string]int, len(slots))
	for i, slot := range slots {
		m[fmt.Sprintf("Response %c", 'A'+i)] = slot
	}
	return m
}

// SortedLabels returns the mapping's labels in presentation order.
func SortedLabels(labelToSlot map[string]int) []string {
	labels := make([]string, 0, len(labelToSlot))
	for l := range labelToSlot {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func clamp(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

// truncate caps s at n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
