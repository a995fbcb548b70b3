// Package transcript persists the complete record of a deliberation: the
// request, every stage's artifacts, the event stream and the final result.
// A sealed transcript is sufficient to replay aggregation and reproduce the
// ordering bit for bit.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"dev.helix.council/internal/events"
	"dev.helix.council/internal/models"
)

// ErrSealed is returned for writes after Seal.
var ErrSealed = errors.New("transcript is sealed")

const (
	fileRequest = "request.json"
	fileStage1  = "stage1.json"
	fileStage2  = "stage2.json"
	fileStage3  = "stage3.json"
	fileResult  = "result.json"
	fileEvents  = "events.ndjson"
	fileSealed  = "SEALED"
)

// Store manages per-session transcript directories under a root path.
type Store struct {
	root   string
	logger *logrus.Logger
}

// NewStore creates the transcript root if needed.
func NewStore(root string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Session is one deliberation's open transcript.
type Session struct {
	dir    string
	mu     sync.Mutex
	events *os.File
	sealed bool
}

// Begin opens a transcript for the given query and records the request.
func (s *Store) Begin(query *models.Query) (*Session, error) {
	dir := filepath.Join(s.root, query.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, fileEvents), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	sess := &Session{dir: dir, events: f}
	if err := sess.writeJSON(fileRequest, query); err != nil {
		f.Close()
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"query_id": query.ID,
		"dir":      dir,
	}).Debug("Transcript opened")
	return sess, nil
}

// Dir returns the session's transcript directory.
func (sess *Session) Dir() string {
	return sess.dir
}

// WriteStage1 records stage-one responses including failed slots.
func (sess *Session) WriteStage1(responses []models.StageOneResponse) error {
	return sess.writeJSON(fileStage1, responses)
}

// Stage2Record pairs validated reviews with the abstentions they displaced.
type Stage2Record struct {
	Reviews     []models.PeerReview     `json:"reviews"`
	Abstentions []models.Abstention     `json:"abstentions,omitempty"`
	Aggregate   *models.AggregateResult `json:"aggregate,omitempty"`
}

// WriteStage2 records the review round and its aggregation.
func (sess *Session) WriteStage2(rec Stage2Record) error {
	return sess.writeJSON(fileStage2, rec)
}

// Stage3Record is the chairman synthesis artifact.
type Stage3Record struct {
	Chairman  string            `json:"chairman"`
	Synthesis string            `json:"synthesis"`
	Usage     models.TokenUsage `json:"usage"`
}

// WriteStage3 records the synthesis.
func (sess *Session) WriteStage3(rec Stage3Record) error {
	return sess.writeJSON(fileStage3, rec)
}

// AppendEvent appends one event to the ndjson log. Events arrive in
// sequence order per query; the log preserves arrival order.
func (sess *Session) AppendEvent(ev events.LayerEvent) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.sealed {
		return ErrSealed
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := sess.events.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Seal writes the final result, syncs the event log and marks the
// transcript immutable. All later writes fail with ErrSealed.
func (sess *Session) Seal(result *models.DeliberationResult) error {
	if err := sess.writeJSON(fileResult, result); err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.sealed {
		return ErrSealed
	}
	sess.sealed = true
	if err := sess.events.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	if err := sess.events.Close(); err != nil {
		return fmt.Errorf("close event log: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sess.dir, fileSealed), []byte{}, 0o444); err != nil {
		return fmt.Errorf("write seal marker: %w", err)
	}
	return nil
}

func (sess *Session) writeJSON(name string, v any) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.sealed && name != fileResult {
		return ErrSealed
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	// Write-then-rename keeps partially written stage files out of the
	// transcript on crash.
	tmp := filepath.Join(sess.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(sess.dir, name)); err != nil {
		return fmt.Errorf("finalize %s: %w", name, err)
	}
	return nil
}

// Record is a fully loaded transcript.
type Record struct {
	Request *models.Query              `json:"request"`
	Stage1  []models.StageOneResponse  `json:"stage1"`
	Stage2  *Stage2Record              `json:"stage2"`
	Stage3  *Stage3Record              `json:"stage3"`
	Result  *models.DeliberationResult `json:"result"`
	Events  []events.LayerEvent        `json:"events"`
	Sealed  bool                       `json:"sealed"`
}

// Load reads a transcript directory back into memory, typically for replay
// or audit. Missing stage files load as nil so partial transcripts of
// failed sessions remain readable.
func (s *Store) Load(queryID string) (*Record, error) {
	dir := filepath.Join(s.root, queryID)
	rec := &Record{}

	if err := readJSON(filepath.Join(dir, fileRequest), &rec.Request); err != nil {
		return nil, err
	}
	for name, target := range map[string]any{
		fileStage1: &rec.Stage1,
		fileStage2: &rec.Stage2,
		fileStage3: &rec.Stage3,
		fileResult: &rec.Result,
	} {
		if err := readJSON(filepath.Join(dir, name), target); err != nil && !os.IsNotExist(errors.Unwrap(err)) {
			return nil, err
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, fileEvents))
	if err == nil {
		for _, line := range splitLines(data) {
			var ev events.LayerEvent
			if json.Unmarshal(line, &ev) == nil {
				rec.Events = append(rec.Events, ev)
			}
		}
	}
	_, err = os.Stat(filepath.Join(dir, fileSealed))
	rec.Sealed = err == nil
	return rec, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
