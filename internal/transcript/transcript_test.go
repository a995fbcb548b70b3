package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.council/internal/events"
	"dev.helix.council/internal/models"
)

func testQuery() *models.Query {
	return &models.Query{
		ID:          "q-test",
		Prompt:      "What is the airspeed velocity of an unladen swallow?",
		Mode:        models.ModeConsensus,
		Tier:        models.TierStandard,
		SubmittedAt: time.Now(),
	}
}

func TestTranscriptFullLifecycle(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	sess, err := store.Begin(testQuery())
	require.NoError(t, err)

	require.NoError(t, sess.WriteStage1([]models.StageOneResponse{
		{Slot: 0, Model: "a/one", Content: "African or European?", Status: models.SlotOK},
		{Slot: 1, Model: "b/two", Status: models.SlotTimeout},
	}))
	require.NoError(t, sess.WriteStage2(Stage2Record{
		Reviews: []models.PeerReview{{Reviewer: 0, Ranking: []models.RankedCandidate{{Slot: 1, Rank: 1}}}},
	}))
	require.NoError(t, sess.WriteStage3(Stage3Record{Chairman: "a/one", Synthesis: "It depends."}))

	for i := 1; i <= 3; i++ {
		require.NoError(t, sess.AppendEvent(events.LayerEvent{
			Type: events.Stage1SlotComplete, QueryID: "q-test", Seq: uint64(i),
		}))
	}
	require.NoError(t, sess.Seal(&models.DeliberationResult{QueryID: "q-test", WinningSlot: 0}))

	rec, err := store.Load("q-test")
	require.NoError(t, err)
	assert.True(t, rec.Sealed)
	assert.Equal(t, "q-test", rec.Request.ID)
	require.Len(t, rec.Stage1, 2)
	assert.Equal(t, models.SlotTimeout, rec.Stage1[1].Status)
	require.NotNil(t, rec.Stage2)
	assert.Len(t, rec.Stage2.Reviews, 1)
	assert.Equal(t, "It depends.", rec.Stage3.Synthesis)
	assert.Equal(t, 0, rec.Result.WinningSlot)

	// Event order is preserved exactly.
	require.Len(t, rec.Events, 3)
	for i, ev := range rec.Events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestTranscriptSealedRejectsWrites(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	sess, err := store.Begin(testQuery())
	require.NoError(t, err)
	require.NoError(t, sess.Seal(&models.DeliberationResult{QueryID: "q-test"}))

	assert.ErrorIs(t, sess.WriteStage1(nil), ErrSealed)
	assert.ErrorIs(t, sess.AppendEvent(events.LayerEvent{Type: events.Stage3Token}), ErrSealed)
	assert.ErrorIs(t, sess.Seal(&models.DeliberationResult{}), ErrSealed)
}

func TestTranscriptPartialSessionLoads(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	sess, err := store.Begin(testQuery())
	require.NoError(t, err)
	require.NoError(t, sess.WriteStage1([]models.StageOneResponse{{Slot: 0, Status: models.SlotOK}}))

	// A session that failed before stage 2 still loads: later stages nil.
	rec, err := store.Load("q-test")
	require.NoError(t, err)
	assert.False(t, rec.Sealed)
	assert.Len(t, rec.Stage1, 1)
	assert.Nil(t, rec.Stage2)
	assert.Nil(t, rec.Stage3)
	assert.Nil(t, rec.Result)
}

func TestTranscriptStageWriteIsAtomic(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, nil)
	require.NoError(t, err)
	sess, err := store.Begin(testQuery())
	require.NoError(t, err)
	require.NoError(t, sess.WriteStage1([]models.StageOneResponse{{Slot: 0}}))

	// No temp files linger after a successful write.
	entries, err := os.ReadDir(filepath.Join(root, "q-test"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestTranscriptLoadUnknownQuery(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = store.Load("no-such-query")
	assert.Error(t, err)
}
