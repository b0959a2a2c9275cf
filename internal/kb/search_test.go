package kb

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/engine"
)

func TestSessionIDDeterministic(t *testing.T) {
	assert.Equal(t, SessionID(42), SessionID(42))
	assert.NotEqual(t, SessionID(42), SessionID(43))
}

func TestDedupeSnippets(t *testing.T) {
	in := []Snippet{
		{Text: "Squat depth matters."},
		{Text: "squat depth matters.  "},
		{Text: "Different tip."},
	}
	want := []Snippet{
		{Text: "Squat depth matters."},
		{Text: "Different tip."},
	}
	if diff := cmp.Diff(want, dedupeSnippets(in)); diff != "" {
		t.Errorf("dedupeSnippets mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchResolvesDatasetViaHashStore(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()

	text := NormalizeText("Creatine timing is flexible.")
	require.NoError(t, kb.UpdateDataset(ctx, text, ProfileAlias(50), "system", nil, nil))
	require.Equal(t, StatusReady, kb.Projection().EnsureProjected(ctx, ProfileAlias(50), "system", 5*time.Second))

	// Rows arriving without a dataset stamp fall back to hash store
	// membership across the candidates.
	rows := []engine.Row{{
		Text:     text,
		Metadata: map[string]interface{}{MetaDigest: DigestOf(text)},
	}}
	snippets := kb.search.assembleSnippets(ctx, rows, []string{ProfileAlias(50), ChatAlias(50), "kb_global"})
	require.Len(t, snippets, 1)
	assert.Equal(t, ProfileAlias(50), snippets[0].Dataset)
	assert.Equal(t, KindDocument, snippets[0].Kind)
}

func TestSearchDoesNotMutateCallerDatasets(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()

	require.NoError(t, kb.UpdateDataset(ctx, "Hydrate before long sessions.", "client_55", "system", nil, nil))

	datasets := []string{"client_55", "kb_global"}
	_, err := kb.Search(ctx, "hydrate", 55, SearchOptions{User: "system", Datasets: datasets})
	require.NoError(t, err)

	// Canonicalization and the warm-up filter work on a copy.
	assert.Equal(t, []string{"client_55", "kb_global"}, datasets)
}

func TestSearchSchedulesProfileSyncOnce(t *testing.T) {
	kb, mr := newTestKB(t)
	ctx := context.Background()

	syncs := make(chan int64, 4)
	kb.search.SetScheduler(chanScheduler{syncs: syncs})

	require.NoError(t, kb.UpdateDataset(ctx, "A document so search has work.", ProfileAlias(60), "system", nil, nil))

	_, err := kb.Search(ctx, "document", 60, SearchOptions{User: "system"})
	require.NoError(t, err)
	_, err = kb.Search(ctx, "document", 60, SearchOptions{User: "system"})
	require.NoError(t, err)

	// Two searches inside the TTL window schedule one sync.
	assert.Len(t, syncs, 1)

	// After the gate key expires the next search schedules again.
	mr.FastForward(11 * time.Minute)
	_, err = kb.Search(ctx, "document", 60, SearchOptions{User: "system"})
	require.NoError(t, err)
	assert.Len(t, syncs, 2)
}

type chanScheduler struct {
	syncs chan int64
}

func (s chanScheduler) ScheduleProfileSync(profileID int64)   { s.syncs <- profileID }
func (s chanScheduler) ScheduleProfileMemify(profileID int64) {}
