package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/embedding"
)

func newTestEngine(t *testing.T, options ...SQLiteOption) *SQLiteEngine {
	t.Helper()
	e, err := NewSQLiteEngine(":memory:", options...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	require.NoError(t, e.Setup(context.Background()))
	return e
}

func TestRankByVectorKeywordFallback(t *testing.T) {
	rows := []Row{
		{ID: "a", Text: "squat depth and knee position"},
		{ID: "b", Text: "meal prep containers"},
		{ID: "c", Text: "progressive overload for squat strength"},
	}
	vectors := [][]float32{nil, nil, {1, 0}}

	out := rankByVector(rows, vectors, []float32{1, 0}, "squat strength", 3)
	require.Len(t, out, 3)

	// The embedded row wins; rows without vectors rank by keyword
	// overlap compressed below any vector hit.
	assert.Equal(t, "c", out[0].ID)
	assert.Equal(t, "a", out[1].ID)
	assert.Equal(t, "b", out[2].ID)
	assert.InDelta(t, 1.0, out[0].Score, 1e-9)
	assert.InDelta(t, 0.5*keywordFallbackScale, out[1].Score, 1e-9)
	assert.Zero(t, out[2].Score)
}

func TestOperationsBeforeSetup(t *testing.T) {
	e, err := NewSQLiteEngine(":memory:")
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Add(context.Background(), "text", "kb_global", "", nil, nil)
	assert.ErrorIs(t, err, ErrDatabaseNotCreated)

	// Setup fixes it
	require.NoError(t, e.Setup(context.Background()))
	_, err = e.Add(context.Background(), "text", "kb_global", "", nil, nil)
	assert.NoError(t, err)
}

func TestAddCreatesDataset(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Add(ctx, "bench press form cues", "kb_profile_1", "u1", nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ds, err := e.DatasetByName(ctx, "kb_profile_1", "u1", false)
	require.NoError(t, err)
	assert.Equal(t, id, ds.ID)

	// Same name, different owner is a different dataset
	_, err = e.DatasetByName(ctx, "kb_profile_1", "u2", false)
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestSearchRequiresCognify(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	dsID, err := e.Add(ctx, "progressive overload means adding weight gradually", "kb_global", "", nil, nil)
	require.NoError(t, err)

	rows, err := e.Search(ctx, SearchParams{Query: "overload", Datasets: []string{dsID}, TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, rows, "unindexed rows must not be searchable")

	require.NoError(t, e.Cognify(ctx, []string{dsID}, ""))

	rows, err = e.Search(ctx, SearchParams{Query: "overload", Datasets: []string{dsID}, TopK: 5})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Text, "progressive overload")
}

func TestSearchVectorRanking(t *testing.T) {
	e := newTestEngine(t, WithEmbedder(embedding.NewHashEngine(64)))
	ctx := context.Background()

	dsID, err := e.Add(ctx, "squat depth and knee tracking", "kb_global", "", nil, nil)
	require.NoError(t, err)
	_, err = e.Add(ctx, "meal prep with chicken and rice", "kb_global", "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Cognify(ctx, []string{dsID}, ""))

	rows, err := e.Search(ctx, SearchParams{Query: "squat knee depth", Datasets: []string{dsID}, TopK: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Contains(t, rows[0].Text, "squat")
	assert.Greater(t, rows[0].Score, rows[1].Score)
}

func TestCognifyMissingBlob(t *testing.T) {
	root := t.TempDir()
	e := newTestEngine(t, WithStorageRoot(root))
	ctx := context.Background()

	digest := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	dsID, err := e.Add(ctx, "orphaned", "kb_global", "", nil,
		map[string]interface{}{"digest_sha": digest})
	require.NoError(t, err)

	err = e.Cognify(ctx, []string{dsID}, "")
	require.Error(t, err)
	assert.True(t, IsFileMissing(err))

	// Once the blob exists cognify succeeds
	path := filepath.Join(root, "text_"+digest+".txt")
	require.NoError(t, os.WriteFile(path, []byte("orphaned"), 0644))
	assert.NoError(t, e.Cognify(ctx, []string{dsID}, ""))
}

func TestListDataAndDelete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	dsID, err := e.Add(ctx, "doc one", "kb_chat_7", "u7", nil, map[string]interface{}{"kind": "message"})
	require.NoError(t, err)
	_, err = e.Add(ctx, "doc two", "kb_chat_7", "u7", nil, nil)
	require.NoError(t, err)

	rows, err := e.ListData(ctx, dsID, "u7")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "message", rows[0].Metadata["kind"])

	require.NoError(t, e.DeleteDataset(ctx, dsID))
	rows, err = e.ListData(ctx, dsID, "u7")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCognifyByName(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Add(ctx, "hydration matters", "kb_global", "", nil, nil)
	require.NoError(t, err)
	assert.NoError(t, e.Cognify(ctx, []string{"kb_global"}, ""))

	err = e.Cognify(ctx, []string{"kb_missing"}, "")
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}
