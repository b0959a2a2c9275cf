package kb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/embedding"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/engine"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestEngine(t *testing.T, root string) *engine.SQLiteEngine {
	t.Helper()
	eng, err := engine.NewSQLiteEngine(":memory:",
		engine.WithStorageRoot(root),
		engine.WithEmbedder(embedding.NewHashEngine(64)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	require.NoError(t, eng.Setup(context.Background()))
	return eng
}

func newTestKB(t *testing.T) (*KnowledgeBase, *miniredis.Miniredis) {
	t.Helper()
	mr, client := newTestRedis(t)
	root := t.TempDir()
	eng := newTestEngine(t, root)

	kb, err := New(Options{
		Engine:        eng,
		Redis:         client,
		StoragePath:   root,
		GlobalAlias:   "kb_global",
		User:          "system",
		RetentionDays: 30,
		ChatDebounce:  25 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(kb.Close)
	return kb, mr
}

func TestUpdateDatasetDeduplicates(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()

	text := "Squat three times a week.\r\nProgressive overload."
	require.NoError(t, kb.UpdateDataset(ctx, text, "kb_profile_1", "system", nil, nil))
	// Same content, different line endings: must be a no-op.
	require.NoError(t, kb.UpdateDataset(ctx, "Squat three times a week.\nProgressive overload.", "kb_profile_1", "system", nil, nil))

	rows, err := kb.Registry().ListEntries(ctx, "kb_profile_1", "system")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, kb.hashes.Count(ctx, "kb_profile_1"))
}

func TestUpdateDatasetWritesBlob(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()

	text := NormalizeText("Protein target: 1.8 g/kg bodyweight.")
	require.NoError(t, kb.UpdateDataset(ctx, text, "kb_profile_2", "system", nil, nil))

	sha := DigestOf(text)
	got, ok := kb.store.Read(sha)
	require.True(t, ok)
	assert.Equal(t, text, got)
	assert.True(t, kb.hashes.Contains(ctx, "kb_profile_2", sha))
}

func TestSearchRoundTrip(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()

	require.NoError(t, kb.UpdateDataset(ctx, "Deadlift form: keep the bar close, neutral spine.", "kb_profile_7", "system", nil, nil))
	require.NoError(t, kb.UpdateDataset(ctx, "Rest days matter: schedule at least two per week.", "kb_profile_7", "system", nil, nil))

	snippets, err := kb.Search(ctx, "deadlift form", 7, SearchOptions{User: "system", TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, snippets)
	for _, sn := range snippets {
		assert.Equal(t, "kb_profile_7", sn.Dataset)
		assert.Equal(t, KindDocument, sn.Kind)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	kb, _ := newTestKB(t)
	snippets, err := kb.Search(context.Background(), "   ", 7, SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, snippets)
}

func TestSearchSkipsEmptyDatasets(t *testing.T) {
	kb, _ := newTestKB(t)
	// Nothing ingested anywhere: zero candidates have rows.
	snippets, err := kb.Search(context.Background(), "anything", 99, SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, snippets)
}

func TestCleanupProfile(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()

	require.NoError(t, kb.UpdateDataset(ctx, "Client prefers morning workouts.", ProfileAlias(5), "system", nil, nil))
	require.NoError(t, kb.SaveClientMessage(ctx, 5, "user", "How much cardio should I do?"))

	require.NoError(t, kb.CleanupProfile(ctx, 5))

	id, err := kb.Registry().DatasetID(ctx, ProfileAlias(5), "system")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, 0, kb.hashes.Count(ctx, ProfileAlias(5)))
	assert.Equal(t, 0, kb.hashes.Count(ctx, ChatAlias(5)))
	assert.Empty(t, kb.ChatCache().History(ctx, 5, 10))
}

func TestPruneRemovesOrphans(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()

	require.NoError(t, kb.UpdateDataset(ctx, "Referenced document.", "kb_profile_3", "system", nil, nil))

	// Orphan blob, backdated past retention.
	orphan := DigestOf("orphan content")
	path, created := kb.store.Ensure(orphan, "orphan content")
	require.True(t, created)
	old := time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	removed, err := kb.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := kb.store.Read(orphan)
	assert.False(t, ok)
	referenced := DigestOf(NormalizeText("Referenced document."))
	_, ok = kb.store.Read(referenced)
	assert.True(t, ok)
}

// countingEngine counts Cognify calls to observe debouncing.
type countingEngine struct {
	engine.Engine
	mu    sync.Mutex
	calls int
}

func (c *countingEngine) Cognify(ctx context.Context, datasets []string, user string) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Engine.Cognify(ctx, datasets, user)
}

func (c *countingEngine) cognifyCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestChatDebounceCollapsesProjections(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
	)

	_, client := newTestRedis(t)
	root := t.TempDir()
	counting := &countingEngine{Engine: newTestEngine(t, root)}

	kb, err := New(Options{
		Engine:        counting,
		Redis:         client,
		StoragePath:   root,
		GlobalAlias:   "kb_global",
		User:          "system",
		RetentionDays: 30,
		ChatDebounce:  40 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()

	// The first message after a quiet period projects promptly.
	require.NoError(t, kb.SaveClientMessage(ctx, 11, "user", "What should I eat before training?"))
	assert.Eventually(t, func() bool {
		return counting.cognifyCalls() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A burst inside the window collapses into one more run.
	require.NoError(t, kb.SaveClientMessage(ctx, 11, "assistant", "A light carb-focused meal about an hour before."))
	require.NoError(t, kb.SaveClientMessage(ctx, 11, "user", "And after?"))
	assert.Eventually(t, func() bool {
		return counting.cognifyCalls() == 2
	}, 2*time.Second, 5*time.Millisecond)

	rows, err := kb.Registry().ListEntries(ctx, ChatAlias(11), "system")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.True(t, row.Indexed)
	}

	history := kb.ChatCache().History(ctx, 11, 10)
	require.Len(t, history, 3)
	assert.Equal(t, "user", history[0].Role)

	kb.Close()
	assert.Equal(t, 2, counting.cognifyCalls())
}

func TestChatDebounceProjectsDuringSustainedStream(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
	)

	_, client := newTestRedis(t)
	root := t.TempDir()
	counting := &countingEngine{Engine: newTestEngine(t, root)}

	kb, err := New(Options{
		Engine:        counting,
		Redis:         client,
		StoragePath:   root,
		GlobalAlias:   "kb_global",
		User:          "system",
		RetentionDays: 30,
		ChatDebounce:  60 * time.Millisecond,
	})
	require.NoError(t, err)
	defer kb.Close()

	ctx := context.Background()

	// Messages arriving faster than the window must not starve
	// projection: each armed run fires on schedule instead of being
	// pushed forward by the next message.
	for i := 0; i < 16; i++ {
		require.NoError(t, kb.SaveClientMessage(ctx, 12, "user", fmt.Sprintf("Set %d done, what next?", i)))
		time.Sleep(15 * time.Millisecond)
	}

	// 240ms of traffic with a 60ms window: roughly one run per window,
	// with slack for scheduling jitter.
	assert.Eventually(t, func() bool {
		return counting.cognifyCalls() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}
