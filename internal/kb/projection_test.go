package kb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureProjectedEmptyDataset(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()

	require.NoError(t, kb.Registry().EnsureExists(ctx, "kb_profile_20", "system"))

	status := kb.Projection().EnsureProjected(ctx, "kb_profile_20", "system", time.Second)
	assert.Equal(t, StatusReadyEmpty, status)
	assert.True(t, kb.Projection().IsProjected("kb_profile_20"))
}

func TestEnsureProjectedAfterWrite(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()

	require.NoError(t, kb.UpdateDataset(ctx, "Hydration guidance for training days.", "kb_profile_21", "system", nil, nil))
	assert.False(t, kb.Projection().IsProjected("kb_profile_21"), "writes invalidate")

	status := kb.Projection().EnsureProjected(ctx, "kb_profile_21", "system", 5*time.Second)
	assert.Equal(t, StatusReady, status)

	rows, err := kb.Registry().ListEntries(ctx, "kb_profile_21", "system")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Indexed)
}

func TestEnsureProjectedHealsMissingBlob(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()

	text := NormalizeText("Mobility routine for rest days.")
	require.NoError(t, kb.UpdateDataset(ctx, text, "kb_profile_22", "system", nil, nil))

	// Simulate blob loss between write and projection: cognify trips over
	// the missing file, the heal path recreates it from the engine row.
	require.NoError(t, os.Remove(kb.store.BlobPath(DigestOf(text))))

	status := kb.Projection().EnsureProjected(ctx, "kb_profile_22", "system", 5*time.Second)
	assert.Equal(t, StatusReady, status)

	_, ok := kb.store.Read(DigestOf(text))
	assert.True(t, ok, "blob restored during projection")
}

func TestProbeReasons(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()
	p := kb.Projection()

	// Fresh dataset with no rows.
	ready, reason := p.Probe(ctx, "kb_profile_23", "system")
	assert.False(t, ready)
	assert.Equal(t, ReasonNoRows, reason)

	// Unindexed rows pending projection.
	require.NoError(t, kb.UpdateDataset(ctx, "Some document.", "kb_profile_23", "system", nil, nil))
	ready, reason = p.Probe(ctx, "kb_profile_23", "system")
	assert.False(t, ready)
	assert.Equal(t, ReasonPending, reason)

	// Projected dataset reads ready.
	require.NoError(t, p.Project(ctx, "kb_profile_23", "system", false))
	ready, reason = p.Probe(ctx, "kb_profile_23", "system")
	assert.True(t, ready)
	assert.Equal(t, ReasonReady, reason)
}

func TestProjectedSetStickyUntilInvalidated(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()
	p := kb.Projection()

	require.NoError(t, kb.UpdateDataset(ctx, "First document.", "kb_profile_24", "system", nil, nil))
	require.Equal(t, StatusReady, p.EnsureProjected(ctx, "kb_profile_24", "system", 5*time.Second))
	assert.True(t, p.IsProjected("kb_profile_24"))

	// A new write drops the alias from the projected set.
	require.NoError(t, kb.UpdateDataset(ctx, "Second document.", "kb_profile_24", "system", nil, nil))
	assert.False(t, p.IsProjected("kb_profile_24"))

	require.Equal(t, StatusReady, p.EnsureProjected(ctx, "kb_profile_24", "system", 5*time.Second))
	assert.True(t, p.IsProjected("kb_profile_24"))
}

func TestRebuildDatasetRestoresFromHashStore(t *testing.T) {
	kb, _ := newTestKB(t)
	ctx := context.Background()

	text := NormalizeText("Document that survives an index wipe.")
	require.NoError(t, kb.UpdateDataset(ctx, text, ProfileAlias(30), "system", nil, nil))
	require.Equal(t, StatusReady, kb.Projection().EnsureProjected(ctx, ProfileAlias(30), "system", 5*time.Second))

	// Wipe the engine dataset; blob and hash store survive.
	id, err := kb.Registry().DatasetID(ctx, ProfileAlias(30), "system")
	require.NoError(t, err)
	require.NoError(t, kb.engine.DeleteDataset(ctx, id))
	kb.Registry().Forget(ProfileAlias(30))
	kb.Projection().Invalidate(ProfileAlias(30))

	require.NoError(t, kb.RebuildDataset(ctx, ProfileAlias(30), "system"))

	rows, err := kb.Registry().ListEntries(ctx, ProfileAlias(30), "system")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, text, rows[0].Text)
	assert.True(t, rows[0].Indexed)
}
