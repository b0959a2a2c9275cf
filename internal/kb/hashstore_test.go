package kb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashStoreAddContains(t *testing.T) {
	_, client := newTestRedis(t)
	h := NewHashStore(client, time.Hour)
	ctx := context.Background()

	sha := DigestOf("some text")
	assert.False(t, h.Contains(ctx, "kb_profile_1", sha))

	h.Add(ctx, "kb_profile_1", sha, map[string]interface{}{MetaKind: KindDocument})
	assert.True(t, h.Contains(ctx, "kb_profile_1", sha))
	assert.False(t, h.Contains(ctx, "kb_profile_2", sha), "digest sets are per dataset")

	meta := h.Metadata(ctx, "kb_profile_1", sha)
	require.NotNil(t, meta)
	assert.Equal(t, KindDocument, meta[MetaKind])
}

func TestHashStoreCountListRemove(t *testing.T) {
	_, client := newTestRedis(t)
	h := NewHashStore(client, time.Hour)
	ctx := context.Background()

	shas := []string{DigestOf("a"), DigestOf("b"), DigestOf("c")}
	for _, sha := range shas {
		h.Add(ctx, "kb_global", sha, nil)
	}
	assert.Equal(t, 3, h.Count(ctx, "kb_global"))
	assert.ElementsMatch(t, shas, h.List(ctx, "kb_global"))

	h.Remove(ctx, "kb_global", shas[0])
	assert.Equal(t, 2, h.Count(ctx, "kb_global"))
	assert.False(t, h.Contains(ctx, "kb_global", shas[0]))
}

func TestHashStoreExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	h := NewHashStore(client, time.Minute)
	ctx := context.Background()

	sha := DigestOf("ephemeral")
	h.Add(ctx, "kb_profile_9", sha, nil)
	require.True(t, h.Contains(ctx, "kb_profile_9", sha))

	mr.FastForward(2 * time.Minute)
	assert.False(t, h.Contains(ctx, "kb_profile_9", sha))
	assert.Equal(t, 0, h.Count(ctx, "kb_profile_9"))
}

func TestHashStoreListAllDatasets(t *testing.T) {
	_, client := newTestRedis(t)
	h := NewHashStore(client, time.Hour)
	ctx := context.Background()

	h.Add(ctx, "kb_profile_1", DigestOf("x"), nil)
	h.Add(ctx, "kb_chat_1", DigestOf("y"), nil)
	h.Add(ctx, "kb_global", DigestOf("z"), nil)

	assert.ElementsMatch(t, []string{"kb_profile_1", "kb_chat_1", "kb_global"}, h.ListAllDatasets(ctx))
}

func TestHashStoreTransportFailureDegrades(t *testing.T) {
	mr, client := newTestRedis(t)
	h := NewHashStore(client, time.Hour)
	ctx := context.Background()

	sha := DigestOf("doc")
	h.Add(ctx, "kb_profile_1", sha, nil)
	mr.Close()

	// Broken transport must read as "not contained", never panic.
	assert.False(t, h.Contains(ctx, "kb_profile_1", sha))
	assert.Equal(t, 0, h.Count(ctx, "kb_profile_1"))
	assert.Nil(t, h.List(ctx, "kb_profile_1"))
}
