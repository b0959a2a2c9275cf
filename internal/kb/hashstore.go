package kb

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// Redis key prefixes for the dedup hash store.
const (
	hashSetPrefix  = "cognee_hashes:"
	hashMetaPrefix = "cognee_hash_meta:"
)

// HashStore keeps, per dataset alias, the set of content digests the
// dataset is known to contain plus a parallel metadata hash. It exists
// for O(1) dedup probes and for loss-recovery of in-index documents.
// Everything is best-effort: transport failures are logged and
// swallowed, and callers must tolerate a false "not contained".
type HashStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewHashStore creates a hash store whose keys live for ttl
// (the retention window; refreshed on every Add).
func NewHashStore(client *redis.Client, ttl time.Duration) *HashStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &HashStore{client: client, ttl: ttl}
}

func (h *HashStore) setKey(alias string) string  { return hashSetPrefix + alias }
func (h *HashStore) metaKey(alias string) string { return hashMetaPrefix + alias }

// Contains reports whether the dataset is known to hold the digest.
func (h *HashStore) Contains(ctx context.Context, alias, sha string) bool {
	ok, err := h.client.SIsMember(ctx, h.setKey(alias), sha).Result()
	if err != nil {
		logging.Get(logging.CategoryStorage).Error("HashStore contains(%s) failed: %v", alias, err)
		return false
	}
	return ok
}

// Add records the digest for the dataset, refreshes both key TTLs and,
// when metadata is provided, stores it in the parallel hash.
func (h *HashStore) Add(ctx context.Context, alias, sha string, metadata map[string]interface{}) {
	pipe := h.client.Pipeline()
	pipe.SAdd(ctx, h.setKey(alias), sha)
	pipe.Expire(ctx, h.setKey(alias), h.ttl)
	if metadata != nil {
		if data, err := json.Marshal(metadata); err == nil {
			pipe.HSet(ctx, h.metaKey(alias), sha, string(data))
		}
	}
	pipe.Expire(ctx, h.metaKey(alias), h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Get(logging.CategoryStorage).Error("HashStore add(%s, %s) failed: %v", alias, sha[:minInt(8, len(sha))], err)
	}
}

// Metadata returns the stored metadata for the digest, or nil when
// absent or undecodable.
func (h *HashStore) Metadata(ctx context.Context, alias, sha string) map[string]interface{} {
	raw, err := h.client.HGet(ctx, h.metaKey(alias), sha).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		logging.Get(logging.CategoryStorage).Error("HashStore metadata(%s) failed: %v", alias, err)
		return nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		logging.Get(logging.CategoryStorage).Warn("HashStore metadata(%s, %s) undecodable: %v", alias, sha, err)
		return nil
	}
	return meta
}

// List returns every digest recorded for the dataset.
func (h *HashStore) List(ctx context.Context, alias string) []string {
	members, err := h.client.SMembers(ctx, h.setKey(alias)).Result()
	if err != nil {
		logging.Get(logging.CategoryStorage).Error("HashStore list(%s) failed: %v", alias, err)
		return nil
	}
	return members
}

// Count returns the number of digests recorded for the dataset.
func (h *HashStore) Count(ctx context.Context, alias string) int {
	n, err := h.client.SCard(ctx, h.setKey(alias)).Result()
	if err != nil {
		logging.Get(logging.CategoryStorage).Error("HashStore count(%s) failed: %v", alias, err)
		return 0
	}
	return int(n)
}

// Remove drops one digest and its metadata.
func (h *HashStore) Remove(ctx context.Context, alias, sha string) {
	pipe := h.client.Pipeline()
	pipe.SRem(ctx, h.setKey(alias), sha)
	pipe.HDel(ctx, h.metaKey(alias), sha)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Get(logging.CategoryStorage).Error("HashStore remove(%s, %s) failed: %v", alias, sha, err)
	}
}

// Clear forgets the whole dataset.
func (h *HashStore) Clear(ctx context.Context, alias string) {
	if err := h.client.Del(ctx, h.setKey(alias), h.metaKey(alias)).Err(); err != nil {
		logging.Get(logging.CategoryStorage).Error("HashStore clear(%s) failed: %v", alias, err)
	}
}

// ListAllDatasets returns every alias with a hash set, via SCAN.
func (h *HashStore) ListAllDatasets(ctx context.Context) []string {
	var aliases []string
	iter := h.client.Scan(ctx, 0, hashSetPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		aliases = append(aliases, strings.TrimPrefix(iter.Val(), hashSetPrefix))
	}
	if err := iter.Err(); err != nil {
		logging.Get(logging.CategoryStorage).Error("HashStore list_all_datasets failed: %v", err)
	}
	return aliases
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
