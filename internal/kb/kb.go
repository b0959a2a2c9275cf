package kb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/engine"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/locks"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// KnowledgeBase is the facade over the KB core. Writers go through
// UpdateDataset / SaveClientMessage, readers through Search, and the
// maintenance operations (rebuild, cleanup, prune) live here too.
type KnowledgeBase struct {
	engine     engine.Engine
	store      *ContentStore
	hashes     *HashStore
	registry   *Registry
	storage    *Storage
	projection *Projection
	search     *SearchService
	chatCache  *ChatCache
	scheduler  *ChatProjectionScheduler
	client     *redis.Client

	globalAlias string
	user        string
	retention   time.Duration
}

// Options configures the facade wiring.
type Options struct {
	Engine            engine.Engine
	Redis             *redis.Client
	StoragePath       string
	GlobalAlias       string
	User              string
	RetentionDays     int
	ChatDebounce      time.Duration
	AggressiveRebuild bool
	MemifyEnabled     bool
}

// New wires the full KB core: content store, hash store, registry,
// storage, projection, search and the chat scheduler.
func New(opts Options) (*KnowledgeBase, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("knowledge base requires an engine")
	}
	if opts.Redis == nil {
		return nil, fmt.Errorf("knowledge base requires a redis client")
	}
	if opts.GlobalAlias == "" {
		opts.GlobalAlias = "kb_global"
	}

	store, err := NewContentStore(opts.StoragePath)
	if err != nil {
		return nil, err
	}

	retention := time.Duration(opts.RetentionDays) * 24 * time.Hour
	hashes := NewHashStore(opts.Redis, retention)
	registry := NewRegistry(opts.Engine, hashes)
	storage := NewStorage(store, hashes, registry)
	lockCache, err := locks.NewLockCache(locks.DefaultLockCacheSize)
	if err != nil {
		return nil, err
	}
	projection := NewProjection(opts.Engine, registry, storage, lockCache, opts.AggressiveRebuild)
	search := NewSearchService(opts.Engine, registry, storage, projection, hashes, opts.Redis, opts.GlobalAlias, opts.MemifyEnabled)
	chatCache := NewChatCache(opts.Redis)
	scheduler := NewChatProjectionScheduler(projection, opts.ChatDebounce, opts.User)

	kb := &KnowledgeBase{
		engine:      opts.Engine,
		store:       store,
		hashes:      hashes,
		registry:    registry,
		storage:     storage,
		projection:  projection,
		search:      search,
		chatCache:   chatCache,
		scheduler:   scheduler,
		client:      opts.Redis,
		globalAlias: opts.GlobalAlias,
		user:        opts.User,
		retention:   retention,
	}
	projection.SetRebuilder(kb)
	return kb, nil
}

// Search exposes the retrieval pipeline.
func (kb *KnowledgeBase) Search(ctx context.Context, query string, profileID int64, opts SearchOptions) ([]Snippet, error) {
	return kb.search.Search(ctx, query, profileID, opts)
}

// SearchService exposes the underlying service (scheduler wiring).
func (kb *KnowledgeBase) SearchService() *SearchService { return kb.search }

// Projection exposes the projection service.
func (kb *KnowledgeBase) Projection() *Projection { return kb.projection }

// Storage exposes the storage service.
func (kb *KnowledgeBase) Storage() *Storage { return kb.storage }

// Registry exposes the dataset registry.
func (kb *KnowledgeBase) Registry() *Registry { return kb.registry }

// ChatCache exposes the conversation cache.
func (kb *KnowledgeBase) ChatCache() *ChatCache { return kb.chatCache }

// Scheduler exposes the chat projection scheduler.
func (kb *KnowledgeBase) Scheduler() *ChatProjectionScheduler { return kb.scheduler }

// GlobalAlias returns the configured global dataset alias.
func (kb *KnowledgeBase) GlobalAlias() string { return kb.globalAlias }

// Close stops background work. Call on shutdown.
func (kb *KnowledgeBase) Close() {
	kb.scheduler.Stop()
}

// UpdateDataset is the single write path: normalize, digest, dedup
// against the hash store, persist the blob, insert into the engine and
// record the hash. A duplicate is a silent no-op.
func (kb *KnowledgeBase) UpdateDataset(ctx context.Context, text, alias, user string, nodeSet []string, metadata map[string]interface{}) error {
	alias = CanonicalAlias(alias)
	text = NormalizeText(text)
	if text == "" {
		return nil
	}
	sha := DigestOf(text)

	if kb.hashes.Contains(ctx, alias, sha) {
		logging.StorageDebug("UpdateDataset(%s): duplicate %s, skipping", alias, sha[:8])
		return nil
	}

	if err := kb.registry.EnsureExists(ctx, alias, user); err != nil {
		return err
	}

	// Blob first: an engine row whose blob is missing is exactly the
	// failure mode the heal path exists for, so avoid creating one.
	kb.store.Ensure(sha, text)

	meta := kb.storage.AugmentMetadata(metadata, alias, sha, text)
	if _, err := kb.engine.Add(ctx, text, alias, user, nodeSet, meta); err != nil {
		return fmt.Errorf("add to dataset %s: %w", alias, err)
	}

	kb.hashes.Add(ctx, alias, sha, meta)
	kb.projection.Invalidate(alias)
	logging.Storage("UpdateDataset(%s): added %s (%d bytes)", alias, sha[:8], len(text))
	return nil
}

// SaveClientMessage records a chat turn: history cache, chat dataset
// write (kind=message) and a debounced projection.
func (kb *KnowledgeBase) SaveClientMessage(ctx context.Context, profileID int64, role, text string) error {
	text = NormalizeText(text)
	if text == "" {
		return nil
	}

	kb.chatCache.Append(ctx, profileID, ChatMessage{Role: role, Text: text})

	alias := ChatAlias(profileID)
	meta := map[string]interface{}{
		MetaKind: KindMessage,
		MetaRole: role,
	}
	if err := kb.UpdateDataset(ctx, text, alias, kb.user, nil, meta); err != nil {
		return err
	}

	kb.scheduler.Queue(alias)
	return nil
}

// ProcessDataset ensures the dataset exists and drives it to a
// projected state. Used after bulk loads.
func (kb *KnowledgeBase) ProcessDataset(ctx context.Context, alias string, timeout time.Duration) Status {
	alias = CanonicalAlias(alias)
	if err := kb.registry.EnsureExists(ctx, alias, kb.user); err != nil {
		logging.Get(logging.CategoryProjection).Error("ProcessDataset(%s): %v", alias, err)
		return StatusFatalError
	}
	kb.projection.Invalidate(alias)
	return kb.projection.EnsureProjected(ctx, alias, kb.user, timeout)
}

// RebuildDataset restores a dataset from durable remains: blobs on
// disk are re-registered, hash store records re-ingested through the
// normal write path, then the index is projected. Implements the
// projection escalation path.
func (kb *KnowledgeBase) RebuildDataset(ctx context.Context, alias, user string) error {
	alias = CanonicalAlias(alias)
	timer := logging.StartTimer(logging.CategoryStorage, "RebuildDataset("+alias+")")
	defer timer.Stop()

	if user == "" {
		user = kb.user
	}

	// Global dataset blobs live in the shared root; only the global
	// rebuild may claim unowned disk blobs.
	if alias == kb.globalAlias {
		kb.storage.RebuildFromDisk(ctx, alias)
	}

	res := kb.storage.ReingestFromHashStore(ctx, alias, user, nil, kb)
	logging.Storage("RebuildDataset(%s): restored=%d skipped=%d removed=%d", alias, res.Restored, res.Skipped, res.Removed)

	kb.projection.Invalidate(alias)
	return kb.projection.Project(ctx, alias, user, false)
}

// RebuildProfile rebuilds both datasets of a profile.
func (kb *KnowledgeBase) RebuildProfile(ctx context.Context, profileID int64) error {
	if err := kb.RebuildDataset(ctx, ProfileAlias(profileID), kb.user); err != nil {
		return err
	}
	return kb.RebuildDataset(ctx, ChatAlias(profileID), kb.user)
}

// CleanupProfile deletes both profile datasets from the engine, clears
// the hash store and chat caches and forgets registry mappings. Blobs
// stay on disk; the global dataset may still reference their content.
func (kb *KnowledgeBase) CleanupProfile(ctx context.Context, profileID int64) error {
	for _, alias := range []string{ProfileAlias(profileID), ChatAlias(profileID)} {
		id, err := kb.registry.DatasetID(ctx, alias, kb.user)
		if err != nil {
			return err
		}
		if id != "" {
			if err := kb.engine.DeleteDataset(ctx, id); err != nil {
				return fmt.Errorf("delete dataset %s: %w", alias, err)
			}
		}
		kb.hashes.Clear(ctx, alias)
		kb.registry.Forget(alias)
		kb.projection.Invalidate(alias)
	}

	keys := []string{
		fmt.Sprintf(chatHistoryKeyFmt, profileID),
		fmt.Sprintf(chatLanguageKeyFmt, profileID),
		fmt.Sprintf(profileSyncKeyFmt, profileID),
	}
	if err := kb.client.Del(ctx, keys...).Err(); err != nil {
		logging.Get(logging.CategoryChat).Warn("cleanup caches for profile %d failed: %v", profileID, err)
	}

	logging.Storage("CleanupProfile(%d): done", profileID)
	return nil
}

// Prune removes orphaned blobs: files older than the retention window
// that no hash store set references. Returns how many were deleted.
func (kb *KnowledgeBase) Prune(ctx context.Context) (int, error) {
	timer := logging.StartTimer(logging.CategoryStorage, "Prune")
	defer timer.Stop()

	referenced := make(map[string]struct{})
	for _, alias := range kb.hashes.ListAllDatasets(ctx) {
		for _, sha := range kb.hashes.List(ctx, alias) {
			referenced[sha] = struct{}{}
		}
	}

	entries, err := os.ReadDir(kb.store.Root())
	if err != nil {
		return 0, fmt.Errorf("prune: read blob root: %w", err)
	}

	cutoff := time.Now().Add(-kb.retention)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, blobPrefix) || !strings.HasSuffix(name, blobSuffix) {
			continue
		}
		digest := strings.TrimSuffix(strings.TrimPrefix(name, blobPrefix), blobSuffix)
		if _, ok := referenced[digest]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(kb.store.BlobPath(digest)); err == nil {
			removed++
		}
	}

	logging.Storage("Prune: %d orphaned blobs removed (retention %s)", removed, kb.retention)
	return removed, nil
}

// MemifyProfile runs the engine's consolidation pass over the profile's
// datasets. Engines without the capability treat it as a no-op.
func (kb *KnowledgeBase) MemifyProfile(ctx context.Context, profileID int64) error {
	return kb.engine.Memify(ctx, []string{ProfileAlias(profileID), ChatAlias(profileID)}, kb.user)
}

// Sanitize runs the one-time MD5 to SHA hash store migration.
func (kb *KnowledgeBase) Sanitize(ctx context.Context) (converted, removed int) {
	return kb.storage.SanitizeHashStore(ctx)
}
