package kb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/engine"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// DocumentWriter is the slice of the KB facade the storage service
// needs for re-ingestion. Breaking the cycle with an interface keeps
// storage free of a facade back-pointer.
type DocumentWriter interface {
	UpdateDataset(ctx context.Context, text, alias, user string, nodeSet []string, metadata map[string]interface{}) error
}

// RebuildResult summarizes a reingest pass.
type RebuildResult struct {
	Restored int
	Skipped  int
	Removed  int
}

// Storage keeps the hash store, the content store and the engine
// dataset in agreement: digesting, metadata stamping, healing missing
// blobs, rebuilding from disk and re-ingesting from the hash store.
type Storage struct {
	store    *ContentStore
	hashes   *HashStore
	registry *Registry

	warnedOnce sync.Map
}

// NewStorage wires the storage service.
func NewStorage(store *ContentStore, hashes *HashStore, registry *Registry) *Storage {
	return &Storage{store: store, hashes: hashes, registry: registry}
}

// Digest computes the SHA-256 content digest of a normalized text.
func (s *Storage) Digest(text string) string { return DigestOf(text) }

func (s *Storage) warnOnce(key, format string, args ...interface{}) {
	if _, loaded := s.warnedOnce.LoadOrStore(key, struct{}{}); !loaded {
		logging.Get(logging.CategoryStorage).Warn(format, args...)
	}
}

// AugmentMetadata stamps the dataset, digest, size and preview onto
// caller-supplied metadata, defaulting kind to document.
func (s *Storage) AugmentMetadata(extra map[string]interface{}, alias, sha, text string) map[string]interface{} {
	meta := make(map[string]interface{}, len(extra)+5)
	for k, v := range extra {
		meta[k] = v
	}
	meta[MetaDataset] = alias
	meta[MetaDigest] = sha
	meta[MetaBytes] = len(text)
	meta[MetaPreview] = previewOf(text)
	if _, ok := meta[MetaKind]; !ok {
		meta[MetaKind] = KindDocument
	}
	return meta
}

// Heal makes sure every entry has its blob on disk and a hash store
// record. When entries is nil the engine rows are listed. Returns how
// many blobs were found missing and how many were recreated.
func (s *Storage) Heal(ctx context.Context, alias, user string, entries []engine.Row, reason string) (missing, healed int) {
	timer := logging.StartTimer(logging.CategoryStorage, "Heal")
	defer timer.Stop()

	if entries == nil {
		var err error
		entries, err = s.registry.ListEntries(ctx, alias, user)
		if err != nil {
			logging.Get(logging.CategoryStorage).Error("Heal(%s) could not list entries: %v", alias, err)
			return 0, 0
		}
	}

	for _, row := range entries {
		text := row.Text
		if strings.TrimSpace(text) == "" {
			continue
		}
		sha := metaString(row.Metadata, MetaDigest)
		if sha == "" {
			sha = DigestOf(NormalizeText(text))
		}

		if _, err := os.Stat(s.store.BlobPath(sha)); err != nil {
			missing++
			if _, created := s.store.Ensure(sha, text); created {
				healed++
			}
		}
		if !s.hashes.Contains(ctx, alias, sha) {
			meta := row.Metadata
			if meta == nil {
				meta = s.AugmentMetadata(nil, alias, sha, text)
			}
			s.hashes.Add(ctx, alias, sha, meta)
		}
	}

	if missing > 0 {
		logging.Storage("Heal(%s, reason=%s): %d blobs missing, %d recreated", alias, reason, missing, healed)
	}
	return missing, healed
}

// RebuildFromDisk scans the blob root for text_<sha256>.txt files,
// validates that the filename digest matches the content and
// re-registers valid blobs into the hash store. Mismatched files are
// skipped with a warning; legacy MD5-named files are ignored.
func (s *Storage) RebuildFromDisk(ctx context.Context, alias string) (created, linked int) {
	timer := logging.StartTimer(logging.CategoryStorage, "RebuildFromDisk")
	defer timer.Stop()

	entries, err := os.ReadDir(s.store.Root())
	if err != nil {
		logging.Get(logging.CategoryStorage).Error("RebuildFromDisk(%s): cannot read root: %v", alias, err)
		return 0, 0
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, blobPrefix) || !strings.HasSuffix(name, blobSuffix) {
			continue
		}
		digest := strings.TrimSuffix(strings.TrimPrefix(name, blobPrefix), blobSuffix)
		if isHex(digest, 32) {
			s.warnOnce("md5:"+digest, "RebuildFromDisk: ignoring legacy MD5 blob %s", name)
			continue
		}
		if !isHex(digest, 64) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.store.Root(), name))
		if err != nil {
			continue
		}
		if DigestOf(string(data)) != digest {
			s.warnOnce("shamismatch:"+digest, "RebuildFromDisk: %s content does not match its digest, skipping", name)
			continue
		}

		if s.hashes.Contains(ctx, alias, digest) {
			linked++
			continue
		}
		meta := s.AugmentMetadata(nil, alias, digest, string(data))
		s.hashes.Add(ctx, alias, digest, meta)
		created++
	}

	logging.Storage("RebuildFromDisk(%s): %d registered, %d already linked", alias, created, linked)
	return created, linked
}

// ReingestFromHashStore restores engine documents from hash store
// records: for each digest the text is recovered (canonical blob or
// legacy MD5 mirror) and re-inserted through the KB facade. Message
// entries are skipped (chat history lives in its own cache); records
// whose text cannot be recovered are dropped from the hash store.
func (s *Storage) ReingestFromHashStore(ctx context.Context, alias, user string, digests []string, writer DocumentWriter) RebuildResult {
	timer := logging.StartTimer(logging.CategoryStorage, "ReingestFromHashStore")
	defer timer.Stop()

	if digests == nil {
		digests = s.hashes.List(ctx, alias)
	}

	var res RebuildResult
	for _, sha := range digests {
		meta := s.hashes.Metadata(ctx, alias, sha)
		if metaString(meta, MetaKind) == KindMessage {
			res.Skipped++
			continue
		}

		text, ok := s.store.Read(sha)
		if !ok {
			// Legacy era stored an MD5 mirror; the metadata carries it.
			if md5hex := metaString(meta, "digest_md5"); md5hex != "" {
				text, ok = s.store.ReadLegacyMD5(md5hex)
			}
		}
		if !ok {
			// Records migrated from another deployment point at that
			// filesystem; flatten the path into our root and try there.
			if p := metaString(meta, MetaPath); p != "" {
				if data, err := os.ReadFile(s.store.Remap(p)); err == nil {
					text, ok = string(data), true
				}
			}
		}
		if !ok || strings.TrimSpace(text) == "" {
			s.warnOnce("stale:"+sha, "Reingest(%s): text for %s unrecoverable, dropping stale entry", alias, sha)
			s.hashes.Remove(ctx, alias, sha)
			res.Removed++
			continue
		}

		// The write path dedups against the hash store, so the record is
		// dropped first and restored if the re-insert fails.
		s.hashes.Remove(ctx, alias, sha)
		if err := writer.UpdateDataset(ctx, text, alias, user, nil, meta); err != nil {
			logging.Get(logging.CategoryStorage).Error("Reingest(%s): update_dataset failed for %s: %v", alias, sha, err)
			s.hashes.Add(ctx, alias, sha, meta)
			res.Skipped++
			continue
		}
		res.Restored++
	}

	logging.Storage("Reingest(%s): restored=%d skipped=%d removed=%d", alias, res.Restored, res.Skipped, res.Removed)
	return res
}

// SanitizeHashStore is a one-time migration pass: entries keyed by a
// 32-hex MD5 are converted to their SHA when the content is still
// recoverable, otherwise removed.
func (s *Storage) SanitizeHashStore(ctx context.Context) (converted, removed int) {
	for _, alias := range s.hashes.ListAllDatasets(ctx) {
		for _, key := range s.hashes.List(ctx, alias) {
			if !isHex(key, 32) {
				continue
			}
			meta := s.hashes.Metadata(ctx, alias, key)
			text, ok := s.store.ReadLegacyMD5(key)
			if !ok {
				s.hashes.Remove(ctx, alias, key)
				removed++
				continue
			}
			sha := DigestOf(NormalizeText(text))
			s.store.Ensure(sha, NormalizeText(text))
			if meta == nil {
				meta = s.AugmentMetadata(nil, alias, sha, text)
			} else {
				meta[MetaDigest] = sha
			}
			s.hashes.Add(ctx, alias, sha, meta)
			s.hashes.Remove(ctx, alias, key)
			converted++
		}
	}
	if converted+removed > 0 {
		logging.Storage("SanitizeHashStore: %d converted, %d removed", converted, removed)
	}
	return converted, removed
}
