package kb

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

const (
	blobPrefix = "text_"
	blobSuffix = ".txt"

	// readCacheSize bounds the in-memory cache of recently read blobs.
	readCacheSize = 256
)

// ContentStore owns the on-disk content-addressed text blobs:
// <root>/text_<sha256>.txt, written once via tmp+fsync+rename, read
// many times through a small LRU cache. Legacy MD5-named mirrors are
// readable but never written.
type ContentStore struct {
	root  string
	cache *lru.Cache[string, string]
}

// NewContentStore creates (if needed) and validates the blob root.
func NewContentStore(root string) (*ContentStore, error) {
	if root == "" {
		return nil, fmt.Errorf("content store root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content root %s: %w", root, err)
	}
	// Probe writability up front; a read-only volume should fail boot,
	// not the first ingest.
	probe := filepath.Join(root, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return nil, fmt.Errorf("content root %s is not writable: %w", root, err)
	}
	os.Remove(probe)

	cache, err := lru.New[string, string](readCacheSize)
	if err != nil {
		return nil, err
	}
	logging.Storage("Content store ready at %s", root)
	return &ContentStore{root: root, cache: cache}, nil
}

// Root returns the configured blob root.
func (s *ContentStore) Root() string { return s.root }

// BlobPath returns the canonical path for a digest.
func (s *ContentStore) BlobPath(sha string) string {
	return filepath.Join(s.root, blobPrefix+sha+blobSuffix)
}

// Ensure writes the blob if absent. Returns the blob path and whether
// this call created it. I/O errors are swallowed (logged) and reported
// as ("", false); callers treat the blob as best-effort durable.
func (s *ContentStore) Ensure(sha, text string) (string, bool) {
	path := s.BlobPath(sha)
	if _, err := os.Stat(path); err == nil {
		return path, false
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		logging.Get(logging.CategoryStorage).Error("Blob create failed for %s: %v", sha, err)
		return "", false
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		os.Remove(tmp)
		logging.Get(logging.CategoryStorage).Error("Blob write failed for %s: %v", sha, err)
		return "", false
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		logging.Get(logging.CategoryStorage).Error("Blob fsync failed for %s: %v", sha, err)
		return "", false
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		logging.Get(logging.CategoryStorage).Error("Blob close failed for %s: %v", sha, err)
		return "", false
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		logging.Get(logging.CategoryStorage).Error("Blob rename failed for %s: %v", sha, err)
		return "", false
	}

	s.cache.Add(sha, text)
	logging.StorageDebug("Blob written: %s (%d bytes)", filepath.Base(path), len(text))
	return path, true
}

// Read returns the blob text for a digest, or ("", false) when missing.
func (s *ContentStore) Read(sha string) (string, bool) {
	if text, ok := s.cache.Get(sha); ok {
		return text, true
	}
	data, err := os.ReadFile(s.BlobPath(sha))
	if err != nil {
		return "", false
	}
	text := string(data)
	s.cache.Add(sha, text)
	return text, true
}

// ReadLegacyMD5 reads a legacy MD5-named mirror (text_<md5>.txt).
// These exist from the pre-SHA era; they are never written anew.
func (s *ContentStore) ReadLegacyMD5(md5hex string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.root, blobPrefix+md5hex+blobSuffix))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Remap flattens any absolute path outside the configured root to
// <root>/<basename>. The engine adapter uses it for engine APIs that
// assume a different storage root.
func (s *ContentStore) Remap(path string) string {
	if !filepath.IsAbs(path) {
		return filepath.Join(s.root, path)
	}
	rel, err := filepath.Rel(s.root, path)
	if err == nil && !strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.Join(s.root, filepath.Base(path))
}

// DigestOf computes the SHA-256 content digest of a normalized text.
func DigestOf(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// legacyMD5Of computes the MD5 hex used by legacy mirrors.
func legacyMD5Of(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// isHex reports whether s is exactly n lowercase/uppercase hex chars.
func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
