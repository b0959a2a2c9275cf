package kb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/engine"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// ProbeError is the typed failure of registry list/metadata fetches.
// Projection probing branches on it instead of crashing the request.
type ProbeError struct {
	Alias  string
	Reason string
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s failed (%s): %v", e.Alias, e.Reason, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

var legacyClientAlias = regexp.MustCompile(`^client_(\d+)$`)

// CanonicalAlias applies the legacy-name rewrite: client_<N> datasets
// were renamed to kb_profile_<N>. Idempotent.
func CanonicalAlias(name string) string {
	if m := legacyClientAlias.FindStringSubmatch(name); m != nil {
		return "kb_profile_" + m[1]
	}
	return name
}

// ProfileAlias returns the document dataset alias for a profile.
func ProfileAlias(profileID int64) string {
	return fmt.Sprintf("kb_profile_%d", profileID)
}

// ChatAlias returns the chat dataset alias for a profile.
func ChatAlias(profileID int64) string {
	return fmt.Sprintf("kb_chat_%d", profileID)
}

// IsChatAlias reports whether the alias names a chat dataset.
func IsChatAlias(alias string) bool {
	return strings.HasPrefix(alias, "kb_chat_")
}

// Registry resolves dataset aliases to the opaque identifiers the
// engine assigns. The engine is the source of truth; the in-process
// maps are populated lazily and survive for the process lifetime.
// The alias to identifier mapping is injective once observed.
type Registry struct {
	engine engine.Engine
	hashes *HashStore

	mu        sync.RWMutex
	aliasToID map[string]string
	idToAlias map[string]string

	setupOnce  sync.Once
	warnedOnce sync.Map
}

// NewRegistry wires a registry over the engine and hash store.
func NewRegistry(eng engine.Engine, hashes *HashStore) *Registry {
	return &Registry{
		engine:    eng,
		hashes:    hashes,
		aliasToID: make(map[string]string),
		idToAlias: make(map[string]string),
	}
}

func (r *Registry) cache(alias, id string) {
	r.mu.Lock()
	r.aliasToID[alias] = id
	r.idToAlias[id] = alias
	r.mu.Unlock()
}

func (r *Registry) cachedID(alias string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.aliasToID[alias]
	return id, ok
}

// AliasForID returns the alias previously observed for an identifier.
func (r *Registry) AliasForID(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alias, ok := r.idToAlias[id]
	return alias, ok
}

// Forget drops the cached mapping for an alias (dataset purge).
func (r *Registry) Forget(alias string) {
	r.mu.Lock()
	if id, ok := r.aliasToID[alias]; ok {
		delete(r.idToAlias, id)
	}
	delete(r.aliasToID, alias)
	r.mu.Unlock()
}

// warnOnce logs a warning for a key at most once per process.
func (r *Registry) warnOnce(key, format string, args ...interface{}) {
	if _, loaded := r.warnedOnce.LoadOrStore(key, struct{}{}); !loaded {
		logging.Get(logging.CategoryRegistry).Warn(format, args...)
	}
}

// runSetupOnce triggers the engine's schema bootstrap exactly once.
func (r *Registry) runSetupOnce(ctx context.Context) {
	r.setupOnce.Do(func() {
		logging.Registry("Engine reported missing database; running setup")
		if err := r.engine.Setup(ctx); err != nil {
			r.warnOnce("setup", "Engine setup failed, continuing degraded: %v", err)
		}
	})
}

// EnsureExists idempotently creates the dataset for the alias and
// populates the identifier maps. Recoverable bootstrap failures are
// swallowed with a log-once warning.
func (r *Registry) EnsureExists(ctx context.Context, alias, user string) error {
	alias = CanonicalAlias(alias)
	if _, ok := r.cachedID(alias); ok {
		return nil
	}

	ds, err := r.engine.DatasetByName(ctx, alias, user, true)
	if errors.Is(err, engine.ErrDatabaseNotCreated) {
		r.runSetupOnce(ctx)
		ds, err = r.engine.DatasetByName(ctx, alias, user, true)
	}
	if err != nil {
		return fmt.Errorf("ensure dataset %s: %w", alias, err)
	}

	r.cache(alias, ds.ID)
	logging.RegistryDebug("Dataset %s resolved to %s", alias, ds.ID)
	return nil
}

// DatasetID returns the identifier for an alias, resolving it through
// the engine when not cached. Returns "" (no error) when the dataset
// does not exist.
func (r *Registry) DatasetID(ctx context.Context, alias, user string) (string, error) {
	alias = CanonicalAlias(alias)
	if id, ok := r.cachedID(alias); ok {
		return id, nil
	}

	ds, err := r.engine.DatasetByName(ctx, alias, user, false)
	if errors.Is(err, engine.ErrDatasetNotFound) {
		return "", nil
	}
	if errors.Is(err, engine.ErrDatabaseNotCreated) {
		r.runSetupOnce(ctx)
		ds, err = r.engine.DatasetByName(ctx, alias, user, false)
		if errors.Is(err, engine.ErrDatasetNotFound) {
			return "", nil
		}
	}
	if err != nil {
		return "", &ProbeError{Alias: alias, Reason: "metadata_fetch", Err: err}
	}

	r.cache(alias, ds.ID)
	return ds.ID, nil
}

// ListEntries fetches every row of the dataset. Fetch failures surface
// as ProbeError; a missing dataset returns (nil, nil).
func (r *Registry) ListEntries(ctx context.Context, alias, user string) ([]engine.Row, error) {
	alias = CanonicalAlias(alias)
	id, err := r.DatasetID(ctx, alias, user)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}

	rows, err := r.engine.ListData(ctx, id, user)
	if err != nil {
		return nil, &ProbeError{Alias: alias, Reason: "list_data", Err: err}
	}
	return rows, nil
}

// RowCount prefers the O(1) hash store cardinality and falls back to
// listing the engine rows when the hash store has nothing.
func (r *Registry) RowCount(ctx context.Context, alias, user string) (int, error) {
	alias = CanonicalAlias(alias)
	if n := r.hashes.Count(ctx, alias); n > 0 {
		return n, nil
	}
	rows, err := r.ListEntries(ctx, alias, user)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
