package kb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/engine"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

const (
	// profileSyncKeyFmt guards background profile syncs across workers.
	profileSyncKeyFmt = "ai_coach:profile_sync:%d"
	profileSyncTTL    = 600 * time.Second

	// defaultTopK caps search results when the caller does not.
	defaultTopK = 8

	// globalWarmupTimeout bounds how long a search waits for the global
	// dataset before dropping it from the candidate list.
	globalWarmupTimeout = 300 * time.Millisecond

	// datasetEnsureTimeout bounds per-dataset projection inside a search.
	datasetEnsureTimeout = 2 * time.Second

	// emptyRetryDelay is the pause before the one retry without session.
	emptyRetryDelay = 250 * time.Millisecond
)

// SearchOptions tunes one search call. Zero values take defaults.
type SearchOptions struct {
	TopK      int
	Datasets  []string
	User      string
	RequestID string
}

// TaskScheduler is the slice of the task layer search uses to kick off
// background profile syncs and memify passes.
type TaskScheduler interface {
	ScheduleProfileSync(profileID int64)
	ScheduleProfileMemify(profileID int64)
}

// SearchService fans a query out over the profile's candidate datasets,
// warms up the global dataset, falls back to raw engine listings when
// projection is not ready and assembles deduplicated snippets.
type SearchService struct {
	engine     engine.Engine
	registry   *Registry
	storage    *Storage
	projection *Projection
	hashes     *HashStore
	client     *redis.Client

	globalAlias   string
	scheduler     TaskScheduler
	memifyEnabled bool

	warnedOnce sync.Map
}

// NewSearchService wires the search service.
func NewSearchService(eng engine.Engine, registry *Registry, storage *Storage, projection *Projection, hashes *HashStore, client *redis.Client, globalAlias string, memifyEnabled bool) *SearchService {
	return &SearchService{
		engine:        eng,
		registry:      registry,
		storage:       storage,
		projection:    projection,
		hashes:        hashes,
		client:        client,
		globalAlias:   globalAlias,
		memifyEnabled: memifyEnabled,
	}
}

// SetScheduler attaches the background task scheduler (optional).
func (s *SearchService) SetScheduler(ts TaskScheduler) { s.scheduler = ts }

func (s *SearchService) warnOnce(key, format string, args ...interface{}) {
	if _, loaded := s.warnedOnce.LoadOrStore(key, struct{}{}); !loaded {
		logging.Get(logging.CategorySearch).Warn(format, args...)
	}
}

// SessionID derives the deterministic engine session for a profile.
func SessionID(profileID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("gymai://profile/%d", profileID))).String()
}

// Search runs the full retrieval pipeline for a profile query.
func (s *SearchService) Search(ctx context.Context, query string, profileID int64, opts SearchOptions) ([]Snippet, error) {
	timer := logging.StartTimer(logging.CategorySearch, "Search")
	defer timer.StopWithThreshold(3 * time.Second)

	query = strings.TrimSpace(query)
	if query == "" {
		return []Snippet{}, nil
	}
	k := opts.TopK
	if k <= 0 {
		k = defaultTopK
	}

	rl := logging.WithRequestID(logging.CategorySearch, opts.RequestID).
		WithField("profile", profileID)
	rl.Debug("search %q (k=%d)", query, k)

	// Candidate datasets: caller-supplied or the profile default trio.
	// Copied so canonicalization and the warm-up filter never touch the
	// caller's slice.
	candidates := make([]string, 0, len(opts.Datasets)+3)
	if len(opts.Datasets) == 0 {
		candidates = append(candidates, ProfileAlias(profileID), ChatAlias(profileID), s.globalAlias)
	} else {
		candidates = append(candidates, opts.Datasets...)
	}
	for i, alias := range candidates {
		candidates[i] = CanonicalAlias(alias)
	}

	// Warm up the global dataset with a short budget; drop it from this
	// call when not ready rather than stalling the request.
	candidates = s.warmupGlobal(ctx, candidates, opts.User)

	for _, alias := range candidates {
		if err := s.registry.EnsureExists(ctx, alias, opts.User); err != nil {
			logging.Get(logging.CategorySearch).Warn("ensure_exists(%s) failed: %v", alias, err)
		}
	}

	s.scheduleProfileSync(ctx, profileID)

	sessionID := SessionID(profileID)
	snippets, err := s.searchSingleQuery(ctx, query, candidates, opts.User, sessionID, k)
	if err != nil {
		return nil, err
	}

	snippets = dedupeSnippets(snippets)
	if len(snippets) > k {
		snippets = snippets[:k]
	}

	s.scheduleMemify(ctx, profileID)

	rl.Debug("search done: %d snippets", len(snippets))
	return snippets, nil
}

// warmupGlobal gives the global dataset a short projection window and
// removes it from candidates when it cannot become ready in time.
func (s *SearchService) warmupGlobal(ctx context.Context, candidates []string, user string) []string {
	out := candidates[:0]
	for _, alias := range candidates {
		if alias != s.globalAlias || s.projection.IsProjected(alias) {
			out = append(out, alias)
			continue
		}
		status := s.projection.EnsureProjected(ctx, alias, user, globalWarmupTimeout)
		if status == StatusReady || status == StatusReadyEmpty {
			out = append(out, alias)
			continue
		}
		s.warnOnce("warmup:"+alias, "global dataset %s not ready (%s), dropping from this call", alias, status)
	}
	return out
}

// scheduleProfileSync kicks a background profile sync at most once per
// TTL window across all workers (Redis NX key).
func (s *SearchService) scheduleProfileSync(ctx context.Context, profileID int64) {
	if s.scheduler == nil {
		return
	}
	key := fmt.Sprintf(profileSyncKeyFmt, profileID)
	ok, err := s.client.SetNX(ctx, key, "1", profileSyncTTL).Result()
	if err != nil {
		logging.Get(logging.CategorySearch).Error("profile sync gate failed: %v", err)
		return
	}
	if ok {
		s.scheduler.ScheduleProfileSync(profileID)
	}
}

// scheduleMemify schedules the optional memify pass behind its own
// dedup key. Opt-in via config.
func (s *SearchService) scheduleMemify(ctx context.Context, profileID int64) {
	if !s.memifyEnabled || s.scheduler == nil {
		return
	}
	key := fmt.Sprintf("memify:profile:%d", profileID)
	ok, err := s.client.SetNX(ctx, key, "1", profileSyncTTL).Result()
	if err != nil || !ok {
		return
	}
	s.scheduler.ScheduleProfileMemify(profileID)
}

// searchSingleQuery resolves readiness per dataset, runs the engine
// search over the ready ones, and falls back to direct listings when
// nothing is ready but rows exist.
func (s *SearchService) searchSingleQuery(ctx context.Context, query string, candidates []string, user, sessionID string, k int) ([]Snippet, error) {
	var ready []string
	var idsReady []string
	hadPotentialRows := false

	for _, alias := range candidates {
		count, err := s.registry.RowCount(ctx, alias, user)
		if err != nil {
			logging.Get(logging.CategorySearch).Warn("row count for %s failed: %v", alias, err)
			continue
		}
		if count == 0 {
			logging.SearchDebug("skip_no_rows dataset=%s", alias)
			continue
		}
		hadPotentialRows = true

		if !s.projection.IsProjected(alias) {
			status := s.projection.EnsureProjected(ctx, alias, user, datasetEnsureTimeout)
			if status != StatusReady && status != StatusReadyEmpty {
				logging.SearchDebug("dataset %s not ready (%s)", alias, status)
				continue
			}
			if status == StatusReadyEmpty {
				continue
			}
		}

		id, err := s.registry.DatasetID(ctx, alias, user)
		if err != nil || id == "" {
			continue
		}
		ready = append(ready, alias)
		idsReady = append(idsReady, id)
	}

	if len(ready) == 0 {
		if hadPotentialRows {
			logging.Search("no ready datasets, serving fallback entries")
			return s.fallbackDatasetEntries(ctx, candidates, user, k), nil
		}
		return []Snippet{}, nil
	}

	rows, err := s.engine.Search(ctx, engine.SearchParams{
		Query:     query,
		Datasets:  idsReady,
		User:      user,
		QueryType: engine.GraphCompletionContextExtension,
		SessionID: sessionID,
		TopK:      k,
	})
	if err != nil {
		return nil, fmt.Errorf("engine search failed: %w", err)
	}

	// An empty result with a session can mean session-scoped filtering;
	// retry once without it after a short pause.
	if len(rows) == 0 && sessionID != "" {
		time.Sleep(emptyRetryDelay)
		rows, err = s.engine.Search(ctx, engine.SearchParams{
			Query:     query,
			Datasets:  idsReady,
			User:      user,
			QueryType: engine.GraphCompletionContextExtension,
			TopK:      k,
		})
		if err != nil {
			return nil, fmt.Errorf("engine search retry failed: %w", err)
		}
	}

	return s.assembleSnippets(ctx, rows, candidates), nil
}

// fallbackDatasetEntries reads documents straight from the engine
// listings, skipping chat messages, capped at k.
func (s *SearchService) fallbackDatasetEntries(ctx context.Context, candidates []string, user string, k int) []Snippet {
	var out []Snippet
	for _, alias := range candidates {
		rows, err := s.registry.ListEntries(ctx, alias, user)
		if err != nil {
			continue
		}
		for _, row := range rows {
			if len(out) >= k {
				return out
			}
			kind := metaString(row.Metadata, MetaKind)
			if kind == KindMessage {
				continue
			}
			text := strings.TrimSpace(row.Text)
			if text == "" {
				continue
			}
			out = append(out, Snippet{Text: text, Dataset: alias, Kind: snippetKind(kind)})
		}
	}
	return out
}

// assembleSnippets maps engine rows to snippets: dataset resolution via
// metadata, then hash store lookup across candidates; missing metadata
// is stamped and written through into the hash store.
func (s *SearchService) assembleSnippets(ctx context.Context, rows []engine.Row, candidates []string) []Snippet {
	var out []Snippet
	for _, row := range rows {
		text := strings.TrimSpace(row.Text)
		if text == "" {
			continue
		}

		alias := metaString(row.Metadata, MetaDataset)
		kind := metaString(row.Metadata, MetaKind)
		digest := metaString(row.Metadata, MetaDigest)
		if digest == "" {
			digest = DigestOf(NormalizeText(text))
		}

		if alias == "" {
			// Dataset not stamped; first hash store hit wins.
			for _, candidate := range candidates {
				if s.hashes.Contains(ctx, candidate, digest) {
					alias = candidate
					if kind == "" {
						kind = metaString(s.hashes.Metadata(ctx, candidate, digest), MetaKind)
					}
					break
				}
			}
		}

		if alias != "" {
			// Write-through: repair the hash store record if the row
			// arrived with richer metadata than we stored.
			if !s.hashes.Contains(ctx, alias, digest) || metaString(s.hashes.Metadata(ctx, alias, digest), MetaKind) == "" {
				meta := s.storage.AugmentMetadata(row.Metadata, alias, digest, text)
				if kind != "" {
					meta[MetaKind] = kind
				}
				s.hashes.Add(ctx, alias, digest, meta)
			}
		}

		out = append(out, Snippet{Text: text, Dataset: alias, Kind: snippetKind(kind)})
	}
	return out
}

// dedupeSnippets removes case-folded duplicate texts, keeping order.
func dedupeSnippets(snippets []Snippet) []Snippet {
	seen := make(map[string]struct{}, len(snippets))
	out := snippets[:0]
	for _, sn := range snippets {
		key := strings.ToLower(strings.TrimSpace(sn.Text))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sn)
	}
	return out
}
