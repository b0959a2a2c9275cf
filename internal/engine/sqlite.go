package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/embedding"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

// SQLiteEngine is the local engine backend: datasets and rows in
// sqlite, embeddings stored as JSON vectors, brute-force cosine ranking
// with a keyword fallback when no embedder is configured.
type SQLiteEngine struct {
	db       *sql.DB
	mu       sync.RWMutex
	dbPath   string
	embedder embedding.Engine

	// When set, Cognify verifies that each row's backing blob still
	// exists under this root and fails with FileMissingError otherwise.
	storageRoot string
}

// SQLiteOption tweaks engine construction.
type SQLiteOption func(*SQLiteEngine)

// WithStorageRoot makes Cognify validate content blobs under root.
func WithStorageRoot(root string) SQLiteOption {
	return func(e *SQLiteEngine) { e.storageRoot = root }
}

// WithEmbedder attaches an embedding engine for vector ranking.
func WithEmbedder(emb embedding.Engine) SQLiteOption {
	return func(e *SQLiteEngine) { e.embedder = emb }
}

// NewSQLiteEngine opens (or creates) the engine database at path.
// The schema is not created until Setup runs; operations before that
// surface ErrDatabaseNotCreated.
func NewSQLiteEngine(path string, options ...SQLiteOption) (*SQLiteEngine, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "NewSQLiteEngine")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create engine directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.EngineDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.EngineDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.EngineDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	e := &SQLiteEngine{db: db, dbPath: path}
	for _, opt := range options {
		opt(e)
	}

	logging.Engine("SQLite engine opened at %s (embedder=%v)", path, e.embedder != nil)
	return e, nil
}

// Close closes the underlying database.
func (e *SQLiteEngine) Close() error {
	return e.db.Close()
}

// Setup creates the engine schema. Idempotent.
func (e *SQLiteEngine) Setup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	schema := `
	CREATE TABLE IF NOT EXISTS datasets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(name, owner)
	);
	CREATE TABLE IF NOT EXISTS rows (
		id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL REFERENCES datasets(id),
		content TEXT NOT NULL,
		metadata TEXT,
		embedding TEXT,
		indexed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_rows_dataset ON rows(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_rows_indexed ON rows(dataset_id, indexed);
	`
	if _, err := e.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create engine schema: %w", err)
	}
	logging.EngineDebug("Engine schema ready")
	return nil
}

// wrapSchemaErr maps sqlite "no such table" to ErrDatabaseNotCreated so
// callers can run Setup once and retry.
func wrapSchemaErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %v", ErrDatabaseNotCreated, err)
	}
	return err
}

// Add inserts a document into the named dataset, creating the dataset
// if needed. Returns the dataset identifier.
func (e *SQLiteEngine) Add(ctx context.Context, text, datasetName, user string, nodeSet []string, metadata map[string]interface{}) (string, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "Add")
	defer timer.Stop()

	ds, err := e.DatasetByName(ctx, datasetName, user, true)
	if err != nil {
		return "", err
	}

	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if len(nodeSet) > 0 {
		metadata["node_set"] = nodeSet
	}
	metaJSON, _ := json.Marshal(metadata)

	var embJSON sql.NullString
	if e.embedder != nil {
		vec, err := e.embedder.Embed(ctx, text)
		if err != nil {
			// Embedding failures must not lose the document; the row is
			// stored and backfilled on the next cognify.
			logging.Get(logging.CategoryEngine).Warn("Embedding failed on add, deferring to cognify: %v", err)
		} else if data, err := json.Marshal(vec); err == nil {
			embJSON = sql.NullString{String: string(data), Valid: true}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.db.ExecContext(ctx,
		"INSERT INTO rows (id, dataset_id, content, metadata, embedding, indexed) VALUES (?, ?, ?, ?, ?, 0)",
		uuid.NewString(), ds.ID, text, string(metaJSON), embJSON,
	)
	if err != nil {
		return "", wrapSchemaErr(err)
	}
	logging.EngineDebug("Added row to dataset %s (%s), %d bytes", datasetName, ds.ID, len(text))
	return ds.ID, nil
}

// DatasetByName resolves a dataset by name for the given user.
func (e *SQLiteEngine) DatasetByName(ctx context.Context, name, user string, create bool) (*Dataset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.datasetByNameLocked(ctx, name, user, create)
}

func (e *SQLiteEngine) datasetByNameLocked(ctx context.Context, name, user string, create bool) (*Dataset, error) {
	row := e.db.QueryRowContext(ctx,
		"SELECT id, name, owner FROM datasets WHERE name = ? AND owner = ?", name, user)
	var ds Dataset
	err := row.Scan(&ds.ID, &ds.Name, &ds.Owner)
	if err == nil {
		return &ds, nil
	}
	if err != sql.ErrNoRows {
		return nil, wrapSchemaErr(err)
	}
	if !create {
		return nil, ErrDatasetNotFound
	}

	ds = Dataset{ID: uuid.NewString(), Name: name, Owner: user}
	if _, err := e.db.ExecContext(ctx,
		"INSERT INTO datasets (id, name, owner) VALUES (?, ?, ?)", ds.ID, ds.Name, ds.Owner); err != nil {
		return nil, wrapSchemaErr(err)
	}
	logging.Engine("Created dataset %q (%s) for user %q", name, ds.ID, user)
	return &ds, nil
}

// CreateDataset creates an empty dataset owned by user.
func (e *SQLiteEngine) CreateDataset(ctx context.Context, name, user string) (*Dataset, error) {
	return e.DatasetByName(ctx, name, user, true)
}

// DeleteDataset removes a dataset and its rows.
func (e *SQLiteEngine) DeleteDataset(ctx context.Context, datasetID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.db.ExecContext(ctx, "DELETE FROM rows WHERE dataset_id = ?", datasetID); err != nil {
		return wrapSchemaErr(err)
	}
	if _, err := e.db.ExecContext(ctx, "DELETE FROM datasets WHERE id = ?", datasetID); err != nil {
		return wrapSchemaErr(err)
	}
	logging.Engine("Deleted dataset %s", datasetID)
	return nil
}

// resolveDataset accepts either a dataset ID or a name.
func (e *SQLiteEngine) resolveDataset(ctx context.Context, ref, user string) (string, error) {
	row := e.db.QueryRowContext(ctx, "SELECT id FROM datasets WHERE id = ?", ref)
	var id string
	if err := row.Scan(&id); err == nil {
		return id, nil
	} else if err != sql.ErrNoRows {
		return "", wrapSchemaErr(err)
	}
	row = e.db.QueryRowContext(ctx, "SELECT id FROM datasets WHERE name = ? AND owner = ?", ref, user)
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrDatasetNotFound
		}
		return "", wrapSchemaErr(err)
	}
	return id, nil
}

// Cognify builds the index for the given datasets: verifies backing
// blobs, backfills missing embeddings and flips rows to indexed.
func (e *SQLiteEngine) Cognify(ctx context.Context, datasets []string, user string) error {
	timer := logging.StartTimer(logging.CategoryEngine, "Cognify")
	defer timer.StopWithThreshold(0)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ref := range datasets {
		id, err := e.resolveDataset(ctx, ref, user)
		if err != nil {
			return err
		}

		rows, err := e.db.QueryContext(ctx,
			"SELECT id, content, metadata, embedding FROM rows WHERE dataset_id = ? AND indexed = 0", id)
		if err != nil {
			return wrapSchemaErr(err)
		}

		type pending struct {
			rowID  string
			text   string
			digest string
			embed  bool
		}
		var work []pending
		for rows.Next() {
			var p pending
			var metaJSON, embJSON sql.NullString
			if err := rows.Scan(&p.rowID, &p.text, &metaJSON, &embJSON); err != nil {
				rows.Close()
				return err
			}
			if metaJSON.Valid {
				var meta map[string]interface{}
				if json.Unmarshal([]byte(metaJSON.String), &meta) == nil {
					if d, ok := meta["digest_sha"].(string); ok {
						p.digest = d
					}
				}
			}
			p.embed = e.embedder != nil && !embJSON.Valid
			work = append(work, p)
		}
		rows.Close()

		for _, p := range work {
			if e.storageRoot != "" && p.digest != "" {
				path := filepath.Join(e.storageRoot, "text_"+p.digest+".txt")
				if _, err := os.Stat(path); err != nil {
					logging.Get(logging.CategoryEngine).Warn("Cognify found missing blob %s", path)
					return &FileMissingError{Path: path, Digest: p.digest}
				}
			}
			if p.embed {
				vec, err := e.embedder.Embed(ctx, p.text)
				if err != nil {
					return fmt.Errorf("cognify embed failed: %w", err)
				}
				data, _ := json.Marshal(vec)
				if _, err := e.db.ExecContext(ctx,
					"UPDATE rows SET embedding = ? WHERE id = ?", string(data), p.rowID); err != nil {
					return err
				}
			}
		}

		if _, err := e.db.ExecContext(ctx,
			"UPDATE rows SET indexed = 1 WHERE dataset_id = ?", id); err != nil {
			return wrapSchemaErr(err)
		}
		logging.Engine("Cognified dataset %s (%d new rows)", ref, len(work))
	}
	return nil
}

// Search runs a retrieval query over already-cognified rows.
func (e *SQLiteEngine) Search(ctx context.Context, p SearchParams) ([]Row, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "Search")
	defer timer.Stop()

	if p.TopK <= 0 {
		p.TopK = 10
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var all []Row
	var vectors [][]float32
	for _, ref := range p.Datasets {
		id, err := e.resolveDataset(ctx, ref, p.User)
		if err != nil {
			if err == ErrDatasetNotFound {
				continue
			}
			return nil, err
		}
		rows, err := e.db.QueryContext(ctx,
			"SELECT id, content, metadata, embedding FROM rows WHERE dataset_id = ? AND indexed = 1", id)
		if err != nil {
			return nil, wrapSchemaErr(err)
		}
		for rows.Next() {
			var r Row
			var metaJSON, embJSON sql.NullString
			if err := rows.Scan(&r.ID, &r.Text, &metaJSON, &embJSON); err != nil {
				continue
			}
			r.Indexed = true
			if metaJSON.Valid {
				json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
			}
			var vec []float32
			if embJSON.Valid {
				json.Unmarshal([]byte(embJSON.String), &vec)
			}
			all = append(all, r)
			vectors = append(vectors, vec)
		}
		rows.Close()
	}

	if len(all) == 0 {
		return nil, nil
	}

	if e.embedder != nil {
		queryVec, err := e.embedder.Embed(ctx, p.Query)
		if err == nil {
			return rankByVector(all, vectors, queryVec, p.Query, p.TopK), nil
		}
		logging.Get(logging.CategoryEngine).Warn("Query embedding failed, falling back to keyword ranking: %v", err)
	}
	return rankByKeywords(all, p.Query, p.TopK), nil
}

// keywordFallbackScale compresses keyword overlap into (0, 0.1] so a
// row without an embedding ranks below any real vector hit but still
// surfaces when the corpus has no vectors at all.
const keywordFallbackScale = 0.1

func rankByVector(all []Row, vectors [][]float32, queryVec []float32, query string, k int) []Row {
	keywords := strings.Fields(strings.ToLower(query))
	type scored struct {
		row   Row
		score float64
	}
	items := make([]scored, 0, len(all))
	for i, r := range all {
		var s float64
		if len(vectors[i]) > 0 {
			var err error
			s, err = embedding.CosineSimilarity(queryVec, vectors[i])
			if err != nil {
				logging.Get(logging.CategoryEngine).Warn("cosine for row %s: %v", r.ID, err)
				s = keywordScore(r.Text, keywords) * keywordFallbackScale
			}
		} else {
			s = keywordScore(r.Text, keywords) * keywordFallbackScale
		}
		items = append(items, scored{row: r, score: s})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })
	if len(items) > k {
		items = items[:k]
	}
	out := make([]Row, len(items))
	for i, it := range items {
		it.row.Score = it.score
		out[i] = it.row
	}
	return out
}

// keywordScore is the fraction of query tokens found in text.
func keywordScore(text string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	var hits int
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// rankByKeywords scores rows by case-folded token overlap with the
// query. Used when no embedder is configured.
func rankByKeywords(all []Row, query string, k int) []Row {
	keywords := strings.Fields(strings.ToLower(query))
	if len(keywords) == 0 {
		return nil
	}
	type scored struct {
		row   Row
		score float64
	}
	var items []scored
	for _, r := range all {
		score := keywordScore(r.Text, keywords)
		if score == 0 {
			continue
		}
		items = append(items, scored{row: r, score: score})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })
	if len(items) > k {
		items = items[:k]
	}
	out := make([]Row, len(items))
	for i, it := range items {
		it.row.Score = it.score
		out[i] = it.row
	}
	return out
}

// ListData returns all rows of a dataset.
func (e *SQLiteEngine) ListData(ctx context.Context, datasetID, user string) ([]Row, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rows, err := e.db.QueryContext(ctx,
		"SELECT id, content, metadata, indexed FROM rows WHERE dataset_id = ? ORDER BY created_at", datasetID)
	if err != nil {
		return nil, wrapSchemaErr(err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var metaJSON sql.NullString
		var indexed int
		if err := rows.Scan(&r.ID, &r.Text, &metaJSON, &indexed); err != nil {
			continue
		}
		r.Indexed = indexed != 0
		if metaJSON.Valid {
			json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Memify is a consolidation hook; the local backend only logs it.
func (e *SQLiteEngine) Memify(ctx context.Context, datasets []string, user string) error {
	logging.Engine("Memify requested for %v (user %q); local backend no-op", datasets, user)
	return nil
}
