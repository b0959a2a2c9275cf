// Package engine defines the boundary to the vector+graph indexing
// engine and ships a local sqlite-backed implementation. Everything the
// KB layer knows about the engine goes through the Engine interface;
// the engine's oddities (missing blobs during cognify, lazy schema
// creation) stay behind it.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// QueryType selects the engine-side retrieval strategy.
type QueryType string

// GraphCompletionContextExtension is the retrieval mode the coach agent
// uses: vector recall widened with graph-adjacent context rows.
const GraphCompletionContextExtension QueryType = "GRAPH_COMPLETION_CONTEXT_EXTENSION"

// Row is a stored content row as the engine returns it.
type Row struct {
	ID       string
	Text     string
	Metadata map[string]interface{}
	Indexed  bool
	Score    float64
}

// Dataset describes an engine-side dataset.
type Dataset struct {
	ID    string
	Name  string
	Owner string
}

// SearchParams carries one engine search call.
type SearchParams struct {
	Query     string
	Datasets  []string // dataset identifiers
	User      string
	QueryType QueryType
	SessionID string
	TopK      int
}

// Sentinel errors the KB layer branches on.
var (
	// ErrDatasetNotFound: the named/ID'd dataset does not exist.
	ErrDatasetNotFound = errors.New("engine: dataset not found")

	// ErrDatabaseNotCreated: schema has not been set up yet; callers
	// run Setup once and retry.
	ErrDatabaseNotCreated = errors.New("engine: database not created")
)

// FileMissingError is returned by Cognify when a content blob backing a
// row has gone missing from the storage root. The storage service heals
// and retries.
type FileMissingError struct {
	Path   string
	Digest string
}

func (e *FileMissingError) Error() string {
	return fmt.Sprintf("engine: content file missing: %s (digest %s)", e.Path, e.Digest)
}

// IsFileMissing reports whether err wraps a FileMissingError.
func IsFileMissing(err error) bool {
	var fm *FileMissingError
	return errors.As(err, &fm)
}

// Engine is the indexing engine surface the KB core consumes.
type Engine interface {
	// Add inserts a document into the named dataset, creating the
	// dataset if needed. Returns the dataset identifier.
	Add(ctx context.Context, text, datasetName, user string, nodeSet []string, metadata map[string]interface{}) (string, error)

	// Cognify builds the index for the given datasets (IDs or names).
	// May return FileMissingError if a backing blob disappeared.
	Cognify(ctx context.Context, datasets []string, user string) error

	// Search runs a retrieval query over already-cognified rows.
	Search(ctx context.Context, p SearchParams) ([]Row, error)

	// ListData returns all rows of a dataset.
	ListData(ctx context.Context, datasetID, user string) ([]Row, error)

	// DatasetByName resolves a dataset by name for the given user.
	// Returns ErrDatasetNotFound when absent and create is false.
	DatasetByName(ctx context.Context, name, user string, create bool) (*Dataset, error)

	// CreateDataset creates an empty dataset owned by user.
	CreateDataset(ctx context.Context, name, user string) (*Dataset, error)

	// DeleteDataset removes a dataset and its rows.
	DeleteDataset(ctx context.Context, datasetID string) error

	// Setup creates the engine schema. Idempotent.
	Setup(ctx context.Context) error

	// Memify runs the optional memory-consolidation pass.
	Memify(ctx context.Context, datasets []string, user string) error
}
