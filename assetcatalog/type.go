// Package assetcatalog indexes the path descriptors a beamline hands out to
// detector writers. Every issued directory/filename pair becomes one document
// in a SQLite FTS5 table, searchable by device, proposal and date fragments
// long after the scan metadata that produced it is gone.
package assetcatalog

import (
	"context"
	"database/sql"
)

const (
	// MemoryBaseDir selects an in-memory catalog.
	MemoryBaseDir = ":memory:"
	// ColNameAssetID is the untokenised column holding the asset identifier,
	// the absolute path of the issued file.
	ColNameAssetID = "assetid"
	ColNameRowID   = "rowid"
)

// Catalog columns. Issued is the compare column for tree re-syncs and stays
// out of the token index.
const (
	ColDevice      = "device"
	ColFilename    = "filename"
	ColDirectory   = "directory"
	ColCycle       = "cycle"
	ColDataSession = "data_session"
	ColScan        = "scan"
	ColIssued      = "issued"
)

// SearchResult is one hit of a full-text query.
type SearchResult struct {
	// Asset identifier stored in the ColNameAssetID column.
	ID string
	// Bm25 rank, lower is better.
	Score float64
}

// ListResult is returned by BatchList().
type ListResult struct {
	// Asset identifier stored in the ColNameAssetID column.
	ID     string
	Values map[string]string
}

// Column declares one FTS5 column.
type Column struct {
	// SQL identifier.
	Name string `json:"name"`
	// Stored but not tokenised.
	Unindexed bool `json:"unindexed"`
	// Bm25 weight (0 is treated as 1).
	Weight float64 `json:"weight"`
}

type Config struct {
	BaseDir    string   `json:"baseDir"`
	DBFileName string   `json:"dbFileName"`
	Table      string   `json:"table"`
	Columns    []Column `json:"columns"`
}

// DefaultConfig returns the standard asset-catalog schema rooted at baseDir.
// Device and data_session carry the highest search weight, issued holds the
// RFC 3339 timestamp used as the re-sync compare column.
func DefaultConfig(baseDir string) Config {
	cfg := Config{
		BaseDir: baseDir,
		Table:   "assets",
		Columns: []Column{
			{Name: ColDevice, Weight: 4},
			{Name: ColFilename, Weight: 2},
			{Name: ColDirectory, Weight: 1},
			{Name: ColCycle, Weight: 1},
			{Name: ColDataSession, Weight: 3},
			{Name: ColScan, Weight: 1},
			{Name: ColIssued, Unindexed: true},
		},
	}
	if baseDir != MemoryBaseDir {
		cfg.DBFileName = "assetcatalog.sqlite"
	}
	return cfg
}

type sqlExec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
