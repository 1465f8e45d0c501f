package assetcatalog

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/NSLS-II/nslsii-go/filenameprovider"
)

// SyncDecision is one producer verdict about one asset.
type SyncDecision struct {
	// Asset identifier, the absolute file path. Required unless Skip.
	ID string
	// Value for the compare column (mtime here). Ignored when Unchanged.
	CmpOut string
	// Column -> text map for the index. Ignored when Unchanged.
	Vals map[string]string
	// The row is already up to date, nothing to write.
	Unchanged bool
	// Ignore this file entirely (also deletes a stale row if one exists).
	Skip bool
}

// GetPrevCmp reports the compare-column value currently stored for an asset
// id ("" == not indexed yet).
type GetPrevCmp func(id string) string

// ProcessAsset is the tree-walker callback, one call per regular file.
type ProcessAsset func(
	ctx context.Context,
	treeDir, fullPath string,
	getPrev GetPrevCmp,
) (SyncDecision, error)

// SyncTreeToCatalog walks a proposals tree and reconciles the catalog with
// it: new and modified files are upserted, files that vanished from the tree
// lose their rows. The issued column doubles as the change detector.
func SyncTreeToCatalog(
	ctx context.Context,
	eng *Engine,
	treeDir string,
	batchSize int,
	process ProcessAsset,
) error {
	// Converts the WalkDir stream into SyncDecision events.
	iter := func(getPrev GetPrevCmp, emit func(SyncDecision) error) error {
		return filepath.WalkDir(treeDir,
			func(p string, d fs.DirEntry, walkErr error) error {
				if walkErr != nil || d.IsDir() {
					return walkErr
				}
				dec, err := process(ctx, treeDir, p, getPrev)
				if err != nil {
					return err
				}
				return emit(dec)
			})
	}

	// A row belongs to this tree when its id sits below treeDir.
	prefix := treeDir + string(os.PathSeparator)
	belongs := func(id string) bool { return strings.HasPrefix(id, prefix) }

	return SyncIterToCatalog(ctx, eng, ColIssued, batchSize, iter, belongs)
}

// Iterate is the generic producer contract.
// GetPrev lets the producer look at the stored compare-column value.
// Emit must be invoked exactly once per asset the producer owns.
type Iterate func(getPrev GetPrevCmp, emit func(SyncDecision) error) error

// SyncIterToCatalog reconciles the catalog against any asset producer.
// Belongs(id) must return true for every row owned by this producer so that
// vanished assets can be deleted without touching other producers' rows.
func SyncIterToCatalog(
	ctx context.Context,
	eng *Engine,
	compareColumn string,
	batchSize int,
	iter Iterate,
	belongs func(id string) bool,
) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	const listPage = 10_000
	start := time.Now()

	slog.Info("asset-sync start", "cmpCol", compareColumn)

	// Fetch current state (id -> compare-column value).
	existing := make(map[string]string)

	token := ""
	for {
		part, next, err := eng.BatchList(
			ctx,
			compareColumn,
			[]string{compareColumn},
			token,
			listPage,
		)
		if err != nil {
			return err
		}
		for _, row := range part {
			existing[row.ID] = row.Values[compareColumn]
		}
		if next == "" {
			break
		}
		token = next
	}
	getPrev := func(id string) string { return existing[id] }

	// Incremental diff while the producer iterates over its assets.
	var nProcessed, nSkipped, nUnchanged, nUpserted int

	seenNow := make(map[string]struct{}, 4096)
	pending := make(map[string]map[string]string, batchSize)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := eng.BatchUpsert(ctx, pending); err != nil {
			return err
		}
		nUpserted += len(pending)
		pending = make(map[string]map[string]string, batchSize)
		return nil
	}

	emit := func(dec SyncDecision) error {
		if dec.Skip || dec.ID == "" {
			nSkipped++
			return nil
		}

		seenNow[dec.ID] = struct{}{}
		nProcessed++

		if dec.Unchanged {
			nUnchanged++
			return nil
		}

		vals := dec.Vals
		if vals == nil {
			vals = map[string]string{}
		}
		vals[compareColumn] = dec.CmpOut
		pending[dec.ID] = vals

		if len(pending) >= batchSize {
			return flush()
		}
		return nil
	}

	if err := iter(getPrev, emit); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	// Delete rows whose assets vanished from the producer's view.
	var toDelete []string
	for id := range existing {
		if !belongs(id) {
			continue
		}
		if _, ok := seenNow[id]; !ok {
			toDelete = append(toDelete, id)
		}
	}
	if len(toDelete) != 0 {
		if err := eng.BatchDelete(ctx, toDelete); err != nil {
			return err
		}
	}

	slog.Info("asset-sync done",
		"took", time.Since(start),
		"processed", nProcessed,
		"upserted", nUpserted,
		"unchanged", nUnchanged,
		"skipped", nSkipped,
		"deleted", len(toDelete),
	)
	return nil
}

// NewAssetProcessor returns a ProcessAsset that derives catalog columns from
// the file path alone. The separator is the one the beamline's filename
// provider joins device name and short id with.
//
// Recognised layout below the tree root:
//
//	{cycle}/{data_session}/assets/{device}/...
//
// with an optional {base}_{NNNNNN} scan directory as the file's parent. Files
// outside that layout still get filename, directory and mtime columns.
func NewAssetProcessor(separator string) ProcessAsset {
	return func(
		ctx context.Context,
		treeDir, fullPath string,
		getPrev GetPrevCmp,
	) (SyncDecision, error) {
		name := filepath.Base(fullPath)
		if strings.HasPrefix(name, ".") {
			return SyncDecision{Skip: true}, nil
		}

		fi, err := os.Stat(fullPath)
		if err != nil {
			// Vanished between the walk and the stat.
			if os.IsNotExist(err) {
				return SyncDecision{Skip: true}, nil
			}
			return SyncDecision{}, err
		}

		mtime := fi.ModTime().UTC().Format(time.RFC3339Nano)
		if getPrev(fullPath) == mtime {
			return SyncDecision{ID: fullPath, Unchanged: true}, nil
		}

		vals := map[string]string{
			ColFilename:  name,
			ColDirectory: filepath.Dir(fullPath),
		}

		rel, relErr := filepath.Rel(treeDir, fullPath)
		var parts []string
		if relErr == nil {
			parts = strings.Split(rel, string(os.PathSeparator))
		}
		if len(parts) >= 4 && parts[2] == "assets" {
			vals[ColCycle] = parts[0]
			vals[ColDataSession] = parts[1]
			vals[ColDevice] = parts[3]
		}

		// The filename itself also carries the device name.
		if info, err := filenameprovider.Parse(name, separator); err == nil {
			vals[ColDevice] = info.DeviceName
		}

		if scan, ok := scanDirNumber(filepath.Base(filepath.Dir(fullPath))); ok {
			vals[ColScan] = scan
		}

		return SyncDecision{ID: fullPath, CmpOut: mtime, Vals: vals}, nil
	}
}

// scanDirNumber extracts the zero-padded scan number from a "{base}_{NNNNNN}"
// directory name.
func scanDirNumber(dir string) (string, bool) {
	i := strings.LastIndex(dir, "_")
	if i < 0 {
		return "", false
	}
	digits := dir[i+1:]
	if len(digits) < 6 {
		return "", false
	}
	for _, r := range digits {
		if !unicode.IsDigit(r) {
			return "", false
		}
	}
	return digits, true
}
