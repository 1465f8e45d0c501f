package mddict

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	nslsii "github.com/NSLS-II/nslsii-go"
	"github.com/NSLS-II/nslsii-go/encdec"
)

// ErrConflict is returned when flush/delete detects that somebody modified the file since we last read or wrote it.
var (
	ErrConflict            = errors.New("mddict: concurrent modification detected")
	ErrCannotReadPartition = errors.New("mddict: failed to read partition directory")
)

const (
	SortOrderAscending  = "asc"
	SortOrderDescending = "desc"
)

// Op is the kind of mutation that happened on a dictionary or one of its keys.
type Op string

const (
	OpSetAll    Op = "setAll"
	OpReset     Op = "reset"
	OpDelete    Op = "delete"
	OpSetKey    Op = "setKey"
	OpDeleteKey Op = "deleteKey"
)

// Event is delivered *after* a mutation has been persisted.
type Event struct {
	Op Op
	// Backing JSON file for a FileDict, key prefix for a RedisDict.
	Source string
	// Nil for dictionary-level ops.
	Keys []string
	// Nil for OpSetAll / OpReset.
	OldValue any
	// Nil for delete.
	NewValue any
	// Deep-copy of the entire dictionary after the change.
	// Nil for Redis-backed dictionaries.
	Data      map[string]any
	Timestamp time.Time
}

// Listener is a callback that observes mutations.
type Listener func(Event)

// fireEvent delivers e to all listeners, recovering from panics so that a faulty
// observer cannot crash the dictionary.
func fireEvent(ls []Listener, e Event) {
	for _, l := range ls {
		if l == nil {
			continue
		}
		func(cb Listener) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error(
						"mddict listener panic",
						"err",
						r,
						"event",
						e,
						"stack",
						string(debug.Stack()),
					)
				}
			}()
			cb(e)
		}(l)
	}
}

// KeyCodecGetter: given the path so far, if applicable, returns a KeyCodec.
// It encodes decodes: The key at the path i.e last part of the path array.
type KeyCodecGetter func(pathSoFar []string) encdec.KeyCodec

// ValueCodecGetter: given the path so far, if applicable, returns a ValueCodec.
// It encodes decodes: Value at the key i.e value at last part of the path array.
type ValueCodecGetter func(pathSoFar []string) encdec.ValueCodec

// Dict is a live metadata dictionary. It satisfies the metadata view the path
// providers consume, so a dictionary can be handed to a provider directly.
type Dict interface {
	nslsii.Metadata
	GetKey(ctx context.Context, keys []string) (any, error)
	SetKey(ctx context.Context, keys []string, value any) error
	DeleteKey(ctx context.Context, keys []string) error
}

// ScanKey identifies one scan document within an archive.
type ScanKey struct {
	FileName string
	// Scan start time, consulted by date partition providers.
	Start time.Time
}

// PartitionProvider defines an interface for determining the partition directory for a scan document.
type PartitionProvider interface {
	PartitionDir(key ScanKey) (string, error)
	ListPartitions(baseDir, sortOrder, pageToken string,
		pageSize int) ([]string, string, error)
}
