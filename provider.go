// Package nslsii derives storage paths and file names for data acquisition
// at NSLS-II beamlines. Path providers combine the beamline's central storage
// root, the active proposal metadata and the calendar date into the directory
// and file name a detector writer should use next.
package nslsii

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	// ErrMissingMetadata is wrapped when a required metadata key is absent.
	ErrMissingMetadata = errors.New("required metadata key is missing")
	// ErrInvalidMetadata is wrapped when a metadata value has an unusable type.
	ErrInvalidMetadata = errors.New("metadata value has an unusable type")
)

// Metadata keys the path providers read.
const (
	MetaKeyCycle       = "cycle"
	MetaKeyDataSession = "data_session"
	MetaKeyScanID      = "scan_id"
)

// PathInfo describes where a detector writer should put its next file.
type PathInfo struct {
	// DirectoryPath is the absolute directory for new files.
	DirectoryPath string
	// Filename is the name stem to use, extensions are the writer's business.
	Filename string
	// CreateDirDepth tells the writer how many trailing path levels it may
	// create when absent, as a non-positive count: -2 means the last two.
	// Levels above that must already exist on central storage.
	CreateDirDepth int
}

// FilenameProvider produces the file name stem for a device. An empty
// deviceName means the caller did not supply one.
type FilenameProvider interface {
	Filename(deviceName string) (string, error)
}

// PathProvider produces the full path descriptor for a device's next file.
type PathProvider interface {
	PathInfo(deviceName string) (PathInfo, error)
}

// Metadata is a read-only view over the experiment metadata dictionary. The
// dictionary is owned and mutated elsewhere (typically by the run engine),
// providers re-read it on every call.
type Metadata interface {
	Lookup(key string) (any, bool)
}

// MapMetadata adapts a plain map as a Metadata view. The map is shared by
// reference, writes between calls are visible to providers.
type MapMetadata map[string]any

func (m MapMetadata) Lookup(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// ScanID extracts the integer scan identifier from md. Values survive the
// usual transport re-encodings: any Go integer kind, an integral float (JSON
// decoding), a json.Number or a decimal string (Redis) are all accepted.
func ScanID(md Metadata) (int64, error) {
	v, ok := md.Lookup(MetaKeyScanID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMissingMetadata, MetaKeyScanID)
	}
	id, err := coerceScanID(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidMetadata, MetaKeyScanID, err)
	}
	return id, nil
}

func coerceScanID(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > math.MaxInt64 {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	case float32:
		return coerceScanID(float64(n))
	case json.Number:
		if id, err := n.Int64(); err == nil {
			return id, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", n.String())
		}
		return coerceScanID(f)
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a decimal integer", n)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("value is %T, want an integer", v)
	}
}

// metadataString reads a required string entry from md.
func metadataString(md Metadata, key string) (string, error) {
	v, ok := md.Lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMissingMetadata, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q is %T, want string", ErrInvalidMetadata, key, v)
	}
	return s, nil
}
