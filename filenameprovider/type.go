// Package filenameprovider implements filename strategies for detector writers.
//
// A provider turns the name of the device asking for a path into the file
// name stem the writer should use. Directory placement is a separate concern,
// providers here never touch the filesystem.
package filenameprovider

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/NSLS-II/nslsii-go/shortuuid"
)

// ErrDeviceNameRequired is returned by providers that cannot name a file
// without knowing which device is asking.
var ErrDeviceNameRequired = errors.New("device name must be passed in")

// FileInfo is the logical information recoverable from a generated file name.
type FileInfo struct {
	DeviceName string
	ShortID    string
}

// Parse recovers device name and short id from a file name produced by
// ShortUUIDProvider with the given separator. The extension, if any, is
// ignored. File names carrying only a short id parse with an empty
// DeviceName.
func Parse(filename, separator string) (FileInfo, error) {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	if len(base) < shortuuid.EncodedLen {
		return FileInfo{}, fmt.Errorf("invalid file name %q: shorter than a short UUID", filename)
	}
	sid := base[len(base)-shortuuid.EncodedLen:]
	if _, err := shortuuid.Decode(sid); err != nil {
		return FileInfo{}, fmt.Errorf("invalid file name %q: %w", filename, err)
	}

	device := base[:len(base)-shortuuid.EncodedLen]
	if device != "" {
		if separator == "" || !strings.HasSuffix(device, separator) {
			return FileInfo{}, fmt.Errorf(
				"invalid file name %q: device segment not terminated by separator %q",
				filename,
				separator,
			)
		}
		device = strings.TrimSuffix(device, separator)
	}

	return FileInfo{DeviceName: device, ShortID: sid}, nil
}
