package mddict

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/NSLS-II/nslsii-go/encdec"
)

// ListDirs returns a paginated and sorted list of directories in the base directory.
func ListDirs(
	baseDir string,
	sortOrder string,
	pageToken string,
	pageSize int,
) (dirs []string, nextPageToken string, err error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read base directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}

	// Sort partitions.
	switch strings.ToLower(sortOrder) {
	case SortOrderAscending:
		sort.Strings(dirs)
	case SortOrderDescending:
		sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	default:
		return nil, "", fmt.Errorf("invalid sort order: %s", sortOrder)
	}

	// Decode page token.
	start := 0
	if pageToken != "" {
		start, err = encdec.Base64JSONDecode[int](pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
	}

	// Apply pagination.
	end := min(start+pageSize, len(dirs))

	// Generate next page token.
	if end < len(dirs) {
		nextPageToken = encdec.Base64JSONEncode(end)
	}

	return dirs[start:end], nextPageToken, nil
}
