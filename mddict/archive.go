package mddict

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/NSLS-II/nslsii-go/encdec"
)

// ListingConfig holds all options for listing scan documents.
type ListingConfig struct {
	SortOrder        string
	PageSize         int
	FilterPartitions []string // If empty, list all partitions.
	FilenamePrefix   string   // If non-empty, only return files with this prefix.
}

type ScanEntry struct {
	BaseRelativePath string
	PartitionName    string
	FileInfo         os.FileInfo
}

// ScanArchive manages per-scan FileDicts within a directory tree.
// Each scan document is one JSON file, bucketed into partition directories by
// the configured PartitionProvider.
type ScanArchive struct {
	baseDir    string
	pageSize   int
	partitions PartitionProvider
	listeners  []Listener
	fileCodec  encdec.ValueCodec

	// openDicts caches open FileDict instances per file path.
	openDicts map[string]*FileDict
	openMu    sync.Mutex
}

// ArchiveOption is a functional option for configuring the ScanArchive.
type ArchiveOption func(*ScanArchive)

// WithArchivePageSize sets the default page size for pagination.
func WithArchivePageSize(size int) ArchiveOption {
	return func(sa *ScanArchive) {
		sa.pageSize = size
	}
}

// WithArchiveListeners registers one or more listeners when the archive is created.
func WithArchiveListeners(ls ...Listener) ArchiveOption {
	return func(sa *ScanArchive) {
		sa.listeners = append(sa.listeners, ls...)
	}
}

// WithArchiveFileCodec sets a custom codec for the scan document files. JSON by default.
func WithArchiveFileCodec(codec encdec.ValueCodec) ArchiveOption {
	return func(sa *ScanArchive) {
		sa.fileCodec = codec
	}
}

// NewScanArchive initializes a new ScanArchive with the given base directory and options.
func NewScanArchive(
	baseDir string,
	createIfMissing bool,
	partitions PartitionProvider,
	opts ...ArchiveOption,
) (*ScanArchive, error) {
	if partitions == nil {
		return nil, errors.New("invalid partition provider")
	}
	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory path: %w", err)
	}

	// Ensure the base directory exists or create it if allowed.
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		if createIfMissing {
			if err := os.MkdirAll(baseDir, os.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", baseDir, err)
			}
		} else {
			return nil, fmt.Errorf("directory %s does not exist", baseDir)
		}
	}

	sa := &ScanArchive{
		baseDir:    baseDir,
		pageSize:   10,
		partitions: partitions,
		fileCodec:  encdec.JSONCodec{},
		openDicts:  make(map[string]*FileDict),
	}

	for _, opt := range opts {
		opt(sa)
	}
	if sa.fileCodec == nil {
		return nil, errors.New("invalid file codec")
	}

	return sa, nil
}

// SaveScan stores the provided document for the given scan.
// It is a thin wrapper around OpenScan and SetAll.
func (sa *ScanArchive) SaveScan(key ScanKey, doc map[string]any) error {
	if doc == nil {
		return fmt.Errorf("invalid request for scan document: %s", key.FileName)
	}
	dict, err := sa.OpenScan(key, true, doc)
	if err != nil {
		return err
	}
	return dict.SetAll(doc)
}

// ScanDocument returns the document of the specified scan.
// It is a thin wrapper around OpenScan and GetAll.
func (sa *ScanArchive) ScanDocument(
	key ScanKey,
	forceFetch bool,
) (map[string]any, error) {
	// Use a dummy default document for opening if the file exists.
	dict, err := sa.OpenScan(key, false, map[string]any{})
	if err != nil {
		return nil, err
	}
	return dict.GetAll(forceFetch)
}

// DeleteScan removes the document of the given scan from the archive.
// It is a thin wrapper around OpenScan and DeleteFile.
func (sa *ScanArchive) DeleteScan(key ScanKey) error {
	dict, err := sa.OpenScan(key, false, map[string]any{})
	if err != nil {
		return err
	}

	if err := dict.DeleteFile(); err != nil {
		return err
	}
	return sa.CloseScan(key)
}

// OpenScan returns a cached or newly created FileDict for the given ScanKey.
// It is concurrency-safe and ensures only one instance per file path.
func (sa *ScanArchive) OpenScan(
	key ScanKey,
	createIfMissing bool,
	defaultDoc map[string]any,
) (*FileDict, error) {
	filePath, err := sa.validateAndGetScanPath(key)
	if err != nil {
		return nil, err
	}

	sa.openMu.Lock()
	defer sa.openMu.Unlock()
	dict, ok := sa.openDicts[filePath]
	if ok {
		return dict, nil
	}

	// Ensure the partition directory exists if creating.
	if createIfMissing {
		if err := os.MkdirAll(filepath.Dir(filePath), os.ModePerm); err != nil {
			return nil, fmt.Errorf(
				"failed to create partition directory %s: %w",
				filepath.Dir(filePath),
				err,
			)
		}
	}

	dict, err = NewFileDict(
		filePath,
		defaultDoc,
		WithFileCodec(sa.fileCodec),
		WithCreateIfMissing(createIfMissing),
		WithListeners(sa.listeners...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open scan document %s: %w", key.FileName, err)
	}

	sa.openDicts[filePath] = dict

	return dict, nil
}

// CloseScan closes the FileDict for the given ScanKey (if it was opened) and removes it from the cache.
func (sa *ScanArchive) CloseScan(key ScanKey) error {
	filePath, err := sa.validateAndGetScanPath(key)
	if err != nil {
		return err
	}

	sa.openMu.Lock()
	dict, ok := sa.openDicts[filePath]
	if ok {
		delete(sa.openDicts, filePath)
	}
	sa.openMu.Unlock()

	if ok {
		return dict.Close()
	}
	return nil
}

// CloseAll closes every cached FileDict in this archive instance and clears the cache.
func (sa *ScanArchive) CloseAll() error {
	sa.openMu.Lock()
	dicts := make([]*FileDict, 0, len(sa.openDicts))
	for _, d := range sa.openDicts {
		dicts = append(dicts, d)
	}
	sa.openDicts = make(map[string]*FileDict)
	sa.openMu.Unlock()

	var firstErr error
	for _, d := range dicts {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (sa *ScanArchive) ListPartitions(
	baseDir, sortOrder, pageToken string,
	pageSize int,
) (partitions []string, nextPageToken string, err error) {
	return sa.partitions.ListPartitions(baseDir, sortOrder, pageToken, pageSize)
}

// partitionFilterToken tracks progress through filtered partitions.
type partitionFilterToken struct {
	PartitionIndex   int      `json:"partitionIndex"`
	FilterPartitions []string `json:"filterPartitions"`
}

// scanPageToken encodes all paging state.
type scanPageToken struct {
	FileIndex          int                   `json:"fileIndex"`
	SortOrder          string                `json:"sortOrder"`
	PageSize           int                   `json:"pageSize"`
	FilenamePrefix     string                `json:"filenamePrefix,omitempty"`
	PartitionPageToken string                `json:"partitionPageToken,omitempty"`
	PartitionFilter    *partitionFilterToken `json:"partitionFilter,omitempty"`
}

// ListScans lists scan documents according to the config and page token.
func (sa *ScanArchive) ListScans(
	config ListingConfig,
	pageToken string,
) (entries []ScanEntry, nextPageToken string, err error) {
	var token scanPageToken

	// Decode page token or initialize.
	if pageToken != "" {
		token, err = encdec.Base64JSONDecode[scanPageToken](pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
	} else {
		token.SortOrder = config.SortOrder
		if token.SortOrder == "" {
			token.SortOrder = SortOrderAscending
		}
		token.FileIndex = 0
		token.PageSize = config.PageSize
		if token.PageSize <= 0 {
			token.PageSize = sa.pageSize
		}
		token.FilenamePrefix = config.FilenamePrefix
		if len(config.FilterPartitions) > 0 {
			token.PartitionFilter = &partitionFilterToken{
				PartitionIndex:   0,
				FilterPartitions: config.FilterPartitions,
			}
		}
	}

	isFiltered := token.PartitionFilter != nil

	for {
		var partitionName string
		var nextPartitionPageToken string

		if isFiltered {
			pft := token.PartitionFilter
			if pft.PartitionIndex >= len(pft.FilterPartitions) {
				// No more partitions.
				break
			}
			partitionName = pft.FilterPartitions[pft.PartitionIndex]
		} else {
			partitions, nextToken, err := sa.partitions.ListPartitions(
				sa.baseDir,
				token.SortOrder,
				token.PartitionPageToken,
				1,
			)
			if err != nil {
				return nil, "", fmt.Errorf("failed to list partitions: %w", err)
			}
			if len(partitions) == 0 {
				break
			}
			partitionName = partitions[0]
			nextPartitionPageToken = nextToken
		}

		partitionPath := filepath.Join(sa.baseDir, partitionName)
		partitionFileInfos, err := sa.readPartitionFiles(
			partitionPath,
			token.SortOrder,
			token.FilenamePrefix,
		)
		if err != nil {
			if !errors.Is(err, ErrCannotReadPartition) {
				return nil, "", err
			}
			// An unreadable partition is skipped, not fatal.
			slog.Debug("skipping listing partition", "partition", partitionName, "error", err)
			partitionFileInfos = nil
		}

		for j := token.FileIndex; j < len(partitionFileInfos); j++ {
			entries = append(
				entries,
				ScanEntry{
					BaseRelativePath: filepath.Join(partitionName, partitionFileInfos[j].Name()),
					PartitionName:    partitionName,
					FileInfo:         partitionFileInfos[j],
				},
			)
			if len(entries) > token.PageSize {
				// Prepare next page token.
				nextToken := scanPageToken{
					SortOrder:      token.SortOrder,
					FileIndex:      j,
					PageSize:       token.PageSize,
					FilenamePrefix: token.FilenamePrefix,
				}
				if isFiltered {
					pft := *token.PartitionFilter
					nextToken.PartitionFilter = &partitionFilterToken{
						PartitionIndex:   pft.PartitionIndex,
						FilterPartitions: pft.FilterPartitions,
					}
				} else {
					nextToken.PartitionPageToken = token.PartitionPageToken
				}
				return entries[:token.PageSize], encdec.Base64JSONEncode(nextToken), nil
			}
		}
		token.FileIndex = 0

		if isFiltered {
			token.PartitionFilter.PartitionIndex++
		} else {
			if nextPartitionPageToken == "" {
				break
			}
			token.PartitionPageToken = nextPartitionPageToken
		}
	}

	return entries, "", nil
}

// readPartitionFiles lists files in a partition, sorted and filtered by prefix.
func (sa *ScanArchive) readPartitionFiles(
	partitionPath, sortOrder, filenamePrefix string,
) ([]os.FileInfo, error) {
	files, err := os.ReadDir(partitionPath)
	if err != nil {
		return nil, fmt.Errorf("partition %s: %w", partitionPath, ErrCannotReadPartition)
	}

	var fileInfos []os.FileInfo
	for _, file := range files {
		if !file.IsDir() {
			name := file.Name()
			if filenamePrefix == "" || strings.HasPrefix(name, filenamePrefix) {
				info, err := file.Info()
				if err != nil {
					return nil, fmt.Errorf("cannot stat file %s: %w", name, err)
				}
				fileInfos = append(fileInfos, info)
			}
		}
	}

	// Sort by name.
	sort.Slice(fileInfos, func(i, j int) bool {
		if strings.EqualFold(sortOrder, SortOrderDescending) {
			return fileInfos[i].Name() > fileInfos[j].Name()
		}
		return fileInfos[i].Name() < fileInfos[j].Name()
	})

	return fileInfos, nil
}

// validateAndGetScanPath validates the ScanKey and returns the absolute file path.
func (sa *ScanArchive) validateAndGetScanPath(key ScanKey) (string, error) {
	if key.FileName == "" {
		return "", fmt.Errorf("invalid request for scan document: %s", key.FileName)
	}
	// Check if the filename contains any directory components.
	if strings.Contains(key.FileName, string(os.PathSeparator)) {
		return "", fmt.Errorf(
			"scan document name should not contain directory components: %s",
			key.FileName,
		)
	}
	partitionDir, err := sa.partitions.PartitionDir(key)
	if err != nil {
		return "", fmt.Errorf(
			"could not get partition dir for scan document: %s, err: %w",
			key.FileName,
			err,
		)
	}
	return filepath.Join(sa.baseDir, partitionDir, key.FileName), nil
}
