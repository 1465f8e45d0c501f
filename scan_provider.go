package nslsii

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultScanBaseName prefixes scan directories unless overridden.
const DefaultScanBaseName = "scan"

// WithScanBaseName overrides the base name of the per-scan directory,
// "{base}_{scan_id}". Only the scan provider reads it.
func WithScanBaseName(base string) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.scanBaseName = base
	}
}

// ProposalScanPathProvider groups files by scan: it appends a
// "{base}_{scan_id}" directory (scan id zero-padded to six digits) below the
// proposal/date directory. Defaults differ from the YMD provider: no date
// levels unless granularity is raised explicitly.
type ProposalScanPathProvider struct {
	ymd          *ProposalYMDPathProvider
	scanBaseName string
}

// NewProposalScanPathProvider builds a scan-grouping provider.
// Defaults: granularity none, native separator, base name "scan".
func NewProposalScanPathProvider(
	fp FilenameProvider,
	md Metadata,
	opts ...ProviderOption,
) (*ProposalScanPathProvider, error) {
	cfg := providerConfig{
		granularity:  GranularityNone,
		ymdSeparator: string(os.PathSeparator),
		scanBaseName: DefaultScanBaseName,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ymd, err := NewProposalYMDPathProvider(
		fp,
		md,
		WithGranularity(cfg.granularity),
		WithYMDSeparator(cfg.ymdSeparator),
	)
	if err != nil {
		return nil, err
	}

	return &ProposalScanPathProvider{
		ymd:          ymd,
		scanBaseName: cfg.scanBaseName,
	}, nil
}

// PathInfo implements PathProvider. The scan directory is one level the
// writer always creates, so CreateDirDepth is the negated granularity
// ordinal minus one. A missing or non-integer scan_id fails the call.
func (p *ProposalScanPathProvider) PathInfo(deviceName string) (PathInfo, error) {
	dir, err := p.ymd.DeviceDirpath(deviceName)
	if err != nil {
		return PathInfo{}, err
	}
	scanID, err := ScanID(p.ymd.md)
	if err != nil {
		return PathInfo{}, err
	}
	filename, err := p.ymd.fp.Filename(deviceName)
	if err != nil {
		return PathInfo{}, err
	}

	return PathInfo{
		DirectoryPath:  filepath.Join(dir, fmt.Sprintf("%s_%06d", p.scanBaseName, scanID)),
		Filename:       filename,
		CreateDirDepth: -int(p.ymd.granularity) - 1,
	}, nil
}
