package nslsii

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// providerConfig carries the option state shared by the proposal-based
// providers. Each constructor starts from its own defaults.
type providerConfig struct {
	granularity  YMDGranularity
	ymdSeparator string
	scanBaseName string
}

// ProviderOption configures the proposal-based path providers.
type ProviderOption func(*providerConfig)

// WithGranularity sets how many date levels the directory path carries.
func WithGranularity(g YMDGranularity) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.granularity = g
	}
}

// WithYMDSeparator overrides the separator between the year, month and day
// components. The device segment is unaffected, it always joins with the
// native path separator.
func WithYMDSeparator(sep string) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.ymdSeparator = sep
	}
}

// ProposalYMDPathProvider derives per-device asset directories beneath the
// active proposal: {beamlineRoot}/{cycle}/{data_session}/assets/{datePath}.
// The beamline root is resolved from the environment once, at construction.
type ProposalYMDPathProvider struct {
	fp           FilenameProvider
	md           Metadata
	granularity  YMDGranularity
	ymdSeparator string
	proposalsDir string
}

// NewProposalYMDPathProvider builds a provider over the given filename
// strategy and metadata view. Defaults: day granularity, native separator.
func NewProposalYMDPathProvider(
	fp FilenameProvider,
	md Metadata,
	opts ...ProviderOption,
) (*ProposalYMDPathProvider, error) {
	if fp == nil {
		return nil, errors.New("invalid filename provider")
	}
	if md == nil {
		return nil, errors.New("invalid metadata view")
	}

	cfg := providerConfig{
		granularity:  GranularityDay,
		ymdSeparator: string(os.PathSeparator),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.granularity < GranularityNone || cfg.granularity > GranularityDay {
		return nil, fmt.Errorf("invalid granularity %d", int(cfg.granularity))
	}

	return &ProposalYMDPathProvider{
		fp:           fp,
		md:           md,
		granularity:  cfg.granularity,
		ymdSeparator: cfg.ymdSeparator,
		proposalsDir: BeamlineProposalsDir(),
	}, nil
}

// DeviceDirpath returns the directory the device's files land in for the
// current date and metadata. Missing cycle or data_session metadata fails the
// call, the error names the offending key.
func (p *ProposalYMDPathProvider) DeviceDirpath(deviceName string) (string, error) {
	cycle, err := metadataString(p.md, MetaKeyCycle)
	if err != nil {
		return "", err
	}
	session, err := metadataString(p.md, MetaKeyDataSession)
	if err != nil {
		return "", err
	}

	datePath := GenerateDateDirPath(deviceName, p.ymdSeparator, p.granularity)
	return filepath.Join(p.proposalsDir, cycle, session, "assets", datePath), nil
}

// PathInfo implements PathProvider. CreateDirDepth is the negated granularity
// ordinal: exactly the date-derived levels may be created by the writer.
func (p *ProposalYMDPathProvider) PathInfo(deviceName string) (PathInfo, error) {
	dir, err := p.DeviceDirpath(deviceName)
	if err != nil {
		return PathInfo{}, err
	}
	filename, err := p.fp.Filename(deviceName)
	if err != nil {
		return PathInfo{}, err
	}
	return PathInfo{
		DirectoryPath:  dir,
		Filename:       filename,
		CreateDirDepth: -int(p.granularity),
	}, nil
}
