package mddict

import (
	"fmt"

	nslsii "github.com/NSLS-II/nslsii-go"
)

// FlatPartitionProvider is a default implementation that treats the archive root as a single partition.
type FlatPartitionProvider struct{}

// PartitionDir returns an empty string, indicating no partitioning.
func (p *FlatPartitionProvider) PartitionDir(_ ScanKey) (string, error) {
	return "", nil
}

// ListPartitions returns a single partition representing the archive root.
func (p *FlatPartitionProvider) ListPartitions(
	baseDir string,
	sortOrder string,
	pageToken string,
	pageSize int,
) (partitions []string, nextPageToken string, err error) {
	return []string{""}, "", nil
}

// DatePartitionProvider buckets scan documents by their start time, at the
// same year/month/day granularities the path providers use.
// GranularityNone behaves like no partitioning.
type DatePartitionProvider struct {
	Granularity nslsii.YMDGranularity
}

// PartitionDir derives the partition directory from the scan start time.
func (p *DatePartitionProvider) PartitionDir(key ScanKey) (string, error) {
	if p.Granularity == nslsii.GranularityNone {
		return "", nil
	}
	if key.Start.IsZero() {
		return "", fmt.Errorf("no start time for scan document: %s", key.FileName)
	}
	switch p.Granularity {
	case nslsii.GranularityYear:
		return key.Start.Format("2006"), nil
	case nslsii.GranularityMonth:
		return key.Start.Format("200601"), nil
	case nslsii.GranularityDay:
		return key.Start.Format("20060102"), nil
	default:
		return "", fmt.Errorf("unknown granularity %v for scan document: %s", p.Granularity, key.FileName)
	}
}

// ListPartitions returns a paginated and sorted list of partition directories in the base directory.
func (p *DatePartitionProvider) ListPartitions(
	baseDir string,
	sortOrder string,
	pageToken string,
	pageSize int,
) (partitions []string, nextPageToken string, err error) {
	if p.Granularity == nslsii.GranularityNone {
		return []string{""}, "", nil
	}
	return ListDirs(baseDir, sortOrder, pageToken, pageSize)
}
