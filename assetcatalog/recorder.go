package assetcatalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	nslsii "github.com/NSLS-II/nslsii-go"
)

// RecordingPathProvider wraps a path provider and indexes every descriptor it
// hands out. Indexing is best effort: a catalog write failure is logged and
// the descriptor is still returned, SyncTreeToCatalog repairs missed entries
// on the next rebuild.
type RecordingPathProvider struct {
	inner nslsii.PathProvider
	md    nslsii.Metadata
	eng   *Engine
}

// NewRecordingPathProvider builds the decorator.
// md may be nil, the recorder then indexes only the fields derivable from the
// descriptor itself.
func NewRecordingPathProvider(
	inner nslsii.PathProvider,
	md nslsii.Metadata,
	eng *Engine,
) (*RecordingPathProvider, error) {
	if inner == nil {
		return nil, errors.New("assetcatalog: nil path provider")
	}
	if eng == nil {
		return nil, errors.New("assetcatalog: nil engine")
	}
	return &RecordingPathProvider{inner: inner, md: md, eng: eng}, nil
}

func (p *RecordingPathProvider) PathInfo(deviceName string) (nslsii.PathInfo, error) {
	info, err := p.inner.PathInfo(deviceName)
	if err != nil {
		return info, err
	}

	id := filepath.Join(info.DirectoryPath, info.Filename)
	if err := p.eng.Upsert(context.Background(), id, p.descriptorValues(deviceName, info)); err != nil {
		slog.Warn("asset catalog record failed", "id", id, "error", err)
	}
	return info, nil
}

func (p *RecordingPathProvider) descriptorValues(
	deviceName string,
	info nslsii.PathInfo,
) map[string]string {
	vals := map[string]string{
		ColDevice:    deviceName,
		ColFilename:  info.Filename,
		ColDirectory: info.DirectoryPath,
		ColIssued:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if p.md == nil {
		return vals
	}

	if v, ok := p.md.Lookup(nslsii.MetaKeyCycle); ok {
		if s, ok := v.(string); ok && s != "" {
			vals[ColCycle] = s
		}
	}
	if v, ok := p.md.Lookup(nslsii.MetaKeyDataSession); ok {
		if s, ok := v.(string); ok && s != "" {
			vals[ColDataSession] = s
		}
	}
	if id, err := nslsii.ScanID(p.md); err == nil {
		vals[ColScan] = fmt.Sprintf("%06d", id)
	}
	return vals
}
