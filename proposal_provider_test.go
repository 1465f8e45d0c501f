package nslsii

import (
	"errors"
	"testing"
	"time"
)

// staticNamer is a canned FilenameProvider for provider tests.
type staticNamer struct {
	name string
	err  error
}

func (s staticNamer) Filename(string) (string, error) { return s.name, s.err }

func proposalMetadata() MapMetadata {
	return MapMetadata{
		MetaKeyCycle:       "2024-1",
		MetaKeyDataSession: "pass-123",
	}
}

func TestNewProposalYMDPathProvider_Validation(t *testing.T) {
	md := proposalMetadata()

	if _, err := NewProposalYMDPathProvider(nil, md); err == nil {
		t.Error("expected error for nil filename provider")
	}
	if _, err := NewProposalYMDPathProvider(staticNamer{name: "f"}, nil); err == nil {
		t.Error("expected error for nil metadata view")
	}
	if _, err := NewProposalYMDPathProvider(staticNamer{name: "f"}, md, WithGranularity(YMDGranularity(7))); err == nil {
		t.Error("expected error for out-of-range granularity")
	}
}

func TestProposalYMDPathProvider_DeviceDirpath(t *testing.T) {
	withFixedDate(t, 2024, time.March, 5)

	tests := []struct {
		name       string
		opts       []ProviderOption
		deviceName string
		want       string
	}{
		{
			name:       "default day granularity with device",
			deviceName: "camA",
			want:       "/nsls2/data/abc/proposals/2024-1/pass-123/assets/camA/2024/03/05",
		},
		{
			name: "default day granularity without device",
			want: "/nsls2/data/abc/proposals/2024-1/pass-123/assets/2024/03/05",
		},
		{
			name:       "custom ymd separator leaves the device join native",
			opts:       []ProviderOption{WithYMDSeparator("-")},
			deviceName: "camA",
			want:       "/nsls2/data/abc/proposals/2024-1/pass-123/assets/camA/2024-03-05",
		},
		{
			name: "month granularity",
			opts: []ProviderOption{WithGranularity(GranularityMonth)},
			want: "/nsls2/data/abc/proposals/2024-1/pass-123/assets/2024/03",
		},
		{
			name: "year granularity drops the trailing separator on join",
			opts: []ProviderOption{WithGranularity(GranularityYear)},
			want: "/nsls2/data/abc/proposals/2024-1/pass-123/assets/2024",
		},
		{
			name:       "granularity none ends at assets",
			opts:       []ProviderOption{WithGranularity(GranularityNone)},
			deviceName: "camA",
			want:       "/nsls2/data/abc/proposals/2024-1/pass-123/assets/camA",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(EnvEndstationAcronym, "")
			t.Setenv(EnvBeamlineAcronym, "abc")

			p, err := NewProposalYMDPathProvider(staticNamer{name: "f"}, proposalMetadata(), tc.opts...)
			if err != nil {
				t.Fatalf("NewProposalYMDPathProvider() error: %v", err)
			}
			got, err := p.DeviceDirpath(tc.deviceName)
			if err != nil {
				t.Fatalf("DeviceDirpath() error: %v", err)
			}
			if got != tc.want {
				t.Errorf("DeviceDirpath(%q) = %q, want %q", tc.deviceName, got, tc.want)
			}
		})
	}
}

func TestProposalYMDPathProvider_MetadataErrors(t *testing.T) {
	withFixedDate(t, 2024, time.March, 5)
	t.Setenv(EnvEndstationAcronym, "")
	t.Setenv(EnvBeamlineAcronym, "abc")

	tests := []struct {
		name    string
		md      MapMetadata
		wantErr error
	}{
		{
			name:    "missing cycle",
			md:      MapMetadata{MetaKeyDataSession: "pass-123"},
			wantErr: ErrMissingMetadata,
		},
		{
			name:    "missing data_session",
			md:      MapMetadata{MetaKeyCycle: "2024-1"},
			wantErr: ErrMissingMetadata,
		},
		{
			name:    "mistyped cycle",
			md:      MapMetadata{MetaKeyCycle: 20241, MetaKeyDataSession: "pass-123"},
			wantErr: ErrInvalidMetadata,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewProposalYMDPathProvider(staticNamer{name: "f"}, tc.md)
			if err != nil {
				t.Fatalf("NewProposalYMDPathProvider() error: %v", err)
			}
			if _, err := p.DeviceDirpath("camA"); !errors.Is(err, tc.wantErr) {
				t.Errorf("DeviceDirpath() error = %v, want %v", err, tc.wantErr)
			}
			if _, err := p.PathInfo("camA"); !errors.Is(err, tc.wantErr) {
				t.Errorf("PathInfo() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestProposalYMDPathProvider_PathInfo(t *testing.T) {
	withFixedDate(t, 2024, time.March, 5)

	tests := []struct {
		name      string
		opts      []ProviderOption
		wantDepth int
	}{
		{name: "day depth", wantDepth: -3},
		{name: "month depth", opts: []ProviderOption{WithGranularity(GranularityMonth)}, wantDepth: -2},
		{name: "year depth", opts: []ProviderOption{WithGranularity(GranularityYear)}, wantDepth: -1},
		{name: "none depth", opts: []ProviderOption{WithGranularity(GranularityNone)}, wantDepth: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(EnvEndstationAcronym, "")
			t.Setenv(EnvBeamlineAcronym, "abc")

			p, err := NewProposalYMDPathProvider(staticNamer{name: "frame"}, proposalMetadata(), tc.opts...)
			if err != nil {
				t.Fatalf("NewProposalYMDPathProvider() error: %v", err)
			}
			info, err := p.PathInfo("camA")
			if err != nil {
				t.Fatalf("PathInfo() error: %v", err)
			}
			if info.Filename != "frame" {
				t.Errorf("Filename = %q, want %q", info.Filename, "frame")
			}
			if info.CreateDirDepth != tc.wantDepth {
				t.Errorf("CreateDirDepth = %d, want %d", info.CreateDirDepth, tc.wantDepth)
			}
			wantDir, err := p.DeviceDirpath("camA")
			if err != nil {
				t.Fatalf("DeviceDirpath() error: %v", err)
			}
			if info.DirectoryPath != wantDir {
				t.Errorf("DirectoryPath = %q, want %q", info.DirectoryPath, wantDir)
			}
		})
	}
}

func TestProposalYMDPathProvider_FilenameErrorPropagates(t *testing.T) {
	withFixedDate(t, 2024, time.March, 5)
	t.Setenv(EnvEndstationAcronym, "")
	t.Setenv(EnvBeamlineAcronym, "abc")

	wantErr := errors.New("no name today")
	p, err := NewProposalYMDPathProvider(staticNamer{err: wantErr}, proposalMetadata())
	if err != nil {
		t.Fatalf("NewProposalYMDPathProvider() error: %v", err)
	}
	if _, err := p.PathInfo("camA"); !errors.Is(err, wantErr) {
		t.Errorf("PathInfo() error = %v, want %v", err, wantErr)
	}
}

func TestProposalYMDPathProvider_SeesExternalMetadataWrites(t *testing.T) {
	withFixedDate(t, 2024, time.March, 5)
	t.Setenv(EnvEndstationAcronym, "")
	t.Setenv(EnvBeamlineAcronym, "abc")

	md := proposalMetadata()
	p, err := NewProposalYMDPathProvider(staticNamer{name: "f"}, md, WithGranularity(GranularityNone))
	if err != nil {
		t.Fatalf("NewProposalYMDPathProvider() error: %v", err)
	}

	first, err := p.DeviceDirpath("")
	if err != nil {
		t.Fatalf("DeviceDirpath() error: %v", err)
	}

	// The run engine swaps sessions mid-stream, the provider must follow.
	md[MetaKeyDataSession] = "pass-456"
	second, err := p.DeviceDirpath("")
	if err != nil {
		t.Fatalf("DeviceDirpath() error: %v", err)
	}
	if first == second {
		t.Error("directory did not change after the metadata dictionary was updated")
	}
	want := "/nsls2/data/abc/proposals/2024-1/pass-456/assets"
	if second != want {
		t.Errorf("DeviceDirpath() = %q, want %q", second, want)
	}
}
