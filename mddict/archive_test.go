package mddict

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	nslsii "github.com/NSLS-II/nslsii-go"
)

func newDayArchive(t *testing.T) (*ScanArchive, string) {
	t.Helper()
	baseDir := t.TempDir()
	sa, err := NewScanArchive(
		baseDir,
		true,
		&DatePartitionProvider{Granularity: nslsii.GranularityDay},
	)
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}
	return sa, baseDir
}

func saveTestScans(t *testing.T, sa *ScanArchive, days []time.Time, names []string) {
	t.Helper()
	for _, day := range days {
		for _, name := range names {
			key := ScanKey{FileName: name, Start: day}
			if err := sa.SaveScan(key, map[string]any{"uid": name}); err != nil {
				t.Fatalf("SaveScan(%s, %s) failed: %v", day.Format("20060102"), name, err)
			}
		}
	}
}

func TestNewScanArchive(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name              string
		baseDir           string
		createIfMissing   bool
		partitions        PartitionProvider
		opts              []ArchiveOption
		expectError       bool
		expectedErrorText string
	}{
		{
			name:            "Creates missing base directory",
			baseDir:         filepath.Join(tempDir, "archive1"),
			createIfMissing: true,
			partitions:      &FlatPartitionProvider{},
		},
		{
			name:              "Missing base directory without create",
			baseDir:           filepath.Join(tempDir, "archive2"),
			createIfMissing:   false,
			partitions:        &FlatPartitionProvider{},
			expectError:       true,
			expectedErrorText: "does not exist",
		},
		{
			name:              "Nil partition provider",
			baseDir:           filepath.Join(tempDir, "archive3"),
			createIfMissing:   true,
			expectError:       true,
			expectedErrorText: "invalid partition provider",
		},
		{
			name:              "Nil file codec",
			baseDir:           filepath.Join(tempDir, "archive4"),
			createIfMissing:   true,
			partitions:        &FlatPartitionProvider{},
			opts:              []ArchiveOption{WithArchiveFileCodec(nil)},
			expectError:       true,
			expectedErrorText: "invalid file codec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScanArchive(tt.baseDir, tt.createIfMissing, tt.partitions, tt.opts...)
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if tt.expectedErrorText != "" && !strings.Contains(err.Error(), tt.expectedErrorText) {
					t.Errorf("error = %v, want it to contain %q", err, tt.expectedErrorText)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		})
	}
}

func TestScanArchive_SaveAndRead(t *testing.T) {
	sa, baseDir := newDayArchive(t)
	start := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)
	key := ScanKey{FileName: "scan_000001.json", Start: start}
	doc := map[string]any{"uid": "abc", "plan_name": "count"}

	if err := sa.SaveScan(key, doc); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}

	// The document lands in the day partition.
	if _, err := os.Stat(filepath.Join(baseDir, "20240305", "scan_000001.json")); err != nil {
		t.Fatalf("scan document not on disk: %v", err)
	}

	got, err := sa.ScanDocument(key, false)
	if err != nil {
		t.Fatalf("ScanDocument failed: %v", err)
	}
	if got["uid"] != "abc" || got["plan_name"] != "count" {
		t.Errorf("ScanDocument = %v, want %v", got, doc)
	}
}

func TestScanArchive_SaveScan_Validation(t *testing.T) {
	sa, _ := newDayArchive(t)
	start := time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		key  ScanKey
		doc  map[string]any
	}{
		{
			name: "Nil document",
			key:  ScanKey{FileName: "scan_000001.json", Start: start},
			doc:  nil,
		},
		{
			name: "Empty file name",
			key:  ScanKey{Start: start},
			doc:  map[string]any{},
		},
		{
			name: "File name with directory components",
			key:  ScanKey{FileName: "sub/scan_000001.json", Start: start},
			doc:  map[string]any{},
		},
		{
			name: "Missing start time for date partitioning",
			key:  ScanKey{FileName: "scan_000001.json"},
			doc:  map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := sa.SaveScan(tt.key, tt.doc); err == nil {
				t.Error("Expected error but got nil")
			}
		})
	}
}

func TestScanArchive_OpenScanCaching(t *testing.T) {
	sa, _ := newDayArchive(t)
	key := ScanKey{
		FileName: "scan_000001.json",
		Start:    time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC),
	}

	d1, err := sa.OpenScan(key, true, map[string]any{})
	if err != nil {
		t.Fatalf("OpenScan failed: %v", err)
	}
	d2, err := sa.OpenScan(key, true, map[string]any{})
	if err != nil {
		t.Fatalf("OpenScan failed: %v", err)
	}
	if d1 != d2 {
		t.Error("expected the same cached FileDict instance for repeated opens")
	}

	if err := sa.CloseScan(key); err != nil {
		t.Fatalf("CloseScan failed: %v", err)
	}
	d3, err := sa.OpenScan(key, true, map[string]any{})
	if err != nil {
		t.Fatalf("OpenScan failed: %v", err)
	}
	if d1 == d3 {
		t.Error("expected a fresh FileDict instance after CloseScan")
	}
}

func TestScanArchive_DeleteScan(t *testing.T) {
	sa, baseDir := newDayArchive(t)
	key := ScanKey{
		FileName: "scan_000001.json",
		Start:    time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC),
	}

	if err := sa.SaveScan(key, map[string]any{"uid": "abc"}); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}
	if err := sa.DeleteScan(key); err != nil {
		t.Fatalf("DeleteScan failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(baseDir, "20240305", "scan_000001.json")); !os.IsNotExist(err) {
		t.Errorf("scan document still on disk after delete: %v", err)
	}
	if _, err := sa.ScanDocument(key, false); err == nil {
		t.Error("Expected error reading a deleted scan document")
	}
}

func TestScanArchive_ListScans_Pagination(t *testing.T) {
	sa, _ := newDayArchive(t)
	days := []time.Time{
		time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 6, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 7, 0, 0, 0, 0, time.UTC),
	}
	saveTestScans(t, sa, days, []string{"scan_000001.json", "scan_000002.json"})

	config := ListingConfig{SortOrder: SortOrderAscending, PageSize: 4}
	entries, token, err := sa.ListScans(config, "")
	if err != nil {
		t.Fatalf("ListScans page 1 failed: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("page 1 has %d entries, want 4", len(entries))
	}
	wantFirst := filepath.Join("20240305", "scan_000001.json")
	if entries[0].BaseRelativePath != wantFirst {
		t.Errorf("first entry = %q, want %q", entries[0].BaseRelativePath, wantFirst)
	}
	if entries[0].PartitionName != "20240305" {
		t.Errorf("first entry partition = %q, want 20240305", entries[0].PartitionName)
	}
	if token == "" {
		t.Fatal("expected a next page token")
	}

	entries, token, err = sa.ListScans(config, token)
	if err != nil {
		t.Fatalf("ListScans page 2 failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("page 2 has %d entries, want 2", len(entries))
	}
	wantLast := filepath.Join("20240307", "scan_000002.json")
	if entries[1].BaseRelativePath != wantLast {
		t.Errorf("last entry = %q, want %q", entries[1].BaseRelativePath, wantLast)
	}
	if token != "" {
		t.Errorf("page 2 token = %q, want empty", token)
	}
}

func TestScanArchive_ListScans_Descending(t *testing.T) {
	sa, _ := newDayArchive(t)
	days := []time.Time{
		time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 6, 0, 0, 0, 0, time.UTC),
	}
	saveTestScans(t, sa, days, []string{"scan_000001.json", "scan_000002.json"})

	entries, _, err := sa.ListScans(ListingConfig{SortOrder: SortOrderDescending, PageSize: 10}, "")
	if err != nil {
		t.Fatalf("ListScans failed: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	wantFirst := filepath.Join("20240306", "scan_000002.json")
	if entries[0].BaseRelativePath != wantFirst {
		t.Errorf("first entry = %q, want %q", entries[0].BaseRelativePath, wantFirst)
	}
}

func TestScanArchive_ListScans_FilterPartitions(t *testing.T) {
	sa, _ := newDayArchive(t)
	days := []time.Time{
		time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 6, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 7, 0, 0, 0, 0, time.UTC),
	}
	saveTestScans(t, sa, days, []string{"scan_000001.json", "scan_000002.json"})

	config := ListingConfig{
		SortOrder:        SortOrderAscending,
		PageSize:         10,
		FilterPartitions: []string{"20240306"},
	}
	entries, token, err := sa.ListScans(config, "")
	if err != nil {
		t.Fatalf("ListScans failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.PartitionName != "20240306" {
			t.Errorf("entry %q outside filtered partition", e.BaseRelativePath)
		}
	}
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}

func TestScanArchive_ListScans_FilenamePrefix(t *testing.T) {
	sa, _ := newDayArchive(t)
	day := time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)
	saveTestScans(t, sa, []time.Time{day}, []string{
		"scan_000001.json",
		"scan_000002.json",
		"count_000003.json",
	})

	entries, _, err := sa.ListScans(ListingConfig{
		SortOrder:      SortOrderAscending,
		PageSize:       10,
		FilenamePrefix: "count_",
	}, "")
	if err != nil {
		t.Fatalf("ListScans failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	want := filepath.Join("20240305", "count_000003.json")
	if entries[0].BaseRelativePath != want {
		t.Errorf("entry = %q, want %q", entries[0].BaseRelativePath, want)
	}
}

func TestScanArchive_ListScans_SkipsUnreadablePartition(t *testing.T) {
	sa, baseDir := newDayArchive(t)
	days := []time.Time{
		time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 6, 0, 0, 0, 0, time.UTC),
	}
	saveTestScans(t, sa, days, []string{"scan_000001.json"})

	blocked := filepath.Join(baseDir, "20240305")
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("Failed to change partition permissions: %v", err)
	}
	defer func() {
		_ = os.Chmod(blocked, 0o755)
	}()

	entries, _, err := sa.ListScans(ListingConfig{SortOrder: SortOrderAscending, PageSize: 10}, "")
	if err != nil {
		t.Fatalf("ListScans failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].PartitionName != "20240306" {
		t.Errorf("entry partition = %q, want 20240306", entries[0].PartitionName)
	}
}

func TestScanArchive_ListScans_InvalidToken(t *testing.T) {
	sa, _ := newDayArchive(t)
	_, _, err := sa.ListScans(ListingConfig{SortOrder: SortOrderAscending, PageSize: 10}, "%%%bad")
	if err == nil || !strings.Contains(err.Error(), "invalid page token") {
		t.Errorf("got %v, want invalid page token error", err)
	}
}

func TestScanArchive_ListScans_Empty(t *testing.T) {
	sa, _ := newDayArchive(t)
	entries, token, err := sa.ListScans(ListingConfig{SortOrder: SortOrderAscending, PageSize: 10}, "")
	if err != nil {
		t.Fatalf("ListScans failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries, want 0", len(entries))
	}
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}

func TestScanArchive_ListenersSeeScanWrites(t *testing.T) {
	baseDir := t.TempDir()
	var ops []Op
	sa, err := NewScanArchive(
		baseDir,
		true,
		&FlatPartitionProvider{},
		WithArchiveListeners(func(e Event) { ops = append(ops, e.Op) }),
	)
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}

	key := ScanKey{FileName: "scan_000001.json"}
	if err := sa.SaveScan(key, map[string]any{"uid": "abc"}); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}
	if err := sa.DeleteScan(key); err != nil {
		t.Fatalf("DeleteScan failed: %v", err)
	}

	wantOps := []Op{OpSetAll, OpDelete}
	if len(ops) != len(wantOps) {
		t.Fatalf("got ops %v, want %v", ops, wantOps)
	}
	for i := range ops {
		if ops[i] != wantOps[i] {
			t.Fatalf("got ops %v, want %v", ops, wantOps)
		}
	}
}
