package nslsii

import (
	"testing"
	"time"
)

// withFixedDate pins the package clock for the duration of the test.
func withFixedDate(t *testing.T, year int, month time.Month, day int) {
	t.Helper()
	prev := now
	now = func() time.Time {
		return time.Date(year, month, day, 10, 30, 0, 0, time.Local)
	}
	t.Cleanup(func() { now = prev })
}

func TestGenerateDateDirPath(t *testing.T) {
	withFixedDate(t, 2024, time.March, 5)

	tests := []struct {
		name        string
		deviceName  string
		separator   string
		granularity YMDGranularity
		want        string
	}{
		{
			name:        "day with native separator",
			separator:   "/",
			granularity: GranularityDay,
			want:        "2024/03/05",
		},
		{
			name:        "day with custom separator",
			separator:   "-",
			granularity: GranularityDay,
			want:        "2024-03-05",
		},
		{
			name:        "day with empty separator",
			separator:   "",
			granularity: GranularityDay,
			want:        "20240305",
		},
		{
			name:        "month",
			separator:   "/",
			granularity: GranularityMonth,
			want:        "2024/03",
		},
		{
			name:        "year keeps the trailing separator",
			separator:   "/",
			granularity: GranularityYear,
			want:        "2024/",
		},
		{
			name:        "none is empty",
			separator:   "/",
			granularity: GranularityNone,
			want:        "",
		},
		{
			name:        "device joins with the native separator",
			deviceName:  "camA",
			separator:   "/",
			granularity: GranularityDay,
			want:        "camA/2024/03/05",
		},
		{
			name:        "device join ignores the custom ymd separator",
			deviceName:  "camA",
			separator:   "-",
			granularity: GranularityDay,
			want:        "camA/2024-03-05",
		},
		{
			name:        "device with granularity none",
			deviceName:  "camA",
			separator:   "/",
			granularity: GranularityNone,
			want:        "camA/",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := GenerateDateDirPath(tc.deviceName, tc.separator, tc.granularity)
			if got != tc.want {
				t.Errorf("GenerateDateDirPath(%q, %q, %s) = %q, want %q",
					tc.deviceName, tc.separator, tc.granularity, got, tc.want)
			}
		})
	}
}

func TestGenerateDateDirPath_ZeroPadding(t *testing.T) {
	withFixedDate(t, 2024, time.January, 2)
	if got := GenerateDateDirPath("", "/", GranularityDay); got != "2024/01/02" {
		t.Errorf("GenerateDateDirPath() = %q, want %q", got, "2024/01/02")
	}
}
