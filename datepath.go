package nslsii

import (
	"fmt"
	"os"
	"time"
)

// Wall clock for date directory formatting. Tests pin this to a fixed date.
var now = time.Now

// GenerateDateDirPath formats the current local calendar date as a relative
// directory fragment: "YYYY<sep>MM<sep>DD" for day granularity, "YYYY<sep>MM"
// for month, "YYYY<sep>" for year (the trailing separator is kept) and "" for
// none. A non-empty deviceName is prepended as its own segment, always joined
// with the native path separator even when ymdSeparator is something else.
func GenerateDateDirPath(deviceName, ymdSeparator string, g YMDGranularity) string {
	year, month, day := now().Date()

	var datePath string
	switch g {
	case GranularityDay:
		datePath = fmt.Sprintf("%04d%s%02d%s%02d", year, ymdSeparator, int(month), ymdSeparator, day)
	case GranularityMonth:
		datePath = fmt.Sprintf("%04d%s%02d", year, ymdSeparator, int(month))
	case GranularityYear:
		datePath = fmt.Sprintf("%04d%s", year, ymdSeparator)
	default:
		datePath = ""
	}

	if deviceName != "" {
		datePath = deviceName + string(os.PathSeparator) + datePath
	}
	return datePath
}
