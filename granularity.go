package nslsii

import "fmt"

// YMDGranularity selects how many date-derived directory levels the path
// providers append below the assets directory. The integer value of a
// granularity equals that level count.
type YMDGranularity int

const (
	GranularityNone YMDGranularity = iota
	GranularityYear
	GranularityMonth
	GranularityDay
)

func (g YMDGranularity) String() string {
	switch g {
	case GranularityNone:
		return "none"
	case GranularityYear:
		return "year"
	case GranularityMonth:
		return "month"
	case GranularityDay:
		return "day"
	default:
		return fmt.Sprintf("YMDGranularity(%d)", int(g))
	}
}
