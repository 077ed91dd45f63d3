package gateway

import (
	"time"
)

// stalenessThreshold is the age past which a result's freshest timestamp
// marks the whole response stale.
const stalenessThreshold = time.Hour

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02",
}

// cellTime extracts a timestamp from a result cell when the cell is
// time-typed or a parseable timestamp string.
func cellTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	case string:
		s := t
		if len(s) > 26 {
			s = s[:26]
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// rowStale reports whether one row's first timestamp cell is older than the
// threshold. A row carrying no timestamp at all counts as stale: the result
// has no freshness evidence.
func rowStale(row []any, now time.Time) bool {
	for _, cell := range row {
		if ts, ok := cellTime(cell); ok {
			return now.Sub(ts.UTC()) > stalenessThreshold
		}
	}
	return true
}

// resultStale annotates a fetched result set: stale when any row is stale.
// An empty result is not stale.
func resultStale(rows [][]any, now time.Time) bool {
	for _, row := range rows {
		if rowStale(row, now) {
			return true
		}
	}
	return false
}
