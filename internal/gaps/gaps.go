// Package gaps detects missing bars in persisted series and re-fetches them.
//
// Detection is a pure function over ascending timestamps. Healing walks the
// fetch window around each gap page by page through the shared retry
// executor, clipping every page to the window so that neighbouring bars are
// left untouched apart from an idempotent overwrite of the two boundary bars.
package gaps

import (
	"math"
	"sort"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// Tolerance is the multiple of the step a delta must exceed to count as a gap.
const Tolerance = 1.5

// DetectGaps returns the gaps in timestamps for series key at the given step.
// The input need not be sorted; exact duplicates are ignored. Fewer than two
// distinct timestamps never produce a gap.
func DetectGaps(key models.SeriesKey, timestamps []time.Time, step time.Duration) []models.Gap {
	if len(timestamps) < 2 || step <= 0 {
		return nil
	}

	sorted := append([]time.Time(nil), timestamps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	threshold := time.Duration(float64(step) * Tolerance)

	var out []models.Gap
	prev := sorted[0]
	for _, curr := range sorted[1:] {
		delta := curr.Sub(prev)
		if delta == 0 {
			continue
		}
		if delta > threshold {
			missing := int(math.Round(float64(delta)/float64(step))) - 1
			if missing < 0 {
				missing = 0
			}
			out = append(out, models.Gap{
				Key:         key,
				Start:       prev.Add(step).UTC(),
				End:         curr.Add(-step).UTC(),
				MissingBars: missing,
			})
		}
		prev = curr
	}
	return out
}

// TotalMissing sums MissingBars over gaps.
func TotalMissing(gaps []models.Gap) int {
	n := 0
	for _, g := range gaps {
		n += g.MissingBars
	}
	return n
}
