package models

import (
	"fmt"
	"time"
)

// Gap is a run of missing bars inside a persisted series. Start is the first
// missing bar and End the last missing bar, so the bars on either side of the
// gap sit at Start-step and End+step. Gaps are derived on demand and never stored.
type Gap struct {
	Key         SeriesKey `json:"key"`
	Start       time.Time `json:"start_ts"`
	End         time.Time `json:"end_ts"`
	MissingBars int       `json:"missing_bars"`
}

// Window returns the fetch window used to heal the gap: one step before Start
// through one step after End.
func (g Gap) Window(step time.Duration) (time.Time, time.Time) {
	return g.Start.Add(-step), g.End.Add(step)
}

// Duration returns the span covered by the missing bars.
func (g Gap) Duration() time.Duration {
	return g.End.Sub(g.Start)
}

func (g Gap) String() string {
	return fmt.Sprintf("Gap{%s %s..%s missing=%d}",
		g.Key, g.Start.UTC().Format(time.RFC3339), g.End.UTC().Format(time.RFC3339), g.MissingBars)
}
