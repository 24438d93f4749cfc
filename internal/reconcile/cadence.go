package reconcile

import (
	"sort"
	"time"
)

// cadenceWindow bounds how many trailing inter-backup gaps feed the
// cadence estimate. Old history must not dilute a schedule change.
const cadenceWindow = 10

const day = 24 * time.Hour

// detectCadence estimates the backup schedule of a guest as the median
// gap between consecutive backups over the trailing window. With fewer
// than three backups on record there are not enough gaps to call a
// schedule, so a daily cadence is assumed. The result never drops below
// one day: sub-daily backups still get day-scale freshness thresholds.
func detectCadence(times []time.Time) time.Duration {
	if len(times) < 3 {
		return day
	}

	sorted := make([]time.Time, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	gaps := make([]time.Duration, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].Sub(sorted[i-1]))
	}
	if len(gaps) > cadenceWindow {
		gaps = gaps[len(gaps)-cadenceWindow:]
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })

	var median time.Duration
	mid := len(gaps) / 2
	if len(gaps)%2 == 1 {
		median = gaps[mid]
	} else {
		median = (gaps[mid-1] + gaps[mid]) / 2
	}

	if median < day {
		return day
	}
	return median
}

// defaultThresholds derives warning and critical backup-age thresholds
// from the detected cadence, so a weekly-backup guest is not flagged
// outdated merely because more than a day has passed. One fully missed
// cycle is tolerated; the second missed cycle warns; by the third the
// guest is critical.
func defaultThresholds(cadence time.Duration) (warn, critical time.Duration) {
	return 2 * cadence, 3 * cadence
}
