package grace

import (
	"sort"
	"time"
)

// Schedule is the set of day numbers at which pre-expiration warnings are
// sent, e.g. {7, 3, 1, 0}. Day 0 is expiration day.
type Schedule []int

// DefaultSchedule is the standard dunning escalation ladder.
var DefaultSchedule = Schedule{7, 3, 1, 0}

// Normalize returns the schedule sorted ascending with duplicates and
// negative days removed.
func (s Schedule) Normalize() Schedule {
	seen := make(map[int]bool, len(s))
	out := make(Schedule, 0, len(s))
	for _, d := range s {
		if d < 0 || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// NotificationDay maps days-remaining-until-expiration to the schedule day
// that should be announced, or ok=false when the subscription is still
// outside the earliest warning threshold. The mapping picks the smallest
// scheduled day that is >= daysRemaining, so a sweep that first sees a
// subscription at 2 days out announces the day-3 threshold it has already
// crossed.
func (s Schedule) NotificationDay(daysRemaining int) (day int, ok bool) {
	if daysRemaining < 0 {
		return 0, false
	}
	best, found := 0, false
	for _, d := range s {
		if d < daysRemaining {
			continue
		}
		if !found || d < best {
			best, found = d, true
		}
	}
	return best, found
}

// Horizon returns how far ahead of expiration the notification pass must
// look, which is the largest scheduled day.
func (s Schedule) Horizon() time.Duration {
	maxDay := 0
	for _, d := range s {
		if d > maxDay {
			maxDay = d
		}
	}
	return time.Duration(maxDay+1) * 24 * time.Hour
}

// DaysUntil computes ceil(t - now) in whole days. A boundary under 24h away
// is day 1; a boundary that already passed maps to zero or negative.
func DaysUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return int(d / (24 * time.Hour))
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}
