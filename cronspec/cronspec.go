// Package cronspec parses 5-field (minute-precision) and 6-field
// (second-precision) cron expressions, computes the next fire instant after
// a given time, derives a schedule's minimum inter-fire interval, and
// validates a schedule against a subscription tier's cadence floor.
package cronspec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"oss.nandlabs.io/hookforge/model"
)

// fieldBounds describes the valid value range for one cron field.
type fieldBounds struct {
	min, max int
}

var (
	secondBounds = fieldBounds{0, 59}
	minuteBounds = fieldBounds{0, 59}
	hourBounds   = fieldBounds{0, 23}
	domBounds    = fieldBounds{1, 31}
	monthBounds  = fieldBounds{1, 12}
	dowBounds    = fieldBounds{0, 6}
)

// Schedule is a parsed cron expression ready for evaluation.
type Schedule struct {
	raw         string
	hasSeconds  bool
	seconds     map[int]bool
	minutes     map[int]bool
	hours       map[int]bool
	doms        map[int]bool
	months      map[int]bool
	dows        map[int]bool
	domWildcard bool
	dowWildcard bool
}

// ErrMalformed is returned when a cron expression cannot be parsed.
type ErrMalformed struct {
	Expr   string
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed cron expression %q: %s", e.Expr, e.Reason)
}

// Parse parses a 5-field or 6-field cron expression. A 6-field expression
// has a leading seconds field; a 5-field expression runs at second 0.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	var secField, minField, hourField, domField, monthField, dowField string
	hasSeconds := false

	switch len(fields) {
	case 5:
		minField, hourField, domField, monthField, dowField = fields[0], fields[1], fields[2], fields[3], fields[4]
		secField = "0"
	case 6:
		hasSeconds = true
		secField, minField, hourField, domField, monthField, dowField = fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]
	default:
		return nil, &ErrMalformed{Expr: expr, Reason: "expected 5 or 6 whitespace-separated fields"}
	}

	seconds, err := parseField(secField, secondBounds)
	if err != nil {
		return nil, &ErrMalformed{Expr: expr, Reason: "seconds: " + err.Error()}
	}
	minutes, err := parseField(minField, minuteBounds)
	if err != nil {
		return nil, &ErrMalformed{Expr: expr, Reason: "minutes: " + err.Error()}
	}
	hours, err := parseField(hourField, hourBounds)
	if err != nil {
		return nil, &ErrMalformed{Expr: expr, Reason: "hours: " + err.Error()}
	}
	doms, err := parseField(domField, domBounds)
	if err != nil {
		return nil, &ErrMalformed{Expr: expr, Reason: "day-of-month: " + err.Error()}
	}
	months, err := parseField(monthField, monthBounds)
	if err != nil {
		return nil, &ErrMalformed{Expr: expr, Reason: "month: " + err.Error()}
	}
	dows, err := parseField(dowField, dowBounds)
	if err != nil {
		return nil, &ErrMalformed{Expr: expr, Reason: "day-of-week: " + err.Error()}
	}

	return &Schedule{
		raw:         expr,
		hasSeconds:  hasSeconds,
		seconds:     seconds,
		minutes:     minutes,
		hours:       hours,
		doms:        doms,
		months:      months,
		dows:        dows,
		domWildcard: domField == "*" || domField == "?",
		dowWildcard: dowField == "*" || dowField == "?",
	}, nil
}

// parseField expands a single cron field ("*", "*/n", "a-b", "a-b/n",
// comma-separated lists of the above, or a literal integer) into the set
// of matching values within bounds.
func parseField(field string, bounds fieldBounds) (map[int]bool, error) {
	result := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return nil, fmt.Errorf("empty field component")
		}
		step := 1
		rangePart := part
		if idx := strings.Index(part, "/"); idx >= 0 {
			rangePart = part[:idx]
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			step = n
		}

		lo, hi := bounds.min, bounds.max
		switch {
		case rangePart == "*" || rangePart == "?":
			// lo, hi already full range
		case strings.Contains(rangePart, "-"):
			bounds2 := strings.SplitN(rangePart, "-", 2)
			a, err1 := strconv.Atoi(bounds2[0])
			b, err2 := strconv.Atoi(bounds2[1])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("invalid range %q", rangePart)
			}
			lo, hi = a, b
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", rangePart)
			}
			lo, hi = v, v
		}

		if lo < bounds.min || hi > bounds.max || lo > hi {
			return nil, fmt.Errorf("value out of range in %q (allowed %d-%d)", part, bounds.min, bounds.max)
		}
		for v := lo; v <= hi; v += step {
			result[v] = true
		}
	}
	return result, nil
}

// dayMatches applies the standard cron OR rule: if both day-of-month and
// day-of-week are restricted (not a wildcard), the day matches when either
// restriction is satisfied; otherwise the single restricted field (or
// neither) governs.
func (s *Schedule) dayMatches(t time.Time) bool {
	domMatch := s.doms[t.Day()]
	dowMatch := s.dows[int(t.Weekday())]
	if s.domWildcard && s.dowWildcard {
		return true
	}
	if s.domWildcard {
		return dowMatch
	}
	if s.dowWildcard {
		return domMatch
	}
	return domMatch || dowMatch
}

func (s *Schedule) matches(t time.Time) bool {
	return s.seconds[t.Second()] &&
		s.minutes[t.Minute()] &&
		s.hours[t.Hour()] &&
		s.months[int(t.Month())] &&
		s.dayMatches(t)
}

// maxSearchHorizon bounds how far into the future Next will search before
// giving up, guarding against schedules that can never be satisfied
// (e.g. Feb 30th).
const maxSearchHorizon = 5 * 365 * 24 * time.Hour

// Next returns the smallest instant strictly greater than after that
// matches the schedule, truncated to whole seconds, or the zero Time if no
// match is found within the search horizon.
func (s *Schedule) Next(after time.Time) time.Time {
	loc := after.Location()
	t := after.Truncate(time.Second).Add(time.Second)
	deadline := after.Add(maxSearchHorizon)

	granularity := time.Minute
	if s.hasSeconds {
		granularity = time.Second
	} else {
		t = t.Truncate(time.Minute)
		if !t.After(after) {
			t = t.Add(time.Minute)
		}
	}

	for t.Before(deadline) {
		if !s.months[int(t.Month())] {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
			continue
		}
		if !s.hours[t.Hour()] {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(time.Hour)
			continue
		}
		if !s.minutes[t.Minute()] {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc).Add(time.Minute)
			continue
		}
		if granularity == time.Second && !s.seconds[t.Second()] {
			t = t.Add(time.Second)
			continue
		}
		return t
	}
	return time.Time{}
}

// NextFireAfter parses cron in the given IANA timezone name and returns the
// next fire instant strictly greater than t.
func NextFireAfter(cron, tz string, t time.Time) (time.Time, error) {
	sched, err := Parse(cron)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, &ErrMalformed{Expr: cron, Reason: "invalid timezone " + tz}
	}
	return sched.Next(t.In(loc)), nil
}

// fastPathSeconds reports the literal seconds-field step or value, if the
// 6-field seconds field is "*/N" or a bare integer N, else 0, false.
func fastPathSeconds(expr string) (int, bool) {
	fields := strings.Fields(expr)
	if len(fields) != 6 {
		return 0, false
	}
	sec := fields[0]
	if strings.HasPrefix(sec, "*/") {
		n, err := strconv.Atoi(sec[2:])
		if err == nil && n > 0 {
			return n, true
		}
		return 0, false
	}
	if n, err := strconv.Atoi(sec); err == nil {
		return n, true
	}
	return 0, false
}

// minIntervalSamples is how many future fires MinInterval inspects when it
// cannot take the fast path.
const minIntervalSamples = 100

// MinInterval returns the smallest inter-fire gap, in seconds, across the
// first 100 future fires of cron (evaluated in UTC, since the gap between
// successive instants does not depend on timezone for fixed-offset zones).
// As a fast path, if the seconds field is "*/N" or a literal integer N, it
// returns N directly without simulating fires.
func MinInterval(cron string) (int, error) {
	if n, ok := fastPathSeconds(cron); ok {
		return n, nil
	}

	sched, err := Parse(cron)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	prev := sched.Next(now)
	if prev.IsZero() {
		return 0, nil
	}

	min := -1
	cur := prev
	for i := 0; i < minIntervalSamples; i++ {
		next := sched.Next(cur)
		if next.IsZero() {
			break
		}
		gap := int(next.Sub(cur).Seconds())
		if min < 0 || gap < min {
			min = gap
		}
		cur = next
	}
	if min < 0 {
		return 0, nil
	}
	return min, nil
}

// TierFloorSeconds is the minimum inter-fire cadence, in seconds, a Tier
// permits.
func TierFloorSeconds(tier model.Tier) int {
	if tier == model.TierPro {
		return 5
	}
	return 300
}

// ValidationError is returned by ValidateForTier when a schedule's cadence
// violates its tier's floor.
type ValidationError struct {
	Tier    model.Tier
	Floor   int
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidateForTier rejects schedules whose cadence violates the tier floor.
// A zero minInterval (degenerate / once-only schedule) is rejected only
// when its first fire lies within the tier floor of now.
func ValidateForTier(cron, tz string, tier model.Tier, now time.Time) error {
	floor := TierFloorSeconds(tier)
	interval, err := MinInterval(cron)
	if err != nil {
		return err
	}

	if interval == 0 {
		first, ferr := NextFireAfter(cron, tz, now)
		if ferr != nil {
			return ferr
		}
		if first.IsZero() {
			return nil
		}
		if first.Sub(now) < time.Duration(floor)*time.Second {
			return &ValidationError{
				Tier:  tier,
				Floor: floor,
				Message: fmt.Sprintf("schedule fires within %s of now, which is below the %s-tier floor of %s",
					floorDesc(int(first.Sub(now).Seconds())), tier, floorDesc(floor)),
			}
		}
		return nil
	}

	if interval < floor {
		return &ValidationError{
			Tier:  tier,
			Floor: floor,
			Message: fmt.Sprintf("schedule cadence of %s is below the %s-tier floor of %s",
				floorDesc(interval), tier, floorDesc(floor)),
		}
	}
	return nil
}

// floorDesc renders a second count as a human-readable duration, matching
// the "5 minutes" phrasing used in tier-floor validation messages.
func floorDesc(seconds int) string {
	if seconds%60 == 0 && seconds >= 60 {
		m := seconds / 60
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	if seconds == 1 {
		return "1 second"
	}
	return fmt.Sprintf("%d seconds", seconds)
}
