package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// RuleKind classifies a parsed repeat rule.
type RuleKind int

const (
	RuleOnce RuleKind = iota
	RuleDaily
	RuleWeekly
	RuleMonthlyByDate
	RuleMonthlyNth
	RuleMonthlyLast
)

func (k RuleKind) String() string {
	switch k {
	case RuleOnce:
		return "once"
	case RuleDaily:
		return "daily"
	case RuleWeekly:
		return "weekly"
	case RuleMonthlyByDate:
		return "monthly"
	case RuleMonthlyNth:
		return "monthly-nth"
	case RuleMonthlyLast:
		return "monthly-last"
	default:
		return "unknown"
	}
}

// Rule is a parsed repeat rule.
//
// The wire form is a 5-field string: "minute hour day-of-month month day-of-week".
// Unused fields are "*". The day-of-week field additionally accepts "W#N"
// (Nth weekday W of the month) and "WL" (last weekday W of the month), which
// plain cron grammar has no spelling for.
//
// Plain daily/weekly/monthly-by-date rules delegate next-time math to
// robfig/cron; once and nth/last rules use calendar math here.
type Rule struct {
	Kind   RuleKind
	Minute int
	Hour   int

	// RuleOnce / RuleMonthlyByDate
	Day   int
	Month time.Month // RuleOnce only

	// RuleWeekly
	Weekdays []time.Weekday

	// RuleMonthlyNth / RuleMonthlyLast
	Weekday time.Weekday
	Nth     int

	spec  string
	sched cron.Schedule // set for kinds delegated to robfig/cron
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// String returns the rule's wire form.
func (r Rule) String() string { return r.spec }

// OneTime reports whether the rule fires exactly once.
func (r Rule) OneTime() bool { return r.Kind == RuleOnce }

// ParseRule parses the 5-field rule grammar. A parse error means the rule can
// never be armed; callers treat it as a permanent scheduling failure.
func ParseRule(spec string) (Rule, error) {
	fields := strings.Fields(strings.TrimSpace(spec))
	if len(fields) != 5 {
		return Rule{}, fmt.Errorf("repeat rule %q: want 5 fields, got %d", spec, len(fields))
	}
	r := Rule{spec: strings.Join(fields, " ")}

	var err error
	if r.Minute, err = parseRuleInt(fields[0], 0, 59, "minute"); err != nil {
		return Rule{}, fmt.Errorf("repeat rule %q: %w", spec, err)
	}
	if r.Hour, err = parseRuleInt(fields[1], 0, 23, "hour"); err != nil {
		return Rule{}, fmt.Errorf("repeat rule %q: %w", spec, err)
	}

	dom, month, dow := fields[2], fields[3], fields[4]

	switch {
	case dom != "*" && month != "*":
		// One-time: absolute day and month, literal calendar date.
		if dow != "*" {
			return Rule{}, fmt.Errorf("repeat rule %q: one-time rules take no day-of-week", spec)
		}
		r.Kind = RuleOnce
		if r.Day, err = parseRuleInt(dom, 1, 31, "day-of-month"); err != nil {
			return Rule{}, fmt.Errorf("repeat rule %q: %w", spec, err)
		}
		m, err := parseRuleInt(month, 1, 12, "month")
		if err != nil {
			return Rule{}, fmt.Errorf("repeat rule %q: %w", spec, err)
		}
		r.Month = time.Month(m)
		return r, nil

	case dom != "*":
		if dow != "*" {
			return Rule{}, fmt.Errorf("repeat rule %q: day-of-month and day-of-week are exclusive", spec)
		}
		r.Kind = RuleMonthlyByDate
		if r.Day, err = parseRuleInt(dom, 1, 31, "day-of-month"); err != nil {
			return Rule{}, fmt.Errorf("repeat rule %q: %w", spec, err)
		}
		return r.withCron()

	case month != "*":
		return Rule{}, fmt.Errorf("repeat rule %q: month requires day-of-month", spec)

	case strings.Contains(dow, "#"):
		wd, nth, err := parseNthWeekday(dow)
		if err != nil {
			return Rule{}, fmt.Errorf("repeat rule %q: %w", spec, err)
		}
		r.Kind = RuleMonthlyNth
		r.Weekday, r.Nth = wd, nth
		return r, nil

	case strings.HasSuffix(dow, "L"):
		wd, err := parseRuleInt(strings.TrimSuffix(dow, "L"), 0, 6, "day-of-week")
		if err != nil {
			return Rule{}, fmt.Errorf("repeat rule %q: %w", spec, err)
		}
		r.Kind = RuleMonthlyLast
		r.Weekday = time.Weekday(wd)
		return r, nil

	case dow != "*":
		days, err := parseWeekdaySet(dow)
		if err != nil {
			return Rule{}, fmt.Errorf("repeat rule %q: %w", spec, err)
		}
		r.Kind = RuleWeekly
		r.Weekdays = days
		return r.withCron()

	default:
		r.Kind = RuleDaily
		return r.withCron()
	}
}

func (r Rule) withCron() (Rule, error) {
	sched, err := cronParser.Parse(r.spec)
	if err != nil {
		return Rule{}, fmt.Errorf("repeat rule %q: %w", r.spec, err)
	}
	r.sched = sched
	return r, nil
}

// Next computes the rule's next absolute fire time relative to now, at minute
// granularity.
//
// For every recurring kind the result is strictly after now. One-time rules
// resolve the literal calendar date in now's year even when that moment has
// already passed; whether an elapsed one-time rule fires immediately or is
// treated as expired is the facade's call, not this function's.
func (r Rule) Next(now time.Time) time.Time {
	now = now.Truncate(time.Minute)

	switch r.Kind {
	case RuleOnce:
		return time.Date(now.Year(), r.Month, r.Day, r.Hour, r.Minute, 0, 0, now.Location())

	case RuleDaily, RuleWeekly, RuleMonthlyByDate:
		if r.sched == nil {
			return time.Time{}
		}
		return r.sched.Next(now)

	case RuleMonthlyNth, RuleMonthlyLast:
		// Walk month by month until the Nth (or last) weekday at hh:mm is
		// strictly in the future. 18 months covers every valid combination.
		year, month := now.Year(), now.Month()
		for i := 0; i < 18; i++ {
			day, ok := r.weekdayOfMonth(year, month)
			if ok {
				t := time.Date(year, month, day, r.Hour, r.Minute, 0, 0, now.Location())
				if t.After(now) {
					return t
				}
			}
			month++
			if month > time.December {
				month = time.January
				year++
			}
		}
		return time.Time{}

	default:
		return time.Time{}
	}
}

// weekdayOfMonth resolves the rule's Nth/last weekday within a given month.
func (r Rule) weekdayOfMonth(year int, month time.Month) (int, bool) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	days := daysIn(year, month)

	if r.Kind == RuleMonthlyLast {
		last := time.Date(year, month, days, 0, 0, 0, 0, time.UTC)
		back := int(last.Weekday()-r.Weekday+7) % 7
		return days - back, true
	}

	offset := int(r.Weekday-first.Weekday()+7) % 7
	day := 1 + offset + 7*(r.Nth-1)
	if day > days {
		return 0, false
	}
	return day, true
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func parseRuleInt(s string, min, max int, name string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s %d out of range [%d,%d]", name, n, min, max)
	}
	return n, nil
}

func parseWeekdaySet(s string) ([]time.Weekday, error) {
	parts := strings.Split(s, ",")
	seen := map[time.Weekday]bool{}
	out := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := parseRuleInt(strings.TrimSpace(p), 0, 6, "day-of-week")
		if err != nil {
			return nil, err
		}
		wd := time.Weekday(n)
		if seen[wd] {
			continue
		}
		seen[wd] = true
		out = append(out, wd)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty day-of-week set")
	}
	return out, nil
}

func parseNthWeekday(s string) (time.Weekday, int, error) {
	wdStr, nthStr, ok := strings.Cut(s, "#")
	if !ok {
		return 0, 0, fmt.Errorf("invalid nth-weekday %q", s)
	}
	wd, err := parseRuleInt(wdStr, 0, 6, "day-of-week")
	if err != nil {
		return 0, 0, err
	}
	nth, err := parseRuleInt(nthStr, 1, 5, "nth")
	if err != nil {
		return 0, 0, err
	}
	return time.Weekday(wd), nth, nil
}
