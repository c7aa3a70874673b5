// Package dates translates vague temporal expressions and natural language
// into concrete dates and priorities, and provides the cron/interval helpers
// shared by the scheduling strategies.
//
// Contract: nothing here returns an error for malformed input. This code sits
// on the hot path of task creation; parsing ambiguity must degrade to "not
// recognized" (ok=false / zero value), never block scheduling.
package dates

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/robfig/cron/v3"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
)

// VagueResolution is the outcome of translating a vague term: a concrete
// date plus the urgency the term implies.
type VagueResolution struct {
	Date     time.Time
	Priority task.Priority
	Term     string // normalized term that matched
}

// Processor resolves schedule expressions. It is stateless and safe for
// concurrent use.
type Processor struct {
	nl     *when.Parser
	parser cron.Parser
}

func NewProcessor() *Processor {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Processor{
		nl: w,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// vagueTerm maps an informal expression to a delay and an implied priority.
type vagueTerm struct {
	offset   time.Duration
	priority task.Priority
}

var vagueTerms = map[string]vagueTerm{
	"urgent":      {0, task.PriorityUrgent},
	"now":         {0, task.PriorityUrgent},
	"asap":        {0, task.PriorityUrgent},
	"immediately": {0, task.PriorityUrgent},
	"soon":        {time.Hour, task.PriorityHigh},
	"shortly":     {time.Hour, task.PriorityHigh},
	"today":       {4 * time.Hour, 7},
	"tonight":     {10 * time.Hour, 7},
	"later":       {8 * time.Hour, 4},
	"tomorrow":    {24 * time.Hour, task.PriorityMedium},
	"this week":   {3 * 24 * time.Hour, task.PriorityMedium},
	"next week":   {7 * 24 * time.Hour, 4},
	"whenever":    {30 * 24 * time.Hour, task.PriorityLow},
	"someday":     {30 * 24 * time.Hour, task.PriorityLow},
	"eventually":  {30 * 24 * time.Hour, task.PriorityLow},
}

// TranslateVagueTerm resolves a known vague term to a date and priority.
// Unrecognized input returns ok=false; it is not an error.
func (p *Processor) TranslateVagueTerm(expr string, ref time.Time) (VagueResolution, bool) {
	term := strings.ToLower(strings.TrimSpace(expr))
	vt, ok := vagueTerms[term]
	if !ok {
		return VagueResolution{}, false
	}
	if ref.IsZero() {
		ref = time.Now()
	}
	return VagueResolution{Date: ref.Add(vt.offset), Priority: vt.priority, Term: term}, true
}

// ParseNaturalLanguage attempts a best-effort natural-language date parse
// ("tomorrow at 9am", "next friday"). ok=false when nothing was recognized.
func (p *Processor) ParseNaturalLanguage(expr string, ref time.Time) (time.Time, bool) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return time.Time{}, false
	}
	if ref.IsZero() {
		ref = time.Now()
	}
	r, err := p.nl.Parse(s, ref)
	if err != nil || r == nil {
		return time.Time{}, false
	}
	return r.Time, true
}

// FormatDate renders a timestamp in the canonical persisted form.
func (p *Processor) FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// CalculateInterval parses a cadence expression into a duration.
//
// Supported forms (the same ones accepted on IntervalSpec.Expression):
//   - Go duration: "55m", "2h30m"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (p *Processor) CalculateInterval(expr string) (time.Duration, bool) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return 0, false
	}
	if h, m, err := parseHHMM(s); err == nil {
		d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		if d <= 0 {
			return 0, false
		}
		return d, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// HasPassed reports whether t is at or before ref.
func (p *Processor) HasPassed(t, ref time.Time) bool {
	if t.IsZero() {
		return false
	}
	if ref.IsZero() {
		ref = time.Now()
	}
	return !t.After(ref)
}

// GenerateCronExpression builds a crontab line for a simple recurrence.
//
// freq is one of "hourly", "daily", "weekly:<mon..sun>", "monthly:<1..28>";
// hhmm is the fire time ("09:30"), ignored for "hourly" beyond its minutes.
func (p *Processor) GenerateCronExpression(freq, hhmm string) (string, bool) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		if strings.EqualFold(strings.TrimSpace(freq), "hourly") && strings.TrimSpace(hhmm) == "" {
			return "0 * * * *", true
		}
		return "", false
	}

	if h > 23 {
		return "", false
	}
	f := strings.ToLower(strings.TrimSpace(freq))
	switch {
	case f == "hourly":
		return fmt.Sprintf("%d * * * *", m), true
	case f == "daily":
		return fmt.Sprintf("%d %d * * *", m, h), true
	case strings.HasPrefix(f, "weekly:"):
		dow, ok := weekdayNumber(strings.TrimPrefix(f, "weekly:"))
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%d %d * * %d", m, h, dow), true
	case strings.HasPrefix(f, "monthly:"):
		var day int
		if _, err := fmt.Sscanf(strings.TrimPrefix(f, "monthly:"), "%d", &day); err != nil || day < 1 || day > 28 {
			return "", false
		}
		return fmt.Sprintf("%d %d %d * *", m, h, day), true
	}
	return "", false
}

// NextExecutionFromCron computes the next fire time of a cron spec strictly
// after the given time. ok=false for an unparsable spec or when the spec
// never fires again.
func (p *Processor) NextExecutionFromCron(spec string, after time.Time) (time.Time, bool) {
	sched, err := p.parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return time.Time{}, false
	}
	if after.IsZero() {
		after = time.Now()
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// IsSameDay reports whether a and b fall on the same calendar day
// (in a's location).
func (p *Processor) IsSameDay(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// HumanReadableInterval renders a duration for humans ("2h 30m", "3d").
func (p *Processor) HumanReadableInterval(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	day := 24 * time.Hour

	var parts []string
	if n := d / day; n > 0 {
		parts = append(parts, fmt.Sprintf("%dd", n))
		d -= n * day
	}
	if n := d / time.Hour; n > 0 {
		parts = append(parts, fmt.Sprintf("%dh", n))
		d -= n * time.Hour
	}
	if n := d / time.Minute; n > 0 {
		parts = append(parts, fmt.Sprintf("%dm", n))
		d -= n * time.Minute
	}
	if n := d / time.Second; n > 0 && len(parts) < 2 {
		parts = append(parts, fmt.Sprintf("%ds", n))
	}
	if len(parts) == 0 {
		return "0s"
	}
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, " ")
}

func parseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	var h, m int
	if _, err := fmt.Sscanf(parts[0], "%d", &h); err != nil || h < 0 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &m); err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

func weekdayNumber(name string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sun", "sunday":
		return 0, true
	case "mon", "monday":
		return 1, true
	case "tue", "tuesday":
		return 2, true
	case "wed", "wednesday":
		return 3, true
	case "thu", "thursday":
		return 4, true
	case "fri", "friday":
		return 5, true
	case "sat", "saturday":
		return 6, true
	}
	return 0, false
}
