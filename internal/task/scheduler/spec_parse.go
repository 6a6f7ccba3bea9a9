package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"shamebot/internal/domain"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a parsed pester schedule.
//
// Accepted forms:
//   - cron: "*/30 * * * *", "0 9 * * *", "@hourly", "@every 45m"
//   - interval: "30m", "2h30m", or HH:MM such as "00:45"
//
// "cron:" forces cron parsing; "interval:" and "every:" force an interval.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   cron.Schedule
	Expr   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

// Next returns the first firing strictly after from. Cron schedules are
// evaluated in loc.
func (p ParsedSpec) Next(from time.Time, loc *time.Location) time.Time {
	if p.Kind == SpecInterval {
		return from.Add(p.Every)
	}
	if loc != nil {
		from = from.In(loc)
	}
	return p.Cron.Next(from)
}

// cronParser accepts 5 or 6 fields (optional seconds) and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a pester schedule. Errors wrap domain.ErrInvalid.
func ParseSchedule(raw string) (ParsedSpec, error) {
	p, err := parseSchedule(raw)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("%w: %v", domain.ErrInvalid, err)
	}
	return p, nil
}

func parseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}
	p, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '*/30 * * * *', HH:MM like '00:45', or a duration like '30m')", raw)
	}
	return p, nil
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %v", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: sched, Expr: expr, Source: "cron"}, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var (
		d   time.Duration
		err error
	)
	if reHHMM.MatchString(v) {
		src = "hhmm"
		d, err = parseHHMMDuration(v)
	} else {
		d, err = time.ParseDuration(v)
	}
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// parseHHMMDuration reads "H:MM" as a duration; hours up to 999.
func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}
