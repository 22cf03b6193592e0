package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is the result of ParseSchedule.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 * * * *" (seconds field optional), "@hourly", "@every 55m"
//   - Go duration interval: "55m", "2h30m", "250ms"
//   - HH:MM interval: "00:50" (50 minutes), "02:30" (2h30m)
//
// "cron:" forces cron parsing; "interval:" and "every:" force interval parsing.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule classifies raw as a cron expression or a fixed interval.
// Errors wrap ErrInvalidSchedule. Cron expressions are only validated when submitted.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("%w: empty cron expression", ErrInvalidSchedule)
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	}

	// Whitespace or a descriptor means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	if reHHMM.MatchString(s) || isDuration(s) {
		return intervalSpec(s)
	}

	return ParsedSpec{}, fmt.Errorf(
		"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '55m')",
		ErrInvalidSchedule, raw,
	)
}

func isDuration(s string) bool {
	_, err := time.ParseDuration(s)
	return err == nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("%w: interval required", ErrInvalidSchedule)
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, "", fmt.Errorf("%w: minutes out of range in %q", ErrInvalidSchedule, v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, "", fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
		}
		return d, "hhmm", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("%w: interval %q (use HH:MM or a duration like '55m')", ErrInvalidSchedule, v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return d, "duration", nil
}
