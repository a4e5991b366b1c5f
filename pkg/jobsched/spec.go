package jobsched

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind is the normalized form of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecOnce
)

// Spec is a parsed schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 * * * *", "@hourly", "@every 90s"
//   - Go duration interval: "55m", "2h30m"
//   - HH:MM interval: "00:50" is fifty minutes, "02:30" two and a half hours
//   - once:<RFC3339>, a single run at that instant
//
// The prefixes "cron:", "every:" and "interval:" force a form.
type Spec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	At     time.Time
	Source string // cron | duration | hhmm | once
}

var hhmmRe = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses raw into a Spec. Cron expressions are checked
// against the cron parser here, so a nil error means NewJobFromSpec will
// accept the result.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "once:"):
		v := strings.TrimSpace(s[len("once:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: once wants RFC3339, got %q", ErrInvalidSchedule, v)
		}
		return Spec{Kind: SpecOnce, At: at.UTC(), Source: "once"}, nil
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return cronSpec(s)
	}
	if hhmmRe.MatchString(s) || looksLikeDuration(s) {
		return intervalSpec(s)
	}
	return Spec{}, fmt.Errorf(
		"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', a duration like '55m' or once:<RFC3339>)",
		ErrInvalidSchedule, raw,
	)
}

func looksLikeDuration(s string) bool {
	_, err := time.ParseDuration(s)
	return err == nil
}

func cronSpec(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("%w: empty cron expression", ErrInvalidSchedule)
	}
	if err := ValidateCron(expr); err != nil {
		return Spec{}, err
	}
	return Spec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func intervalSpec(v string) (Spec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Spec{}, fmt.Errorf("%w: empty interval", ErrInvalidSchedule)
	}
	var (
		d   time.Duration
		src string
		err error
	)
	if hhmmRe.MatchString(v) {
		d, err = hhmmDuration(v)
		src = "hhmm"
	} else {
		d, err = time.ParseDuration(v)
		src = "duration"
		if err != nil {
			err = fmt.Errorf("%w: interval %q", ErrInvalidSchedule, v)
		}
	}
	if err != nil {
		return Spec{}, err
	}
	if d < time.Second {
		return Spec{}, fmt.Errorf("%w: interval %s below one second", ErrInvalidSchedule, d)
	}
	return Spec{Kind: SpecInterval, Every: d, Source: src}, nil
}

func hhmmDuration(v string) (time.Duration, error) {
	m := hhmmRe.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: HH:MM %q", ErrInvalidSchedule, v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("%w: minutes out of range in %q", ErrInvalidSchedule, v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

// NewJobFromSpec builds a cron, repeated or one-shot job from a schedule string.
func NewJobFromSpec(raw string, fn JobFunc) (*Job, error) {
	sp, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	switch sp.Kind {
	case SpecCron:
		return NewCronJob(sp.Cron, fn)
	case SpecInterval:
		return NewRepeatedJob(sp.Every, fn)
	default:
		return NewOneShotAtJob(sp.At, fn)
	}
}
