package jobsched

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Five-field crontab with an optional leading seconds field, plus
// descriptors such as @hourly and @every 90s.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// ValidateCron reports whether expr is accepted by the cron parser.
func ValidateCron(expr string) error {
	_, err := parseCron(expr)
	return err
}

// advance computes the NextTick that follows a run at now.
// One-shot jobs never fire twice.
func advance(m JobMetadata, now time.Time, loc *time.Location) (int64, error) {
	switch m.Kind {
	case KindCron:
		sched, err := parseCron(m.Schedule)
		if err != nil {
			return NoNextTick, err
		}
		return cronTick(sched, now, loc), nil
	case KindRepeated:
		if m.Every < time.Second {
			return NoNextTick, fmt.Errorf("%w: repeat interval %s below one second", ErrInvalidSchedule, m.Every)
		}
		return now.Add(m.Every).Unix(), nil
	case KindOneShot:
		return NoNextTick, nil
	default:
		return NoNextTick, fmt.Errorf("%w: unknown kind %d", ErrInvalidSchedule, int(m.Kind))
	}
}

func cronTick(sched cron.Schedule, now time.Time, loc *time.Location) int64 {
	if loc == nil {
		loc = time.UTC
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return NoNextTick
	}
	return next.Unix()
}
