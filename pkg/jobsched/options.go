package jobsched

import (
	"time"

	logx "jobsched/pkg/logx"
)

const (
	defaultTickInterval = 500 * time.Millisecond
	minTickInterval     = 10 * time.Millisecond
)

type options struct {
	log          logx.Logger
	now          func() time.Time
	loc          *time.Location
	tickInterval time.Duration
	drain        time.Duration
}

// Option configures a JobScheduler at construction.
type Option func(*options)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = l } }

// WithClock replaces time.Now. Tests use it to drive ticks deterministically.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option { return func(o *options) { o.loc = loc } }

// WithTickInterval sets how often the background loop ticks.
func WithTickInterval(d time.Duration) Option { return func(o *options) { o.tickInterval = d } }

// WithShutdownDrain makes Shutdown wait up to d for running jobs and
// notifications before calling the shutdown handler.
func WithShutdownDrain(d time.Duration) Option { return func(o *options) { o.drain = d } }

func buildOptions(opts []Option) options {
	o := options{}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.loc == nil {
		o.loc = time.UTC
	}
	if o.tickInterval <= 0 {
		o.tickInterval = defaultTickInterval
	}
	if o.tickInterval < minTickInterval {
		o.tickInterval = minTickInterval
	}
	if o.drain < 0 {
		o.drain = 0
	}
	return o
}
