package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"jobsched/pkg/jobsched"
)

// Settings is the scheduler section with every default applied.
type Settings struct {
	TickInterval    time.Duration
	Location        *time.Location
	ShutdownTimeout time.Duration
	Drain           time.Duration
}

// SchedulerSettings resolves the scheduler section.
func (c *Config) SchedulerSettings() (Settings, error) {
	var (
		s   Settings
		err error
	)
	if s.TickInterval, err = ParseDurationOrDefault("scheduler.tick_interval", c.Scheduler.TickInterval, DefaultTickInterval); err != nil {
		return Settings{}, err
	}
	if s.ShutdownTimeout, err = ParseDurationOrDefault("scheduler.shutdown_timeout", c.Scheduler.ShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return Settings{}, err
	}
	if s.Drain, err = ParseDurationField("scheduler.drain", c.Scheduler.Drain); err != nil {
		return Settings{}, err
	}
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if s.Location, err = time.LoadLocation(tz); err != nil {
		return Settings{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return s, nil
}

// CommandArgs splits the job's command line into argv.
func (j JobConfig) CommandArgs() ([]string, error) {
	args, err := shellquote.Split(j.Command)
	if err != nil {
		return nil, fmt.Errorf("jobs[%s].command: %w", j.Name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("jobs[%s].command is empty", j.Name)
	}
	return args, nil
}

// TimeoutDuration is the job's timeout, zero for none.
func (j JobConfig) TimeoutDuration() (time.Duration, error) {
	return ParseDurationField("jobs["+j.Name+"].timeout", j.Timeout)
}

// Validate checks everything the daemon would otherwise only discover
// while applying the config. All problems are reported together.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.SchedulerSettings(); err != nil {
		errs = append(errs, err)
	}
	if st, err := c.StorageSettings(); err != nil {
		errs = append(errs, err)
	} else {
		switch strings.ToLower(st.Driver) {
		case "", "memory", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", st.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
	}

	seen := map[string]bool{}
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("jobs[%d].name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("jobs[%s]: duplicate name", name))
		}
		seen[name] = true
		if _, err := jobsched.ParseSchedule(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%s].schedule: %w", name, err))
		}
		if _, err := j.CommandArgs(); err != nil {
			errs = append(errs, err)
		}
		if _, err := j.TimeoutDuration(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
