package config

import (
	"bytes"
	"encoding/json"
	"time"

	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

// Config is the daemon's configuration file.
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	JSON    bool              `json:"json,omitempty"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig tunes the engine.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "500ms"
//   - timezone: "UTC"; cron expressions are evaluated in it
//   - shutdown_timeout: "10s"
//   - drain: "0s", running jobs are not waited for at shutdown
type SchedulerConfig struct {
	TickInterval    string `json:"tick_interval,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	Drain           string `json:"drain,omitempty"`
}

// StorageConfig selects the metadata backend. Omitted means memory.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// JobConfig is one command the daemon runs on a schedule.
//
// Schedule accepts cron ("*/5 * * * *", "@hourly"), an interval ("90s",
// "01:30") or once:<RFC3339>. Command is split like a POSIX shell would,
// without invoking one.
type JobConfig struct {
	Name     string            `json:"name"`
	Schedule string            `json:"schedule"`
	Command  string            `json:"command"`
	Dir      string            `json:"dir,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

const (
	DefaultTickInterval    = 500 * time.Millisecond
	DefaultShutdownTimeout = 10 * time.Second
)

// LogxConfig converts the logging section for logx.New/Apply.
func (c LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// StorageSettings resolves the storage section.
func (c *Config) StorageSettings() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Storage.Driver, Path: c.Storage.Path, BusyTimeout: busy}, nil
}

// EnabledJobs returns the jobs that are not disabled, in file order.
func (c *Config) EnabledJobs() []JobConfig {
	out := make([]JobConfig, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		if !j.Disabled {
			out = append(out, j)
		}
	}
	return out
}

// Equal reports whether two job definitions would run the same way.
func (j JobConfig) Equal(o JobConfig) bool {
	a, _ := json.Marshal(j)
	b, _ := json.Marshal(o)
	return bytes.Equal(a, b)
}
