package config

import (
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// JobChanges lists job names by how they differ between two configs.
// Disabled jobs count as absent.
type JobChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c JobChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeChange returns the changed sections, log fields describing
// them, and the per-job differences. Commands and env values are never
// included in the fields.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, JobChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		sections []string
		fields   []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		sections = append(sections, "logging")
		fields = append(fields,
			logx.String("logging.level", strings.TrimSpace(newCfg.Logging.Level)),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		sections = append(sections, "scheduler")
		fields = append(fields,
			logx.String("scheduler.tick_interval", newCfg.Scheduler.TickInterval),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if storageKey(oldCfg.Storage) != storageKey(newCfg.Storage) {
		sections = append(sections, "storage")
		fields = append(fields, logx.String("storage.driver", storageKey(newCfg.Storage)))
	}

	jc := diffJobs(oldCfg.EnabledJobs(), newCfg.EnabledJobs())
	if !jc.Empty() {
		sections = append(sections, "jobs")
		fields = append(fields,
			logx.Int("jobs.added", len(jc.Added)),
			logx.Int("jobs.removed", len(jc.Removed)),
			logx.Int("jobs.changed", len(jc.Changed)),
		)
	}
	return sections, fields, jc
}

func storageKey(s *StorageConfig) string {
	if s == nil {
		return "memory"
	}
	return strings.ToLower(strings.TrimSpace(s.Driver)) + ":" + strings.TrimSpace(s.Path)
}

func diffJobs(oldJobs, newJobs []JobConfig) JobChanges {
	before := make(map[string]JobConfig, len(oldJobs))
	for _, j := range oldJobs {
		before[j.Name] = j
	}
	var jc JobChanges
	seen := make(map[string]bool, len(newJobs))
	for _, j := range newJobs {
		seen[j.Name] = true
		prev, ok := before[j.Name]
		switch {
		case !ok:
			jc.Added = append(jc.Added, j.Name)
		case !prev.Equal(j):
			jc.Changed = append(jc.Changed, j.Name)
		}
	}
	for name := range before {
		if !seen[name] {
			jc.Removed = append(jc.Removed, name)
		}
	}
	sort.Strings(jc.Added)
	sort.Strings(jc.Removed)
	sort.Strings(jc.Changed)
	return jc
}
