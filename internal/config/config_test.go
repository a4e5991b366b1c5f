package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	logx "jobsched/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  tick_interval: 250ms
  timezone: Europe/Berlin
storage:
  driver: sqlite
  path: ./state/jobs.sqlite
jobs:
  - name: backup
    schedule: "0 3 * * *"
    command: /usr/local/bin/backup --target "/mnt/backup dir"
    timeout: 30m
  - name: heartbeat
    schedule: 30s
    command: curl -fsS https://example.invalid/ping
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "jobschedd.yaml", sampleYAML)
	cfg, err := NewManager(p, logx.Nop()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Jobs) != 2 || cfg.Jobs[0].Name != "backup" {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	args, err := cfg.Jobs[0].CommandArgs()
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 3 || args[2] != "/mnt/backup dir" {
		t.Fatalf("args = %q", args)
	}
	st, err := cfg.SchedulerSettings()
	if err != nil {
		t.Fatal(err)
	}
	if st.TickInterval != 250*time.Millisecond || st.Location.String() != "Europe/Berlin" {
		t.Fatalf("settings = %+v", st)
	}
	if st.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("ShutdownTimeout = %s, want default", st.ShutdownTimeout)
	}
	sc, _ := cfg.StorageSettings()
	if sc.Driver != "sqlite" || sc.Path != "./state/jobs.sqlite" {
		t.Fatalf("storage = %+v", sc)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.json", `{"jobs": [], "telegram": {}}`)
	if _, err := NewManager(p, logx.Nop()).Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.json", `{"jobs": []} {"jobs": []}`)
	if _, err := NewManager(p, logx.Nop()).Parse(); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err = %v, want trailing data error", err)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := &Config{
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"},
		Storage:   &StorageConfig{Driver: "file"},
		Jobs: []JobConfig{
			{Name: "a", Schedule: "every day", Command: "true"},
			{Name: "a", Schedule: "1m", Command: `echo "unterminated`},
			{Schedule: "1m", Command: "true"},
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted a broken config")
	}
	for _, want := range []string{"timezone", "storage.path", "jobs[a].schedule", "duplicate", "jobs[2].name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q lacks %q", err, want)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Jobs: []JobConfig{
		{Name: "keep", Schedule: "1m", Command: "true"},
		{Name: "edit", Schedule: "1m", Command: "true"},
		{Name: "drop", Schedule: "1m", Command: "true"},
	}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "warn"},
		Jobs: []JobConfig{
			{Name: "keep", Schedule: "1m", Command: "true"},
			{Name: "edit", Schedule: "2m", Command: "true"},
			{Name: "new", Schedule: "1m", Command: "true"},
			{Name: "off", Schedule: "1m", Command: "true", Disabled: true},
		},
	}
	sections, _, jc := SummarizeChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "logging,jobs" {
		t.Fatalf("sections = %v", sections)
	}
	if strings.Join(jc.Added, ",") != "new" || strings.Join(jc.Removed, ",") != "drop" || strings.Join(jc.Changed, ",") != "edit" {
		t.Fatalf("job changes = %+v", jc)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "jobschedd.yaml", "jobs: []\n")
	m := NewManager(p, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	body := "jobs:\n  - name: tick\n    schedule: 5s\n    command: \"true\"\n"
	deadline := time.After(5 * time.Second)
	retry := time.NewTicker(500 * time.Millisecond)
	defer retry.Stop()
	writeFile(t, dir, "jobschedd.yaml", body)
	for {
		select {
		case cfg := <-ch:
			if len(cfg.Jobs) != 1 || cfg.Jobs[0].Name != "tick" {
				t.Fatalf("published %+v", cfg.Jobs)
			}
			return
		case <-retry.C:
			// The watcher may not have been registered before the first write.
			writeFile(t, dir, "jobschedd.yaml", body)
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
