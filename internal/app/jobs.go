package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/google/uuid"

	"jobsched/internal/config"
	"jobsched/internal/storage"
	"jobsched/pkg/jobsched"
	logx "jobsched/pkg/logx"
)

// maxOutputLog bounds how much command output goes into one log line.
const maxOutputLog = 2048

var jobNamespace = uuid.MustParse("6f1c1f0e-4f0b-4d7e-9a57-3b0f7a1c2d90")

// jobID derives a job's id from its name, so a persistent store keeps its
// schedule across restarts.
func jobID(name string) uuid.UUID {
	return uuid.NewSHA1(jobNamespace, []byte(name))
}

// syncJobs removes the removed jobs and (re)adds the added and changed ones.
func (a *App) syncJobs(ctx context.Context, cfg *config.Config, ch config.JobChanges) error {
	byName := map[string]config.JobConfig{}
	for _, j := range cfg.EnabledJobs() {
		byName[j.Name] = j
	}

	var errs []error
	for _, name := range ch.Removed {
		if err := a.sched.Remove(ctx, jobID(name)); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
			continue
		}
		a.log.Info("job removed", logx.String("job", name))
	}
	for _, name := range append(append([]string(nil), ch.Added...), ch.Changed...) {
		jc, ok := byName[name]
		if !ok {
			continue
		}
		if err := a.addJob(ctx, jc); err != nil {
			errs = append(errs, fmt.Errorf("add %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) addJob(ctx context.Context, jc config.JobConfig) error {
	spec, err := jobsched.ParseSchedule(jc.Schedule)
	if err != nil {
		return err
	}
	id := jobID(jc.Name)
	if spec.Kind == jobsched.SpecOnce && !spec.At.After(time.Now()) {
		// Already due before this process started; a one-shot that ran
		// has been removed from storage, so it must not fire again.
		_ = a.sched.Remove(ctx, id)
		a.log.Info("one-shot job is in the past; skipped", logx.String("job", jc.Name), logx.Time("at", spec.At))
		return nil
	}

	fn, err := commandJob(jc, a.log.With(logx.String("job", jc.Name)))
	if err != nil {
		return err
	}
	job, err := jobsched.NewJobFromSpec(jc.Schedule, fn)
	if err != nil {
		return err
	}
	if _, err := a.sched.Add(ctx, job.WithID(id).WithName(jc.Name)); err != nil {
		return err
	}
	next, _, _ := a.sched.NextTickForJob(ctx, id)
	a.log.Info("job scheduled", logx.String("job", jc.Name), logx.String("schedule", jc.Schedule), logx.Time("next", next))
	return nil
}

// pruneStored removes stored jobs the config no longer names. Only
// backends that can list their jobs are pruned; the rest are cleaned up
// when their orphaned entries come due.
func (a *App) pruneStored(ctx context.Context, cfg *config.Config) error {
	lister, ok := a.stores.Metadata.(storage.Lister)
	if !ok {
		return nil
	}
	stored, err := lister.List(ctx)
	if err != nil {
		return err
	}
	want := map[uuid.UUID]bool{}
	for _, j := range cfg.EnabledJobs() {
		want[jobID(j.Name)] = true
	}
	var errs []error
	for _, m := range stored {
		if want[m.ID] {
			continue
		}
		if err := a.sched.Remove(ctx, m.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		a.log.Info("stale job pruned", logx.String("job", m.Name), logx.Stringer("job_id", m.ID))
	}
	return errors.Join(errs...)
}

// commandJob runs jc's command line directly, without a shell. Output and
// exit status are logged; the scheduler only sees the run finish.
func commandJob(jc config.JobConfig, log logx.Logger) (jobsched.JobFunc, error) {
	args, err := jc.CommandArgs()
	if err != nil {
		return nil, err
	}
	timeout, err := jc.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	env := commandEnv(jc.Env)

	return func(ctx context.Context, id uuid.UUID, _ *jobsched.JobScheduler) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = jc.Dir
		cmd.Env = env
		out, err := cmd.CombinedOutput()

		fields := []logx.Field{logx.Stringer("job_id", id), logx.Duration("took", time.Since(start))}
		if len(out) > 0 {
			fields = append(fields, logx.String("output", tail(out, maxOutputLog)))
		}
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				fields = append(fields, logx.Int("exit_code", ee.ExitCode()))
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				fields = append(fields, logx.Bool("timed_out", true))
			}
			log.Warn("command failed", append(fields, logx.Err(err))...)
			return
		}
		log.Info("command finished", fields...)
	}, nil
}

// commandEnv is the daemon's environment plus extra, in key order.
func commandEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return "..." + string(b[len(b)-n:])
}
