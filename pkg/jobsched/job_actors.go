package jobsched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	logx "jobsched/pkg/logx"
)

// JobCreator persists new jobs and binds their payloads.
type JobCreator struct{ actor }

func (c *JobCreator) Init(ctx context.Context, hub *Hub) error {
	_ = ctx
	c.bind(hub)
	return nil
}

// Add stores job and returns the metadata that was written. When the store
// already holds the same schedule under job's id, the stored NextTick and
// run count are kept, so a restarted process does not shift the schedule.
func (c *JobCreator) Add(ctx context.Context, job *Job) (JobMetadata, error) {
	hub, err := c.current()
	if err != nil {
		return JobMetadata{}, err
	}
	hub.jobsMu.Lock()
	defer hub.jobsMu.Unlock()

	meta := job.meta
	stored, ok, err := hub.meta.Get(ctx, meta.ID)
	if err != nil {
		return JobMetadata{}, err
	}
	if ok && job.resumes(stored) {
		meta.NextTick = stored.NextTick
		meta.LastTick = stored.LastTick
		meta.Count = stored.Count
	} else {
		meta.NextTick, err = job.firstTick(hub.Now(), hub.loc)
		if err != nil {
			return JobMetadata{}, err
		}
	}

	// Code goes in first: a tick must never see metadata without a payload.
	if err := hub.jobCode.Add(ctx, meta.ID, job.run); err != nil {
		return JobMetadata{}, err
	}
	if err := hub.meta.Add(ctx, meta); err != nil {
		_ = hub.jobCode.Delete(ctx, meta.ID)
		return JobMetadata{}, err
	}
	return meta, nil
}

// JobDeleter erases a job together with its payload and notifications.
type JobDeleter struct{ actor }

func (d *JobDeleter) Init(ctx context.Context, hub *Hub) error {
	_ = ctx
	d.bind(hub)
	return nil
}

// Remove returns the erased metadata and whether the job existed.
// Unknown ids are not an error.
func (d *JobDeleter) Remove(ctx context.Context, id uuid.UUID) (JobMetadata, bool, error) {
	hub, err := d.current()
	if err != nil {
		return JobMetadata{}, false, err
	}
	hub.jobsMu.Lock()
	defer hub.jobsMu.Unlock()

	meta, ok, err := hub.meta.Get(ctx, id)
	if err != nil {
		return JobMetadata{}, false, err
	}
	if err := hub.meta.Delete(ctx, id); err != nil {
		return JobMetadata{}, false, err
	}
	var errs []error
	if err := hub.jobCode.Delete(ctx, id); err != nil {
		errs = append(errs, err)
	}
	noteIDs, err := hub.notif.DeleteForJob(ctx, id)
	if err != nil {
		errs = append(errs, err)
	}
	for _, nid := range noteIDs {
		if err := hub.notifCode.Delete(ctx, nid); err != nil {
			errs = append(errs, err)
		}
	}
	return meta, ok, errors.Join(errs...)
}

// JobRunner executes due jobs on the hub's worker supervisor.
type JobRunner struct {
	actor
	sched *JobScheduler
}

func (r *JobRunner) Init(ctx context.Context, hub *Hub, sched *JobScheduler) error {
	_ = ctx
	r.mu.Lock()
	r.hub = hub
	r.sched = sched
	r.mu.Unlock()
	return nil
}

// Run starts meta's payload in its own goroutine and returns immediately.
func (r *JobRunner) Run(meta JobMetadata) {
	hub, err := r.current()
	if err != nil {
		return
	}
	r.mu.RLock()
	sched := r.sched
	r.mu.RUnlock()
	hub.spawn("job", func(ctx context.Context) {
		r.execute(ctx, hub, sched, meta)
	})
}

func (r *JobRunner) execute(ctx context.Context, hub *Hub, sched *JobScheduler, meta JobMetadata) {
	log := hub.log.With(logx.String("job_id", meta.ID.String()), logx.String("job", meta.Name))

	fn, ok, err := hub.jobCode.Get(ctx, meta.ID)
	if err != nil {
		log.Error("job code lookup failed", logx.Err(err))
		return
	}
	if !ok || fn == nil {
		// Metadata outlived its payload, e.g. it was persisted by an earlier
		// process whose code was never re-added.
		log.Warn("no code bound to job, removing")
		if err := sched.Remove(ctx, meta.ID); err != nil {
			log.Warn("remove orphaned job failed", logx.Err(err))
		}
		return
	}

	sched.fire(ctx, meta, EventStarted)
	start := time.Now()
	if err := call(ctx, fn, meta.ID, sched); err != nil {
		log.Error("job panicked", logx.Err(err))
	}
	log.Debug("job finished", logx.Duration("took", time.Since(start)), logx.Int64("count", int64(meta.Count)))
	sched.fire(ctx, meta, EventStopped)

	if meta.Kind == KindOneShot {
		if err := sched.Remove(ctx, meta.ID); err != nil {
			log.Warn("remove one-shot job failed", logx.Err(err))
		}
	}
}

// call runs fn, turning a panic into an error so Stopped still fires.
func call(ctx context.Context, fn JobFunc, id uuid.UUID, s *JobScheduler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn(ctx, id, s)
	return nil
}
