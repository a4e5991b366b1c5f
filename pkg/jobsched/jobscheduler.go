package jobsched

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobsched/internal/eventbus"
	"jobsched/internal/runtime/supervisor"
	logx "jobsched/pkg/logx"
)

// JobScheduler is the entry point. It is safe for concurrent use, and
// everything it needs is brought up on the first call that requires it.
type JobScheduler struct {
	opts options
	log  logx.Logger
	hub  *Hub

	initGate chan struct{}
	inited   atomic.Bool
	initRuns atomic.Int32
	shutDown atomic.Bool

	jobCreator   JobCreator
	jobDeleter   JobDeleter
	jobRunner    JobRunner
	noteCreator  NotificationCreator
	noteDeleter  NotificationDeleter
	noteRunner   NotificationRunner
	scheduler    Scheduler
	onShutdown   atomic.Pointer[ShutdownFunc]
	signals      *supervisor.Supervisor
	shutdownDone chan struct{}
	shutdownOnce atomic.Bool
}

// New returns a scheduler over the in-memory storages and registries.
func New(ctx context.Context, opts ...Option) (*JobScheduler, error) {
	return NewWithStorageAndCode(ctx,
		NewMemoryMetadataStore(), NewMemoryNotificationStore(),
		NewMemoryJobCode(), NewMemoryNotificationCode(),
		opts...)
}

// NewWithStorageAndCode returns a scheduler over the given collaborators
// and initializes it. Errors match ErrCantInit.
func NewWithStorageAndCode(
	ctx context.Context,
	meta MetaDataStorage,
	notif NotificationStorage,
	code JobCodeRegistry,
	notifCode NotificationCodeRegistry,
	opts ...Option,
) (*JobScheduler, error) {
	s := newScheduler(meta, notif, code, notifCode, opts...)
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// newScheduler builds an uninitialized scheduler.
func newScheduler(
	meta MetaDataStorage,
	notif NotificationStorage,
	code JobCodeRegistry,
	notifCode NotificationCodeRegistry,
	opts ...Option,
) *JobScheduler {
	o := buildOptions(opts)
	log := o.log.With(logx.String("comp", "jobsched"))
	s := &JobScheduler{
		opts:         o,
		log:          log,
		initGate:     make(chan struct{}, 1),
		signals:      supervisor.New(context.Background(), supervisor.WithLogger(log)),
		shutdownDone: make(chan struct{}),
	}
	s.hub = &Hub{
		meta:      meta,
		notif:     notif,
		jobCode:   code,
		notifCode: notifCode,
		log:       log,
		bus:       eventbus.New[LifecycleEvent](),
		work:      supervisor.New(context.Background(), supervisor.WithLogger(log)),
		now:       o.now,
		loc:       o.loc,
	}
	return s
}

// Init brings up storages, registries and actors. Concurrent callers wait
// for a single attempt; a successful attempt is never repeated. A failed
// attempt leaves the scheduler uninitialized, so a later call retries.
func (s *JobScheduler) Init(ctx context.Context) error {
	if s.inited.Load() {
		return nil
	}
	select {
	case s.initGate <- struct{}{}:
	case <-ctx.Done():
		return kindErr(ErrCantInit, ctx.Err())
	}
	defer func() { <-s.initGate }()
	if s.inited.Load() {
		return nil
	}
	if s.hub.meta == nil || s.hub.notif == nil || s.hub.jobCode == nil || s.hub.notifCode == nil {
		return kindErr(ErrCantInit, errors.New("nil storage or code registry"))
	}
	if err := s.initActors(ctx); err != nil {
		s.log.Error("init failed", logx.Err(err))
		return kindErr(ErrCantInit, err)
	}
	s.inited.Store(true)
	s.log.Debug("initialized")
	return nil
}

// initActors runs with the init gate held.
func (s *JobScheduler) initActors(ctx context.Context) error {
	s.initRuns.Add(1)
	h := s.hub
	if err := initHub(ctx, h); err != nil {
		return err
	}
	steps := []func(context.Context, *Hub) error{
		s.jobCreator.Init,
		s.jobDeleter.Init,
		s.noteCreator.Init,
		s.noteDeleter.Init,
		s.noteRunner.Init,
	}
	for _, step := range steps {
		if err := step(ctx, h); err != nil {
			return err
		}
	}
	if err := s.jobRunner.Init(ctx, h, s); err != nil {
		return err
	}
	s.scheduler.Init(h, s.opts.tickInterval, s.jobRunner.Run)
	return nil
}

// Inited reports whether initialization has completed.
func (s *JobScheduler) Inited() bool { return s.inited.Load() }

// Hub returns the shared collaborators, nil before initialization.
func (s *JobScheduler) Hub() *Hub {
	if !s.inited.Load() {
		return nil
	}
	return s.hub
}

// Add schedules job and returns its id. Notifications attached with
// Job.OnEvent are stored with it, and subscribers of EventScheduled fire.
// If a notification cannot be stored the job is removed again.
func (s *JobScheduler) Add(ctx context.Context, job *Job) (uuid.UUID, error) {
	if job == nil {
		return uuid.Nil, errNilJobFunc
	}
	if err := s.Init(ctx); err != nil {
		return uuid.Nil, err
	}
	meta, err := s.jobCreator.Add(ctx, job)
	if err != nil {
		return uuid.Nil, fmt.Errorf("add job %s: %w", job.ID(), err)
	}
	for _, n := range job.notes {
		nm := NotificationMetadata{ID: n.id, JobID: meta.ID, Events: n.events}
		if err := s.noteCreator.Add(ctx, nm, n.fn); err != nil {
			if _, _, rerr := s.jobDeleter.Remove(ctx, meta.ID); rerr != nil {
				s.log.Warn("rollback of partially added job failed",
					logx.String("job_id", meta.ID.String()), logx.Err(rerr))
			}
			return uuid.Nil, fmt.Errorf("add notification %s: %w", n.id, err)
		}
	}
	s.fire(ctx, meta, EventScheduled)
	s.log.Debug("job added",
		logx.String("job_id", meta.ID.String()),
		logx.String("job", meta.Name),
		logx.Stringer("kind", meta.Kind),
		logx.Int64("next_tick", meta.NextTick))
	return meta.ID, nil
}

// Remove erases the job with id along with its payload and notifications.
// Subscribers of EventRemoved fire even though their subscription is gone
// by the time they run. Unknown ids are not an error.
func (s *JobScheduler) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	f, err := s.noteRunner.prepare(ctx, id, EventRemoved)
	if err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	meta, existed, err := s.jobDeleter.Remove(ctx, id)
	if existed {
		f.dispatch(meta)
		s.log.Debug("job removed", logx.String("job_id", id.String()), logx.String("job", meta.Name))
	}
	if err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}

// fire dispatches meta's notifications for ev. Failures are logged only:
// a broken notification store must not stop the job itself.
func (s *JobScheduler) fire(ctx context.Context, meta JobMetadata, ev JobEvent) {
	if err := s.noteRunner.Fire(ctx, meta, ev); err != nil {
		s.log.Warn("notification dispatch failed",
			logx.String("job_id", meta.ID.String()), logx.Stringer("event", ev), logx.Err(err))
	}
}

// AddNotification subscribes fn to events of the job with jobID. With no
// events it subscribes to all of them. Errors match ErrJobNotFound when the
// job does not exist.
func (s *JobScheduler) AddNotification(ctx context.Context, jobID uuid.UUID, fn NotificationFunc, events ...JobEvent) (uuid.UUID, error) {
	if fn == nil {
		return uuid.Nil, errors.New("jobsched: nil notification func")
	}
	if err := s.Init(ctx); err != nil {
		return uuid.Nil, err
	}
	if _, ok, err := s.hub.meta.Get(ctx, jobID); err != nil {
		return uuid.Nil, fmt.Errorf("add notification: %w", err)
	} else if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if len(events) == 0 {
		events = []JobEvent{EventScheduled, EventStarted, EventStopped, EventRemoved}
	}
	n := NotificationMetadata{ID: uuid.New(), JobID: jobID, Events: append([]JobEvent(nil), events...)}
	if err := s.noteCreator.Add(ctx, n, fn); err != nil {
		return uuid.Nil, fmt.Errorf("add notification: %w", err)
	}
	return n.ID, nil
}

// RemoveNotification drops a single subscription. Unknown ids are not an error.
func (s *JobScheduler) RemoveNotification(ctx context.Context, id uuid.UUID) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	if _, err := s.noteDeleter.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove notification %s: %w", id, err)
	}
	return nil
}

// Tick runs one scheduling pass now. Errors match ErrTick.
func (s *JobScheduler) Tick(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	if err := s.scheduler.Tick(ctx); err != nil {
		s.log.Error("tick failed", logx.Err(err))
		return kindErr(ErrTick, err)
	}
	return nil
}

// Start launches the background loop, which ticks at the configured
// interval until Shutdown. Errors match ErrStartScheduler; after Shutdown
// they match ErrShutDown too.
func (s *JobScheduler) Start(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	if err := s.scheduler.Start(); err != nil {
		if errors.Is(err, ErrShutDown) {
			return fmt.Errorf("%w: %w", ErrStartScheduler, err)
		}
		return kindErr(ErrStartScheduler, err)
	}
	return nil
}

// TimeTillNextJob returns how long until the earliest scheduled job is due,
// zero when one is overdue. ok is false when nothing is scheduled.
// Errors match ErrCantGetTimeUntil.
func (s *JobScheduler) TimeTillNextJob(ctx context.Context) (time.Duration, bool, error) {
	if err := s.Init(ctx); err != nil {
		return 0, false, err
	}
	d, ok, err := s.hub.meta.TimeTillNextJob(ctx, s.hub.Now())
	if err != nil {
		return 0, false, kindErr(ErrCantGetTimeUntil, err)
	}
	return d, ok, nil
}

// NextTickForJob returns when the job with id next fires. ok is false for
// unknown jobs and for jobs with no further runs.
func (s *JobScheduler) NextTickForJob(ctx context.Context, id uuid.UUID) (time.Time, bool, error) {
	if err := s.Init(ctx); err != nil {
		return time.Time{}, false, err
	}
	meta, found, err := s.hub.meta.Get(ctx, id)
	if err != nil {
		return time.Time{}, false, kindErr(ErrCantGetTimeUntil, err)
	}
	if !found {
		return time.Time{}, false, nil
	}
	at, ok := meta.NextTime()
	return at, ok, nil
}

// Events subscribes to lifecycle transitions. Slow readers miss events
// rather than stall the scheduler. Call the returned func to unsubscribe.
func (s *JobScheduler) Events(buffer int) (<-chan LifecycleEvent, func()) {
	return s.hub.bus.Subscribe(buffer)
}

// SetShutdownHandler installs fn to run once, at the end of Shutdown,
// replacing any earlier handler.
func (s *JobScheduler) SetShutdownHandler(fn ShutdownFunc) {
	if fn == nil {
		s.onShutdown.Store(nil)
		return
	}
	s.onShutdown.Store(&fn)
}

// RemoveShutdownHandler uninstalls the shutdown handler.
func (s *JobScheduler) RemoveShutdownHandler() { s.onShutdown.Store(nil) }

// Shutdown stops the background loop and waits for it, bounded by ctx.
// Running jobs are not canceled; WithShutdownDrain bounds how long they
// are waited for. When the loop does not stop in time the error is
// returned and neither Done nor the handler fire; a later call resumes
// the wait. The shutdown handler runs exactly once across all calls.
// Start is refused afterwards.
func (s *JobScheduler) Shutdown(ctx context.Context) error {
	s.shutDown.Store(true)
	if err := s.scheduler.Shutdown(ctx); err != nil {
		s.log.Warn("scheduler loop did not stop in time", logx.Err(err))
		return err
	}

	if s.opts.drain > 0 {
		dctx, cancel := context.WithTimeout(ctx, s.opts.drain)
		if werr := s.hub.work.Wait(dctx); werr != nil {
			s.log.Warn("jobs still running at shutdown",
				logx.Int64("active", s.hub.work.Counters().Active),
				logx.Any("running", activeNames(s.hub.work.Snapshot())))
		}
		cancel()
	}

	if s.shutdownOnce.CompareAndSwap(false, true) {
		close(s.shutdownDone)
		s.log.Info("scheduler shut down", logx.Uint64("dropped_events", s.hub.bus.Dropped()))
	}
	if fnp := s.onShutdown.Swap(nil); fnp != nil {
		(*fnp)(ctx)
	}
	return nil
}

// activeNames maps each goroutine name still running to its count.
func activeNames(stats []supervisor.NameStats) map[string]int64 {
	out := map[string]int64{}
	for _, st := range stats {
		if st.Active > 0 {
			out[st.Name] = st.Active
		}
	}
	return out
}

// IsShutDown reports whether Shutdown has been called.
func (s *JobScheduler) IsShutDown() bool { return s.shutDown.Load() }

// Done is closed after the first Shutdown has stopped the loop.
func (s *JobScheduler) Done() <-chan struct{} { return s.shutdownDone }
