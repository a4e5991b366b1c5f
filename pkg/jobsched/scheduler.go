package jobsched

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobsched/internal/runtime/supervisor"
	logx "jobsched/pkg/logx"
)

var errLoopRunning = errors.New("background loop already running")

// Scheduler finds due jobs, advances their schedules and hands them to a
// dispatch hook. It also owns the background tick loop.
type Scheduler struct {
	mu       sync.RWMutex
	hub      *Hub
	dispatch func(JobMetadata)
	interval time.Duration
	loop     *supervisor.Supervisor
	closed   bool

	// tickMu serializes ticks from the loop and from callers.
	tickMu sync.Mutex
	warn   *rate.Limiter
}

// Init binds the hub and the dispatch hook. It does not block.
func (s *Scheduler) Init(hub *Hub, interval time.Duration, dispatch func(JobMetadata)) {
	s.mu.Lock()
	s.hub = hub
	s.interval = interval
	s.dispatch = dispatch
	if s.warn == nil {
		s.warn = rate.NewLimiter(rate.Every(30*time.Second), 1)
	}
	s.mu.Unlock()
}

// Tick runs one scheduling pass. Every due job is advanced and persisted
// before any of them is dispatched, so a payload that adds or removes jobs
// cannot change what this pass picked up.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.RLock()
	hub, dispatch := s.hub, s.dispatch
	s.mu.RUnlock()
	if hub == nil {
		return errNotInitialized
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := hub.Now()
	ids, err := hub.meta.ListDue(ctx, now)
	if err != nil {
		return err
	}
	due := make([]JobMetadata, 0, len(ids))
	err = func() error {
		hub.jobsMu.Lock()
		defer hub.jobsMu.Unlock()
		for _, id := range ids {
			meta, ok, err := hub.meta.Get(ctx, id)
			if err != nil {
				return err
			}
			// Removed since ListDue, or not actually due.
			if !ok || meta.NextTick == NoNextTick || meta.NextTick > now.Unix() {
				continue
			}
			next, err := advance(meta, now, hub.loc)
			if err != nil {
				hub.log.Warn("job schedule unusable, no further runs",
					logx.String("job_id", meta.ID.String()), logx.Err(err))
			}
			meta.NextTick = next
			meta.LastTick = now.Unix()
			meta.Count++
			if err := hub.meta.Add(ctx, meta); err != nil {
				return err
			}
			due = append(due, meta)
		}
		return nil
	}()

	// Jobs already advanced still run, even if a later one failed to persist.
	for _, m := range due {
		dispatch(m)
	}
	if len(due) > 0 {
		hub.log.Trace("tick", logx.Int("dispatched", len(due)))
	}
	return err
}

// Start launches the background loop. It fails when the loop is already
// running or the scheduler has been shut down.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.hub == nil:
		return errNotInitialized
	case s.closed:
		return ErrShutDown
	case s.loop != nil:
		return errLoopRunning
	}
	s.loop = supervisor.New(context.Background(), supervisor.WithLogger(s.hub.log))
	s.loop.GoRestart("tick-loop", supervisor.Backoff{Min: s.interval, Max: 30 * time.Second}, s.run)
	s.hub.log.Info("scheduler loop started", logx.Duration("interval", s.interval))
	return nil
}

// Running reports whether the background loop is active.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loop != nil
}

func (s *Scheduler) run(ctx context.Context) error {
	s.mu.RLock()
	hub, interval, warn := s.hub, s.interval, s.warn
	s.mu.RUnlock()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			// A pass in progress finishes even when shutdown starts.
			if err := s.Tick(context.WithoutCancel(ctx)); err != nil && warn.Allow() {
				hub.log.Warn("tick failed", logx.Err(err))
			}
		}
	}
}

// Shutdown stops the loop and waits, bounded by ctx, for it to exit.
// Start is refused afterwards. A call that runs out of time leaves the loop
// in place, so a later call waits for it again.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	loop := s.loop
	s.closed = true
	s.mu.Unlock()
	if loop == nil {
		return nil
	}
	if err := loop.Stop(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if s.loop == loop {
		s.loop = nil
	}
	s.mu.Unlock()
	return nil
}
