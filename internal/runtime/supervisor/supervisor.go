package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "jobsched/pkg/logx"
)

// Supervisor owns a set of goroutines tied to a shared context.
//   - named goroutines (for logging and stats)
//   - panic recovery, a panicking goroutine never takes the process down
//   - restart loops with jittered exponential backoff
//   - Wait with a caller-supplied deadline
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log      logx.Logger
	errOnce  sync.Once
	firstErr atomic.Value // stores error

	started atomic.Uint64
	active  atomic.Int64
	panics  atomic.Uint64

	// running/idle replace a WaitGroup: Go may be called while Wait is
	// blocked, which WaitGroup forbids when the counter is zero.
	runMu   sync.Mutex
	running int
	idle    chan struct{}

	mu    sync.Mutex
	stats map[string]*nameStats
}

type Option func(*Supervisor)

// Counters exposes best-effort goroutine counters.
// They are an operational signal, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
	Panics  uint64 `json:"panics"`
}

// NameStats aggregates every goroutine started under the same name.
type NameStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Restarts    uint64        `json:"restarts"`
	Panics      uint64        `json:"panics"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type nameStats struct {
	NameStats
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		stats:  map[string]*nameStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error (or recovered panic) seen by any goroutine.
func (s *Supervisor) Err() error {
	err, _ := s.firstErr.Load().(error)
	return err
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load(), Panics: s.panics.Load()}
}

// Snapshot returns per-name stats, active names first.
func (s *Supervisor) Snapshot() []NameStats {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]NameStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, st.NameStats)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Supervisor) statsFor(name string) *nameStats {
	st := s.stats[name]
	if st == nil {
		st = &nameStats{NameStats{Name: name}}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.statsFor(name)
	st.Started++
	st.Active++
	st.LastStartAt = now
	if restart {
		st.Restarts++
	}
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error, panicked bool) {
	s.mu.Lock()
	st := s.statsFor(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastRuntime = time.Since(startedAt)
	if err != nil {
		st.LastErr = err.Error()
	}
	if panicked {
		st.Panics++
	}
	s.mu.Unlock()
}

// runGuarded calls fn and converts a panic into an error.
func runGuarded(ctx context.Context, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			panicked = true
		}
	}()
	return fn(ctx), false
}

// Go runs fn once in its own goroutine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.enter()
	go func() {
		defer s.leave()
		defer s.active.Add(-1)

		startedAt := s.noteStart(name, false)
		err, panicked := runGuarded(s.ctx, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if panicked {
			s.panics.Add(1)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Err(err))
		}
		s.noteStop(name, startedAt, err, panicked)
		if err != nil {
			s.setErr(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Go0 is Go for functions that don't return an error.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Backoff bounds the sleep between GoRestart attempts.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// GoRestart runs fn and restarts it after an error or panic until the
// supervisor context is canceled. A nil return ends the loop.
func (s *Supervisor) GoRestart(name string, b Backoff, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if b.Min <= 0 {
		b.Min = 250 * time.Millisecond
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	s.Go0(name+".restart", func(ctx context.Context) {
		wait := b.Min
		for attempt := 0; ; attempt++ {
			if ctx.Err() != nil {
				return
			}
			startedAt := s.noteStart(name, attempt > 0)
			err, panicked := runGuarded(ctx, fn)
			if panicked {
				s.panics.Add(1)
			}
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, startedAt, nil, panicked)
				return
			}
			s.noteStop(name, startedAt, err, panicked)
			s.setErr(fmt.Errorf("%s: %w", name, err))

			// A long healthy run resets the backoff.
			if time.Since(startedAt) >= 30*time.Second {
				wait = b.Min
			}
			sleep := wait + time.Duration(time.Now().UnixNano()%int64(wait/5+1))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", sleep), logx.Err(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			wait *= 2
			if wait > b.Max {
				wait = b.Max
			}
		}
	})
}

// Stop cancels the context and waits for every goroutine, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
// It can be called any number of times.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runMu.Lock()
	if s.running == 0 {
		s.runMu.Unlock()
		return nil
	}
	idle := s.idle
	s.runMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-idle:
		return nil
	}
}

func (s *Supervisor) enter() {
	s.runMu.Lock()
	if s.running == 0 {
		s.idle = make(chan struct{})
	}
	s.running++
	s.runMu.Unlock()
}

func (s *Supervisor) leave() {
	s.runMu.Lock()
	s.running--
	if s.running == 0 {
		close(s.idle)
	}
	s.runMu.Unlock()
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
