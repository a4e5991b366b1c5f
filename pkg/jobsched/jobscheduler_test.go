package jobsched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyMeta fails selected operations of an otherwise working store.
type flakyMeta struct {
	*MemoryMetadataStore
	initErr error
	listErr atomic.Value // error
	inits   atomic.Int32
}

func (f *flakyMeta) Init(ctx context.Context) error {
	f.inits.Add(1)
	if f.initErr != nil {
		err := f.initErr
		f.initErr = nil
		return err
	}
	return f.MemoryMetadataStore.Init(ctx)
}

func (f *flakyMeta) ListDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	if err, _ := f.listErr.Load().(error); err != nil {
		return nil, err
	}
	return f.MemoryMetadataStore.ListDue(ctx, now)
}

// gatedMeta holds the first Add after arm until release is closed.
type gatedMeta struct {
	*MemoryMetadataStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedMeta() *gatedMeta {
	return &gatedMeta{
		MemoryMetadataStore: NewMemoryMetadataStore(),
		entered:             make(chan struct{}),
		release:             make(chan struct{}),
	}
}

func (g *gatedMeta) arm() { g.armed.Store(true) }

func (g *gatedMeta) Add(ctx context.Context, m JobMetadata) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.MemoryMetadataStore.Add(ctx, m)
}

// failingNotes fails every notification Add after the first ok ones.
type failingNotes struct {
	*MemoryNotificationStore
	ok    int32
	calls atomic.Int32
}

func (f *failingNotes) Add(ctx context.Context, n NotificationMetadata) error {
	if f.calls.Add(1) > f.ok {
		return errors.New("notification store full")
	}
	return f.MemoryNotificationStore.Add(ctx, n)
}

func newTestScheduler(t *testing.T, meta MetaDataStorage, opts ...Option) *JobScheduler {
	t.Helper()
	if meta == nil {
		meta = NewMemoryMetadataStore()
	}
	s := newScheduler(meta, NewMemoryNotificationStore(), NewMemoryJobCode(), NewMemoryNotificationCode(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func noop(context.Context, uuid.UUID, *JobScheduler) {}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func recvErr(t *testing.T, ch <-chan error, what string) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestInitRunsOnceUnderConcurrency(t *testing.T) {
	s := newTestScheduler(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Init(context.Background()); err != nil {
				t.Errorf("Init: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := s.initRuns.Load(); got != 1 {
		t.Fatalf("init ran %d times, want 1", got)
	}
	if !s.Inited() {
		t.Fatal("Inited() = false after Init")
	}
}

func TestOperationsInitializeLazily(t *testing.T) {
	ctx := context.Background()
	repeated := func() *Job {
		j, _ := NewRepeatedJob(time.Minute, noop)
		return j
	}
	tests := []struct {
		name string
		call func(*JobScheduler) error
	}{
		{"Add", func(s *JobScheduler) error { _, err := s.Add(ctx, repeated()); return err }},
		{"Remove", func(s *JobScheduler) error { return s.Remove(ctx, uuid.New()) }},
		{"Tick", func(s *JobScheduler) error { return s.Tick(ctx) }},
		{"Start", func(s *JobScheduler) error { return s.Start(ctx) }},
		{"TimeTillNextJob", func(s *JobScheduler) error { _, _, err := s.TimeTillNextJob(ctx); return err }},
		{"NextTickForJob", func(s *JobScheduler) error { _, _, err := s.NextTickForJob(ctx, uuid.New()); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t, nil)
			if s.Inited() || s.Hub() != nil {
				t.Fatal("new scheduler should start uninitialized")
			}
			if err := tt.call(s); err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			if !s.Inited() || s.Hub() == nil {
				t.Fatalf("%s did not initialize the scheduler", tt.name)
			}
			if got := s.initRuns.Load(); got != 1 {
				t.Fatalf("init ran %d times, want 1", got)
			}
		})
	}
}

func TestInitFailureIsRetried(t *testing.T) {
	meta := &flakyMeta{MemoryMetadataStore: NewMemoryMetadataStore(), initErr: errors.New("disk gone")}
	s := newTestScheduler(t, meta)

	err := s.Init(context.Background())
	if !errors.Is(err, ErrCantInit) {
		t.Fatalf("Init error = %v, want ErrCantInit", err)
	}
	if s.Inited() {
		t.Fatal("failed init must leave the scheduler uninitialized")
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if got := meta.inits.Load(); got != 2 {
		t.Fatalf("storage Init called %d times, want 2", got)
	}
}

func TestNewReportsInitFailure(t *testing.T) {
	meta := &flakyMeta{MemoryMetadataStore: NewMemoryMetadataStore(), initErr: errors.New("boom")}
	_, err := NewWithStorageAndCode(context.Background(), meta, NewMemoryNotificationStore(), NewMemoryJobCode(), NewMemoryNotificationCode())
	if !errors.Is(err, ErrCantInit) {
		t.Fatalf("err = %v, want ErrCantInit", err)
	}
}

func TestAddThenRemove(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestScheduler(t, nil, WithClock(clock.Now))
	job, err := NewRepeatedJob(time.Minute, noop)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.Add(ctx, job)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id != job.ID() {
		t.Fatalf("Add returned %s, want %s", id, job.ID())
	}
	next, ok, err := s.NextTickForJob(ctx, id)
	if err != nil || !ok {
		t.Fatalf("NextTickForJob after Add = ok %v, err %v", ok, err)
	}
	if next.Before(clock.Now()) {
		t.Fatalf("next tick %s is before now %s", next, clock.Now())
	}

	if err := s.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := s.NextTickForJob(ctx, id); ok {
		t.Fatal("job still scheduled after Remove")
	}
	if _, ok, _ := s.Hub().JobCode().Get(ctx, id); ok {
		t.Fatal("job code still bound after Remove")
	}
	if _, ok, _ := s.TimeTillNextJob(ctx); ok {
		t.Fatal("TimeTillNextJob should report nothing scheduled")
	}
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	s := newTestScheduler(t, nil)
	if err := s.Remove(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Remove(unknown) = %v, want nil", err)
	}
}

func TestTickWithNoJobs(t *testing.T) {
	s := newTestScheduler(t, nil)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

func TestRepeatedJobFiresWhenDue(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestScheduler(t, nil, WithClock(clock.Now))

	runs := make(chan uuid.UUID, 4)
	job, _ := NewRepeatedJob(2*time.Second, func(_ context.Context, id uuid.UUID, _ *JobScheduler) {
		runs <- id
	})
	id, err := s.Add(ctx, job)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-runs:
		t.Fatal("job ran before it was due")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(2 * time.Second)
	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-runs:
		if got != id {
			t.Fatalf("payload got id %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("due job did not run")
	}

	meta, ok, _ := s.Hub().MetadataStorage().Get(ctx, id)
	if !ok {
		t.Fatal("repeated job vanished after running")
	}
	if want := clock.Now().Add(2 * time.Second).Unix(); meta.NextTick != want {
		t.Fatalf("NextTick = %d, want %d", meta.NextTick, want)
	}
	if meta.LastTick != clock.Now().Unix() || meta.Count != 1 {
		t.Fatalf("LastTick %d Count %d after one run", meta.LastTick, meta.Count)
	}
}

func TestTimeTillNextJobTracksClock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestScheduler(t, nil, WithClock(clock.Now))
	job, _ := NewOneShotJob(10*time.Second, noop)
	if _, err := s.Add(ctx, job); err != nil {
		t.Fatal(err)
	}
	d, ok, err := s.TimeTillNextJob(ctx)
	if err != nil || !ok || d != 10*time.Second {
		t.Fatalf("TimeTillNextJob = %s %v %v, want 10s", d, ok, err)
	}
	clock.Advance(15 * time.Second)
	if d, _, _ := s.TimeTillNextJob(ctx); d != 0 {
		t.Fatalf("overdue job should report 0, got %s", d)
	}
}

func TestOneShotIsRemovedAfterRun(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	meta := NewMemoryMetadataStore()
	s := newTestScheduler(t, meta, WithClock(clock.Now))

	var ran atomic.Int32
	job, _ := NewOneShotJob(0, func(context.Context, uuid.UUID, *JobScheduler) { ran.Add(1) })
	removed := make(chan struct{}, 1)
	job.OnEvent(func(context.Context, uuid.UUID, uuid.UUID, JobEvent) { removed <- struct{}{} }, EventRemoved)
	id, err := s.Add(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok, _ := meta.Get(ctx, id)
		return !ok
	})
	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("removed notification did not fire")
	}

	// Nothing left to run.
	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := ran.Load(); got != 1 {
		t.Fatalf("one-shot ran %d times, want 1", got)
	}
}

func TestLifecycleNotifications(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestScheduler(t, nil, WithClock(clock.Now))

	seen := make(chan JobEvent, 8)
	job, _ := NewRepeatedJob(time.Second, noop)
	job.OnEvent(func(_ context.Context, _ uuid.UUID, _ uuid.UUID, ev JobEvent) { seen <- ev }, EventStarted, EventStopped)
	id, err := s.Add(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	extra, err := s.AddNotification(ctx, id, func(_ context.Context, _ uuid.UUID, _ uuid.UUID, ev JobEvent) { seen <- ev }, EventRemoved)
	if err != nil {
		t.Fatal(err)
	}
	if extra == uuid.Nil {
		t.Fatal("AddNotification returned nil id")
	}

	clock.Advance(time.Second)
	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	got := map[JobEvent]int{}
	for len(got) < 2 {
		select {
		case ev := <-seen:
			got[ev]++
		case <-time.After(2 * time.Second):
			t.Fatalf("saw %v, want started and stopped", got)
		}
	}
	if got[EventStarted] != 1 || got[EventStopped] != 1 {
		t.Fatalf("events = %v", got)
	}

	if err := s.Remove(ctx, id); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-seen:
		if ev != EventRemoved {
			t.Fatalf("got %s, want removed", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("removed notification did not fire")
	}
	if _, ok, _ := s.Hub().NotificationStorage().Get(ctx, extra); ok {
		t.Fatal("notification outlived its job")
	}
}

func TestAddNotificationUnknownJob(t *testing.T) {
	s := newTestScheduler(t, nil)
	_, err := s.AddNotification(context.Background(), uuid.New(), func(context.Context, uuid.UUID, uuid.UUID, JobEvent) {})
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestJobCanRemoveItself(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	meta := NewMemoryMetadataStore()
	s := newTestScheduler(t, meta, WithClock(clock.Now))

	job, _ := NewRepeatedJob(time.Second, func(ctx context.Context, id uuid.UUID, s *JobScheduler) {
		_ = s.Remove(ctx, id)
	})
	id, _ := s.Add(ctx, job)
	clock.Advance(time.Second)
	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok, _ := meta.Get(ctx, id)
		return !ok
	})
}

func TestTickStorageFailure(t *testing.T) {
	meta := &flakyMeta{MemoryMetadataStore: NewMemoryMetadataStore()}
	meta.listErr.Store(errors.New("db locked"))
	s := newTestScheduler(t, meta)
	if err := s.Tick(context.Background()); !errors.Is(err, ErrTick) {
		t.Fatalf("Tick error = %v, want ErrTick", err)
	}
}

func TestReAddKeepsStoredSchedule(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	meta := NewMemoryMetadataStore()
	id := uuid.New()

	first := newTestScheduler(t, meta, WithClock(clock.Now))
	job, _ := NewCronJob("0 0 * * * *", noop)
	if _, err := first.Add(ctx, job.WithID(id)); err != nil {
		t.Fatal(err)
	}
	before, _, _ := meta.Get(ctx, id)

	// A later process re-adds the same job with fresh code.
	clock.Advance(10 * time.Minute)
	second := newTestScheduler(t, meta, WithClock(clock.Now))
	again, _ := NewCronJob("0 0 * * * *", noop)
	if _, err := second.Add(ctx, again.WithID(id)); err != nil {
		t.Fatal(err)
	}
	after, _, _ := meta.Get(ctx, id)
	if after.NextTick != before.NextTick {
		t.Fatalf("NextTick moved from %d to %d on re-add", before.NextTick, after.NextTick)
	}

	// A changed schedule starts over.
	changed, _ := NewCronJob("0 30 * * * *", noop)
	if _, err := second.Add(ctx, changed.WithID(id)); err != nil {
		t.Fatal(err)
	}
	moved, _, _ := meta.Get(ctx, id)
	if want := clock.Now().Add(20 * time.Minute).Unix(); moved.NextTick != want {
		t.Fatalf("NextTick = %d, want %d", moved.NextTick, want)
	}
}

func TestOrphanedMetadataIsRemoved(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	meta := NewMemoryMetadataStore()
	orphan := JobMetadata{ID: uuid.New(), Kind: KindRepeated, Every: time.Second, NextTick: clock.Now().Unix()}
	if err := meta.Add(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, meta, WithClock(clock.Now))
	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok, _ := meta.Get(ctx, orphan.ID)
		return !ok
	})
}

func TestShutdownHandlerRunsOnce(t *testing.T) {
	s := newTestScheduler(t, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	s.SetShutdownHandler(func(context.Context) { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Shutdown(context.Background())
		}()
	}
	wg.Wait()
	if got := calls.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
	err := s.Start(context.Background())
	if !errors.Is(err, ErrStartScheduler) || !errors.Is(err, ErrShutDown) {
		t.Fatalf("Start after Shutdown = %v, want ErrStartScheduler and ErrShutDown", err)
	}
}

func TestRemovedShutdownHandlerDoesNotRun(t *testing.T) {
	s := newTestScheduler(t, nil)
	var calls atomic.Int32
	s.SetShutdownHandler(func(context.Context) { calls.Add(1) })
	s.RemoveShutdownHandler()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Fatal("removed handler ran")
	}
}

func TestStartTwiceFails(t *testing.T) {
	s := newTestScheduler(t, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStartScheduler) {
		t.Fatalf("second Start = %v, want ErrStartScheduler", err)
	}
}

func TestBackgroundLoopRunsJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, nil, WithTickInterval(50*time.Millisecond))
	var runs atomic.Int32
	job, _ := NewRepeatedJob(time.Second, func(context.Context, uuid.UUID, *JobScheduler) { runs.Add(1) })
	if _, err := s.Add(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 1 })
}

func TestEventsStream(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, nil)
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	events, unsubscribe := s.Events(4)
	defer unsubscribe()

	job, _ := NewRepeatedJob(time.Minute, noop)
	id, err := s.Add(ctx, job.WithName("report"))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev.JobID != id || ev.Event != EventScheduled || ev.Name != "report" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no scheduled event")
	}
}

func TestRemoveDuringTickStaysRemoved(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	meta := newGatedMeta()
	s := newTestScheduler(t, meta, WithClock(clock.Now))
	job, _ := NewRepeatedJob(time.Second, noop)
	id, err := s.Add(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	meta.arm()

	ticked := make(chan error, 1)
	go func() { ticked <- s.Tick(ctx) }()
	waitClosed(t, meta.entered, "tick write")

	removed := make(chan error, 1)
	go func() { removed <- s.Remove(ctx, id) }()
	select {
	case err := <-removed:
		t.Fatalf("Remove returned (%v) while the tick was still writing the job", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(meta.release)
	if err := recvErr(t, ticked, "tick"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if err := recvErr(t, removed, "remove"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := s.NextTickForJob(ctx, id); ok {
		t.Fatal("job scheduled again after Remove returned")
	}
	if _, ok, _ := meta.Get(ctx, id); ok {
		t.Fatal("job written back to storage after Remove returned")
	}
}

func TestReAddDuringTickKeepsNewSchedule(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	meta := newGatedMeta()
	s := newTestScheduler(t, meta, WithClock(clock.Now))
	job, _ := NewRepeatedJob(time.Second, noop)
	id, err := s.Add(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	meta.arm()

	ticked := make(chan error, 1)
	go func() { ticked <- s.Tick(ctx) }()
	waitClosed(t, meta.entered, "tick write")

	added := make(chan error, 1)
	go func() {
		hourly, _ := NewRepeatedJob(time.Hour, noop)
		_, err := s.Add(ctx, hourly.WithID(id))
		added <- err
	}()

	close(meta.release)
	if err := recvErr(t, ticked, "tick"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if err := recvErr(t, added, "re-add"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	stored, ok, _ := meta.Get(ctx, id)
	if !ok {
		t.Fatal("re-added job missing")
	}
	if stored.Every != time.Hour {
		t.Fatalf("stored Every = %s, want 1h", stored.Every)
	}
	if want := clock.Now().Add(time.Hour).Unix(); stored.NextTick != want {
		t.Fatalf("NextTick = %d, want %d", stored.NextTick, want)
	}
}

func TestShutdownTimeoutDefersHandler(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	meta := newGatedMeta()
	s := newTestScheduler(t, meta, WithClock(clock.Now), WithTickInterval(10*time.Millisecond))
	job, _ := NewRepeatedJob(time.Second, noop)
	if _, err := s.Add(ctx, job); err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	s.SetShutdownHandler(func(context.Context) { calls.Add(1) })
	clock.Advance(time.Second)
	meta.arm()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitClosed(t, meta.entered, "loop tick")

	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	err := s.Shutdown(sctx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown with a stuck tick = %v, want deadline exceeded", err)
	}
	if calls.Load() != 0 {
		t.Fatal("handler ran before the loop stopped")
	}
	select {
	case <-s.Done():
		t.Fatal("Done closed before the loop stopped")
	default:
	}

	close(meta.release)
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
	waitClosed(t, s.Done(), "Done")
}

func TestAddRollsBackWhenNotificationFails(t *testing.T) {
	ctx := context.Background()
	notes := &failingNotes{MemoryNotificationStore: NewMemoryNotificationStore(), ok: 1}
	s := newScheduler(NewMemoryMetadataStore(), notes, NewMemoryJobCode(), NewMemoryNotificationCode())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	job, _ := NewRepeatedJob(time.Minute, noop)
	first := job.OnEvent(func(context.Context, uuid.UUID, uuid.UUID, JobEvent) {}, EventStarted)
	job.OnEvent(func(context.Context, uuid.UUID, uuid.UUID, JobEvent) {}, EventStopped)

	id, err := s.Add(ctx, job)
	if err == nil {
		t.Fatal("Add succeeded with a failing notification store")
	}
	if id != uuid.Nil {
		t.Fatalf("Add returned id %s on failure", id)
	}
	if _, ok, _ := s.NextTickForJob(ctx, job.ID()); ok {
		t.Fatal("job left scheduled after a failed Add")
	}
	if _, ok, _ := s.Hub().JobCode().Get(ctx, job.ID()); ok {
		t.Fatal("job code left bound after a failed Add")
	}
	if _, ok, _ := notes.Get(ctx, first); ok {
		t.Fatal("stored notification left behind after a failed Add")
	}
	if _, ok, _ := s.Hub().NotificationCode().Get(ctx, first); ok {
		t.Fatal("notification code left bound after a failed Add")
	}
}

func TestJobRunsShareGoroutineStats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	meta := NewMemoryMetadataStore()
	s := newTestScheduler(t, meta, WithClock(clock.Now))

	const n = 50
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		job, _ := NewOneShotJob(0, noop)
		id, err := s.Add(ctx, job)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		for _, id := range ids {
			if _, ok, _ := meta.Get(ctx, id); ok {
				return false
			}
		}
		return true
	})

	for _, st := range s.Hub().work.Snapshot() {
		if st.Name != "job" && st.Name != "notify" {
			t.Fatalf("unexpected goroutine stats name %q", st.Name)
		}
	}
}
