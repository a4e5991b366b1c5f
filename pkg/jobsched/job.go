package jobsched

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var errNilJobFunc = errors.New("jobsched: nil job func")

// Job is a not-yet-added unit of work. Build one with a New*Job
// constructor, optionally attach notifications, then pass it to
// JobScheduler.Add. A Job should be added once.
type Job struct {
	meta  JobMetadata
	run   JobFunc
	at    time.Time     // absolute one-shot instant
	after time.Duration // one-shot delay, resolved when added
	notes []pendingNote
}

type pendingNote struct {
	id     uuid.UUID
	events []JobEvent
	fn     NotificationFunc
}

func newJob(kind JobKind, fn JobFunc) (*Job, error) {
	if fn == nil {
		return nil, errNilJobFunc
	}
	return &Job{meta: JobMetadata{ID: uuid.New(), Kind: kind}, run: fn}, nil
}

// NewCronJob runs fn on every match of expr, evaluated in the scheduler's
// location (UTC unless WithLocation says otherwise).
func NewCronJob(expr string, fn JobFunc) (*Job, error) {
	if err := ValidateCron(expr); err != nil {
		return nil, err
	}
	j, err := newJob(KindCron, fn)
	if err != nil {
		return nil, err
	}
	j.meta.Schedule = expr
	return j, nil
}

// NewRepeatedJob runs fn every interval, first one interval after Add.
func NewRepeatedJob(every time.Duration, fn JobFunc) (*Job, error) {
	if every < time.Second {
		return nil, fmt.Errorf("%w: repeat interval %s below one second", ErrInvalidSchedule, every)
	}
	j, err := newJob(KindRepeated, fn)
	if err != nil {
		return nil, err
	}
	j.meta.Every = every
	j.meta.Schedule = every.String()
	return j, nil
}

// NewOneShotJob runs fn once, after the given delay from Add. The job is
// removed after it has run.
func NewOneShotJob(after time.Duration, fn JobFunc) (*Job, error) {
	if after < 0 {
		return nil, fmt.Errorf("%w: negative delay %s", ErrInvalidSchedule, after)
	}
	j, err := newJob(KindOneShot, fn)
	if err != nil {
		return nil, err
	}
	j.after = after
	return j, nil
}

// NewOneShotAtJob runs fn once at the given instant. An instant in the past
// fires on the next tick.
func NewOneShotAtJob(at time.Time, fn JobFunc) (*Job, error) {
	if at.IsZero() {
		return nil, fmt.Errorf("%w: zero instant", ErrInvalidSchedule)
	}
	j, err := newJob(KindOneShot, fn)
	if err != nil {
		return nil, err
	}
	j.at = at
	j.meta.Schedule = at.UTC().Format(time.RFC3339)
	return j, nil
}

// ID is the job's id, random unless set with WithID.
func (j *Job) ID() uuid.UUID { return j.meta.ID }

func (j *Job) Name() string { return j.meta.Name }

func (j *Job) Kind() JobKind { return j.meta.Kind }

// WithID replaces the random id. Stable ids let a persistent store carry
// a job's schedule across restarts.
func (j *Job) WithID(id uuid.UUID) *Job {
	j.meta.ID = id
	return j
}

// WithName sets a label carried in logs and lifecycle events.
func (j *Job) WithName(name string) *Job {
	j.meta.Name = name
	return j
}

// OnEvent registers fn to run when the job goes through any of events.
// With no events it subscribes to all of them. The notification is stored
// when the job is added; its id is returned now.
func (j *Job) OnEvent(fn NotificationFunc, events ...JobEvent) uuid.UUID {
	if len(events) == 0 {
		events = []JobEvent{EventScheduled, EventStarted, EventStopped, EventRemoved}
	}
	id := uuid.New()
	j.notes = append(j.notes, pendingNote{id: id, events: append([]JobEvent(nil), events...), fn: fn})
	return id
}

// firstTick is the NextTick a freshly added job starts with.
func (j *Job) firstTick(now time.Time, loc *time.Location) (int64, error) {
	switch j.meta.Kind {
	case KindOneShot:
		if !j.at.IsZero() {
			return j.at.Unix(), nil
		}
		return now.Add(j.after).Unix(), nil
	case KindCron:
		sched, err := parseCron(j.meta.Schedule)
		if err != nil {
			return NoNextTick, err
		}
		return cronTick(sched, now, loc), nil
	default:
		return advance(j.meta, now, loc)
	}
}

// resumes reports whether stored metadata describes the same schedule as j,
// so the stored NextTick can be kept.
func (j *Job) resumes(stored JobMetadata) bool {
	return stored.Kind == j.meta.Kind &&
		stored.Schedule == j.meta.Schedule &&
		stored.Every == j.meta.Every &&
		stored.NextTick != NoNextTick
}
