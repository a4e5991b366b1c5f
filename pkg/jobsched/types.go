package jobsched

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobKind selects how a job's next fire time is computed.
type JobKind int

const (
	KindCron JobKind = iota
	KindRepeated
	KindOneShot
)

func (k JobKind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindRepeated:
		return "repeated"
	case KindOneShot:
		return "oneshot"
	default:
		return "unknown"
	}
}

// JobEvent is a job lifecycle transition that notifications subscribe to.
type JobEvent int

const (
	EventScheduled JobEvent = iota + 1
	EventStarted
	EventStopped
	EventRemoved
)

func (e JobEvent) String() string {
	switch e {
	case EventScheduled:
		return "scheduled"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ParseJobEvent is the inverse of JobEvent.String.
func ParseJobEvent(s string) (JobEvent, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scheduled":
		return EventScheduled, true
	case "started":
		return EventStarted, true
	case "stopped":
		return EventStopped, true
	case "removed":
		return EventRemoved, true
	default:
		return 0, false
	}
}

// NoNextTick is the NextTick sentinel for "no further runs".
const NoNextTick int64 = 0

// JobMetadata is what a MetaDataStorage persists for a job.
// Ticks are unix seconds (UTC).
type JobMetadata struct {
	ID       uuid.UUID
	Name     string
	Kind     JobKind
	Schedule string        // cron expression, KindCron only
	Every    time.Duration // KindRepeated only
	NextTick int64
	LastTick int64
	Count    uint32 // runs dispatched so far
}

// NextTime returns NextTick as a UTC time, ok=false for the sentinel.
func (m JobMetadata) NextTime() (time.Time, bool) {
	if m.NextTick == NoNextTick {
		return time.Time{}, false
	}
	return time.Unix(m.NextTick, 0).UTC(), true
}

// NotificationMetadata is what a NotificationStorage persists.
type NotificationMetadata struct {
	ID     uuid.UUID
	JobID  uuid.UUID
	Events []JobEvent
}

// Has reports whether the notification subscribes to ev.
func (n NotificationMetadata) Has(ev JobEvent) bool {
	for _, e := range n.Events {
		if e == ev {
			return true
		}
	}
	return false
}

// JobFunc is a job's payload. It receives the scheduler that runs it, so a
// job can add or remove jobs (including itself).
type JobFunc func(ctx context.Context, id uuid.UUID, s *JobScheduler)

// NotificationFunc runs when the watched job goes through ev.
type NotificationFunc func(ctx context.Context, jobID, notificationID uuid.UUID, ev JobEvent)

// ShutdownFunc runs once, after the background loop has stopped.
type ShutdownFunc func(ctx context.Context)

// LifecycleEvent is published on JobScheduler.Events for every transition.
type LifecycleEvent struct {
	JobID uuid.UUID
	Name  string
	Event JobEvent
	At    time.Time
}
