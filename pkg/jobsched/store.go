package jobsched

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MetaDataStorage persists job metadata.
//
// Implementations must be safe for concurrent use. Init may be called on a
// freshly constructed value only once per JobScheduler, but should tolerate
// being called again.
type MetaDataStorage interface {
	Init(ctx context.Context) error
	// Add inserts or replaces the metadata for m.ID.
	Add(ctx context.Context, m JobMetadata) error
	// Delete removes id. Unknown ids are not an error.
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (JobMetadata, bool, error)
	// ListDue returns jobs whose NextTick is set and <= now, earliest first.
	ListDue(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	// TimeTillNextJob returns the smallest NextTick-now over all scheduled
	// jobs, clamped at zero; ok is false when nothing is scheduled.
	TimeTillNextJob(ctx context.Context, now time.Time) (d time.Duration, ok bool, err error)
}

// NotificationStorage persists notification subscriptions.
type NotificationStorage interface {
	Init(ctx context.Context) error
	Add(ctx context.Context, n NotificationMetadata) error
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (NotificationMetadata, bool, error)
	ListForJob(ctx context.Context, jobID uuid.UUID, ev JobEvent) ([]uuid.UUID, error)
	// DeleteForJob removes every notification watching jobID and returns their ids.
	DeleteForJob(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error)
}

// JobCodeRegistry binds job ids to runnable payloads.
//
// Init runs after both storages are ready, so a registry may read them to
// rebind payloads for jobs persisted by an earlier process.
type JobCodeRegistry interface {
	Init(ctx context.Context, hub *Hub) error
	Add(ctx context.Context, id uuid.UUID, fn JobFunc) error
	Get(ctx context.Context, id uuid.UUID) (JobFunc, bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// NotificationCodeRegistry binds notification ids to runnable payloads.
type NotificationCodeRegistry interface {
	Init(ctx context.Context, hub *Hub) error
	Add(ctx context.Context, id uuid.UUID, fn NotificationFunc) error
	Get(ctx context.Context, id uuid.UUID) (NotificationFunc, bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
