package jobsched

import (
	"context"
	"sync"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/runtime/supervisor"
	logx "jobsched/pkg/logx"
)

// Hub is the set of collaborators every actor shares. It is built once,
// during initialization, and never changes afterwards.
type Hub struct {
	meta      MetaDataStorage
	notif     NotificationStorage
	jobCode   JobCodeRegistry
	notifCode NotificationCodeRegistry

	log  logx.Logger
	bus  eventbus.Bus[LifecycleEvent]
	work *supervisor.Supervisor
	now  func() time.Time
	loc  *time.Location

	// jobsMu serializes metadata writes by JobCreator, JobDeleter and the
	// tick's read-advance-write.
	jobsMu sync.Mutex
}

// MetadataStorage returns the job metadata store.
func (h *Hub) MetadataStorage() MetaDataStorage { return h.meta }

// NotificationStorage returns the notification store.
func (h *Hub) NotificationStorage() NotificationStorage { return h.notif }

// JobCode returns the job payload registry.
func (h *Hub) JobCode() JobCodeRegistry { return h.jobCode }

// NotificationCode returns the notification payload registry.
func (h *Hub) NotificationCode() NotificationCodeRegistry { return h.notifCode }

func (h *Hub) Logger() logx.Logger { return h.log }

// Location is the zone cron schedules are evaluated in.
func (h *Hub) Location() *time.Location { return h.loc }

// Now reads the scheduler clock.
func (h *Hub) Now() time.Time { return h.now() }

func (h *Hub) publish(ev LifecycleEvent)                       { h.bus.Publish(ev) }
func (h *Hub) spawn(name string, fn func(ctx context.Context)) { h.work.Go0(name, fn) }

// initHub brings the collaborators up in dependency order: both storages
// first, then the code registries, which receive the finished hub.
func initHub(ctx context.Context, h *Hub) error {
	if err := h.meta.Init(ctx); err != nil {
		return err
	}
	if err := h.notif.Init(ctx); err != nil {
		return err
	}
	if err := h.jobCode.Init(ctx, h); err != nil {
		return err
	}
	return h.notifCode.Init(ctx, h)
}
