package jobsched

import (
	"context"

	"github.com/google/uuid"

	logx "jobsched/pkg/logx"
)

// NotificationCreator stores subscriptions and binds their payloads.
type NotificationCreator struct{ actor }

func (c *NotificationCreator) Init(ctx context.Context, hub *Hub) error {
	_ = ctx
	c.bind(hub)
	return nil
}

func (c *NotificationCreator) Add(ctx context.Context, n NotificationMetadata, fn NotificationFunc) error {
	hub, err := c.current()
	if err != nil {
		return err
	}
	if err := hub.notifCode.Add(ctx, n.ID, fn); err != nil {
		return err
	}
	if err := hub.notif.Add(ctx, n); err != nil {
		_ = hub.notifCode.Delete(ctx, n.ID)
		return err
	}
	return nil
}

// NotificationDeleter removes a single subscription.
type NotificationDeleter struct{ actor }

func (d *NotificationDeleter) Init(ctx context.Context, hub *Hub) error {
	_ = ctx
	d.bind(hub)
	return nil
}

// Remove reports whether the notification existed.
func (d *NotificationDeleter) Remove(ctx context.Context, id uuid.UUID) (bool, error) {
	hub, err := d.current()
	if err != nil {
		return false, err
	}
	_, ok, err := hub.notif.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if err := hub.notif.Delete(ctx, id); err != nil {
		return false, err
	}
	return ok, hub.notifCode.Delete(ctx, id)
}

// NotificationRunner dispatches subscriptions for a job transition.
type NotificationRunner struct{ actor }

func (r *NotificationRunner) Init(ctx context.Context, hub *Hub) error {
	_ = ctx
	r.bind(hub)
	return nil
}

type noteTarget struct {
	id uuid.UUID
	fn NotificationFunc
}

// firing is a resolved set of subscribers, ready to dispatch. Resolving
// before dispatching lets Removed notifications run after the job's
// subscriptions have already been erased.
type firing struct {
	hub     *Hub
	ev      JobEvent
	targets []noteTarget
}

func (r *NotificationRunner) prepare(ctx context.Context, jobID uuid.UUID, ev JobEvent) (firing, error) {
	hub, err := r.current()
	if err != nil {
		return firing{}, err
	}
	ids, err := hub.notif.ListForJob(ctx, jobID, ev)
	if err != nil {
		return firing{}, err
	}
	f := firing{hub: hub, ev: ev}
	for _, id := range ids {
		fn, ok, err := hub.notifCode.Get(ctx, id)
		if err != nil {
			return firing{}, err
		}
		if !ok || fn == nil {
			hub.log.Debug("notification has no code", logx.String("notification_id", id.String()))
			continue
		}
		f.targets = append(f.targets, noteTarget{id: id, fn: fn})
	}
	return f, nil
}

// dispatch runs every target in its own goroutine and publishes the
// transition on the event bus.
func (f firing) dispatch(meta JobMetadata) {
	if f.hub == nil {
		return
	}
	for _, t := range f.targets {
		t := t
		f.hub.spawn("notify", func(ctx context.Context) {
			t.fn(ctx, meta.ID, t.id, f.ev)
		})
	}
	f.hub.publish(LifecycleEvent{JobID: meta.ID, Name: meta.Name, Event: f.ev, At: f.hub.Now()})
}

// Fire resolves and dispatches the subscribers of meta's job for ev.
func (r *NotificationRunner) Fire(ctx context.Context, meta JobMetadata, ev JobEvent) error {
	f, err := r.prepare(ctx, meta.ID, ev)
	if err != nil {
		return err
	}
	f.dispatch(meta)
	return nil
}
