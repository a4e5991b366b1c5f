package jobsched

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryMetadataStore is the default MetaDataStorage. Nothing survives a restart.
type MemoryMetadataStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]JobMetadata
}

func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{jobs: map[uuid.UUID]JobMetadata{}}
}

func (s *MemoryMetadataStore) Init(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	if s.jobs == nil {
		s.jobs = map[uuid.UUID]JobMetadata{}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryMetadataStore) Add(ctx context.Context, m JobMetadata) error {
	_ = ctx
	s.mu.Lock()
	if s.jobs == nil {
		s.jobs = map[uuid.UUID]JobMetadata{}
	}
	s.jobs[m.ID] = m
	s.mu.Unlock()
	return nil
}

func (s *MemoryMetadataStore) Delete(ctx context.Context, id uuid.UUID) error {
	_ = ctx
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryMetadataStore) Get(ctx context.Context, id uuid.UUID) (JobMetadata, bool, error) {
	_ = ctx
	s.mu.RLock()
	m, ok := s.jobs[id]
	s.mu.RUnlock()
	return m, ok, nil
}

func (s *MemoryMetadataStore) ListDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	_ = ctx
	cutoff := now.Unix()
	s.mu.RLock()
	due := make([]JobMetadata, 0, 4)
	for _, m := range s.jobs {
		if m.NextTick != NoNextTick && m.NextTick <= cutoff {
			due = append(due, m)
		}
	}
	s.mu.RUnlock()
	return sortedIDs(due), nil
}

func (s *MemoryMetadataStore) TimeTillNextJob(ctx context.Context, now time.Time) (time.Duration, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  int64
		found bool
	)
	for _, m := range s.jobs {
		if m.NextTick == NoNextTick {
			continue
		}
		if !found || m.NextTick < best {
			best = m.NextTick
			found = true
		}
	}
	if !found {
		return 0, false, nil
	}
	return untilTick(best, now), true, nil
}

// List returns every stored job, ordered by NextTick.
func (s *MemoryMetadataStore) List(ctx context.Context) ([]JobMetadata, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]JobMetadata, 0, len(s.jobs))
	for _, m := range s.jobs {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sortByTick(out)
	return out, nil
}

// untilTick is tick-now clamped at zero.
func untilTick(tick int64, now time.Time) time.Duration {
	d := time.Unix(tick, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func sortByTick(ms []JobMetadata) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].NextTick != ms[j].NextTick {
			return ms[i].NextTick < ms[j].NextTick
		}
		return ms[i].ID.String() < ms[j].ID.String()
	})
}

func sortedIDs(ms []JobMetadata) []uuid.UUID {
	sortByTick(ms)
	ids := make([]uuid.UUID, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}
	return ids
}

// MemoryNotificationStore is the default NotificationStorage.
type MemoryNotificationStore struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]NotificationMetadata
	byJob map[uuid.UUID]map[uuid.UUID]struct{}
}

func NewMemoryNotificationStore() *MemoryNotificationStore {
	s := &MemoryNotificationStore{}
	s.ensureMaps()
	return s
}

func (s *MemoryNotificationStore) ensureMaps() {
	if s.byID == nil {
		s.byID = map[uuid.UUID]NotificationMetadata{}
	}
	if s.byJob == nil {
		s.byJob = map[uuid.UUID]map[uuid.UUID]struct{}{}
	}
}

func (s *MemoryNotificationStore) Init(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	s.ensureMaps()
	s.mu.Unlock()
	return nil
}

func (s *MemoryNotificationStore) Add(ctx context.Context, n NotificationMetadata) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMaps()
	if prev, ok := s.byID[n.ID]; ok && prev.JobID != n.JobID {
		s.unlinkLocked(prev)
	}
	n.Events = append([]JobEvent(nil), n.Events...)
	s.byID[n.ID] = n
	set := s.byJob[n.JobID]
	if set == nil {
		set = map[uuid.UUID]struct{}{}
		s.byJob[n.JobID] = set
	}
	set[n.ID] = struct{}{}
	return nil
}

func (s *MemoryNotificationStore) unlinkLocked(n NotificationMetadata) {
	set := s.byJob[n.JobID]
	delete(set, n.ID)
	if len(set) == 0 {
		delete(s.byJob, n.JobID)
	}
}

func (s *MemoryNotificationStore) Delete(ctx context.Context, id uuid.UUID) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	s.unlinkLocked(n)
	return nil
}

func (s *MemoryNotificationStore) Get(ctx context.Context, id uuid.UUID) (NotificationMetadata, bool, error) {
	_ = ctx
	s.mu.RLock()
	n, ok := s.byID[id]
	s.mu.RUnlock()
	return n, ok, nil
}

func (s *MemoryNotificationStore) ListForJob(ctx context.Context, jobID uuid.UUID, ev JobEvent) ([]uuid.UUID, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(s.byJob[jobID]))
	for id := range s.byJob[jobID] {
		if s.byID[id].Has(ev) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// List returns every stored notification, ordered by id.
func (s *MemoryNotificationStore) List(ctx context.Context) ([]NotificationMetadata, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]NotificationMetadata, 0, len(s.byID))
	for _, n := range s.byID {
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *MemoryNotificationStore) DeleteForJob(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byJob[jobID]
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		delete(s.byID, id)
		out = append(out, id)
	}
	delete(s.byJob, jobID)
	return out, nil
}

// MemoryJobCode is the default JobCodeRegistry.
type MemoryJobCode struct {
	mu   sync.RWMutex
	hub  *Hub
	code map[uuid.UUID]JobFunc
}

func NewMemoryJobCode() *MemoryJobCode {
	return &MemoryJobCode{code: map[uuid.UUID]JobFunc{}}
}

func (r *MemoryJobCode) Init(ctx context.Context, hub *Hub) error {
	_ = ctx
	r.mu.Lock()
	r.hub = hub
	if r.code == nil {
		r.code = map[uuid.UUID]JobFunc{}
	}
	r.mu.Unlock()
	return nil
}

func (r *MemoryJobCode) Add(ctx context.Context, id uuid.UUID, fn JobFunc) error {
	_ = ctx
	r.mu.Lock()
	if r.code == nil {
		r.code = map[uuid.UUID]JobFunc{}
	}
	r.code[id] = fn
	r.mu.Unlock()
	return nil
}

func (r *MemoryJobCode) Get(ctx context.Context, id uuid.UUID) (JobFunc, bool, error) {
	_ = ctx
	r.mu.RLock()
	fn, ok := r.code[id]
	r.mu.RUnlock()
	return fn, ok, nil
}

func (r *MemoryJobCode) Delete(ctx context.Context, id uuid.UUID) error {
	_ = ctx
	r.mu.Lock()
	delete(r.code, id)
	r.mu.Unlock()
	return nil
}

// MemoryNotificationCode is the default NotificationCodeRegistry.
type MemoryNotificationCode struct {
	mu   sync.RWMutex
	hub  *Hub
	code map[uuid.UUID]NotificationFunc
}

func NewMemoryNotificationCode() *MemoryNotificationCode {
	return &MemoryNotificationCode{code: map[uuid.UUID]NotificationFunc{}}
}

func (r *MemoryNotificationCode) Init(ctx context.Context, hub *Hub) error {
	_ = ctx
	r.mu.Lock()
	r.hub = hub
	if r.code == nil {
		r.code = map[uuid.UUID]NotificationFunc{}
	}
	r.mu.Unlock()
	return nil
}

func (r *MemoryNotificationCode) Add(ctx context.Context, id uuid.UUID, fn NotificationFunc) error {
	_ = ctx
	r.mu.Lock()
	if r.code == nil {
		r.code = map[uuid.UUID]NotificationFunc{}
	}
	r.code[id] = fn
	r.mu.Unlock()
	return nil
}

func (r *MemoryNotificationCode) Get(ctx context.Context, id uuid.UUID) (NotificationFunc, bool, error) {
	_ = ctx
	r.mu.RLock()
	fn, ok := r.code[id]
	r.mu.RUnlock()
	return fn, ok, nil
}

func (r *MemoryNotificationCode) Delete(ctx context.Context, id uuid.UUID) error {
	_ = ctx
	r.mu.Lock()
	delete(r.code, id)
	r.mu.Unlock()
	return nil
}
