package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobsched/pkg/jobsched"
	logx "jobsched/pkg/logx"
)

// fileStore keeps jobs and notifications in memory and persists every
// mutation to disk.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journalPath  string
	journal      *os.File
	writes       int
	loaded       bool

	mem  *jobsched.MemoryMetadataStore
	subs *jobsched.MemoryNotificationStore
}

const compactEvery = 1000

type jobRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Kind     int    `json:"kind"`
	Schedule string `json:"schedule,omitempty"`
	EveryNS  int64  `json:"every_ns,omitempty"`
	NextTick int64  `json:"next_tick"`
	LastTick int64  `json:"last_tick,omitempty"`
	Runs     uint32 `json:"runs,omitempty"`
}

type noteRecord struct {
	ID     string   `json:"id"`
	JobID  string   `json:"job_id"`
	Events []string `json:"events"`
}

// journalEntry is one line of the journal.
type journalEntry struct {
	Op   string      `json:"op"` // put_job | del_job | put_note | del_note | del_job_notes
	ID   string      `json:"id,omitempty"`
	Job  *jobRecord  `json:"job,omitempty"`
	Note *noteRecord `json:"note,omitempty"`
}

type snapshot struct {
	Jobs  []jobRecord  `json:"jobs"`
	Notes []noteRecord `json:"notes"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		journalPath:  prefix + ".journal.jsonl",
		mem:          jobsched.NewMemoryMetadataStore(),
		subs:         jobsched.NewMemoryNotificationStore(),
	}, nil
}

func (s *fileStore) jobs() *fileJobs   { return &fileJobs{s} }
func (s *fileStore) notes() *fileNotes { return &fileNotes{s} }

// load reads snapshot and journal once and opens the journal for appending.
func (s *fileStore) load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	if err := s.loadSnapshot(ctx); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	replayed, err := s.replayJournal(ctx)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	s.journal = jf
	s.writes = replayed
	s.loaded = true
	s.log.Debug("file store loaded", logx.Int("journal_entries", replayed))
	return nil
}

func (s *fileStore) loadSnapshot(ctx context.Context) error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	for _, r := range snap.Jobs {
		if m, ok := r.decode(); ok {
			_ = s.mem.Add(ctx, m)
		}
	}
	for _, r := range snap.Notes {
		if n, ok := r.decode(); ok {
			_ = s.subs.Add(ctx, n)
		}
	}
	return nil
}

func (s *fileStore) replayJournal(ctx context.Context) (int, error) {
	f, err := os.Open(s.journalPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn last line after a crash is expected.
			continue
		}
		s.apply(ctx, e)
		n++
	}
	return n, sc.Err()
}

// apply replays one entry into memory. Only del_job_notes returns ids,
// those of the notifications it dropped.
func (s *fileStore) apply(ctx context.Context, e journalEntry) []uuid.UUID {
	switch e.Op {
	case "put_job":
		if e.Job != nil {
			if m, ok := e.Job.decode(); ok {
				_ = s.mem.Add(ctx, m)
			}
		}
	case "del_job":
		if id, err := uuid.Parse(e.ID); err == nil {
			_ = s.mem.Delete(ctx, id)
		}
	case "put_note":
		if e.Note != nil {
			if n, ok := e.Note.decode(); ok {
				_ = s.subs.Add(ctx, n)
			}
		}
	case "del_note":
		if id, err := uuid.Parse(e.ID); err == nil {
			_ = s.subs.Delete(ctx, id)
		}
	case "del_job_notes":
		if id, err := uuid.Parse(e.ID); err == nil {
			ids, _ := s.subs.DeleteForJob(ctx, id)
			return ids
		}
	}
	return nil
}

// write appends e to the journal, then applies it in memory.
func (s *fileStore) write(ctx context.Context, e journalEntry) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(e); err != nil {
		return nil, err
	}
	ids := s.apply(ctx, e)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(ctx); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return ids, nil
}

func (s *fileStore) compactLocked(ctx context.Context) error {
	jobs, _ := s.mem.List(ctx)
	notes, _ := s.subs.List(ctx)
	snap := snapshot{Jobs: make([]jobRecord, 0, len(jobs)), Notes: make([]noteRecord, 0, len(notes))}
	for _, m := range jobs {
		snap.Jobs = append(snap.Jobs, encodeJob(m))
	}
	for _, n := range notes {
		snap.Notes = append(snap.Notes, encodeNote(n))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	var err error
	if s.loaded {
		err = s.compactLocked(context.Background())
	}
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func encodeJob(m jobsched.JobMetadata) jobRecord {
	return jobRecord{
		ID:       m.ID.String(),
		Name:     m.Name,
		Kind:     int(m.Kind),
		Schedule: m.Schedule,
		EveryNS:  int64(m.Every),
		NextTick: m.NextTick,
		LastTick: m.LastTick,
		Runs:     m.Count,
	}
}

func (r jobRecord) decode() (jobsched.JobMetadata, bool) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return jobsched.JobMetadata{}, false
	}
	return jobsched.JobMetadata{
		ID:       id,
		Name:     r.Name,
		Kind:     jobsched.JobKind(r.Kind),
		Schedule: r.Schedule,
		Every:    time.Duration(r.EveryNS),
		NextTick: r.NextTick,
		LastTick: r.LastTick,
		Count:    r.Runs,
	}, true
}

func encodeNote(n jobsched.NotificationMetadata) noteRecord {
	evs := make([]string, 0, len(n.Events))
	for _, e := range n.Events {
		evs = append(evs, e.String())
	}
	return noteRecord{ID: n.ID.String(), JobID: n.JobID.String(), Events: evs}
}

func (r noteRecord) decode() (jobsched.NotificationMetadata, bool) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return jobsched.NotificationMetadata{}, false
	}
	job, err := uuid.Parse(r.JobID)
	if err != nil {
		return jobsched.NotificationMetadata{}, false
	}
	out := jobsched.NotificationMetadata{ID: id, JobID: job}
	for _, name := range r.Events {
		if ev, ok := jobsched.ParseJobEvent(name); ok {
			out.Events = append(out.Events, ev)
		}
	}
	return out, true
}

// fileJobs is the MetaDataStorage view of a fileStore.
type fileJobs struct{ *fileStore }

func (j *fileJobs) Init(ctx context.Context) error { return j.load(ctx) }

func (j *fileJobs) Add(ctx context.Context, m jobsched.JobMetadata) error {
	rec := encodeJob(m)
	_, err := j.write(ctx, journalEntry{Op: "put_job", Job: &rec})
	return err
}

func (j *fileJobs) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := j.write(ctx, journalEntry{Op: "del_job", ID: id.String()})
	return err
}

func (j *fileJobs) Get(ctx context.Context, id uuid.UUID) (jobsched.JobMetadata, bool, error) {
	return j.mem.Get(ctx, id)
}

func (j *fileJobs) ListDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return j.mem.ListDue(ctx, now)
}

func (j *fileJobs) TimeTillNextJob(ctx context.Context, now time.Time) (time.Duration, bool, error) {
	return j.mem.TimeTillNextJob(ctx, now)
}

func (j *fileJobs) List(ctx context.Context) ([]jobsched.JobMetadata, error) {
	return j.mem.List(ctx)
}

// fileNotes is the NotificationStorage view of a fileStore.
type fileNotes struct{ *fileStore }

func (n *fileNotes) Init(ctx context.Context) error { return n.load(ctx) }

func (n *fileNotes) Add(ctx context.Context, m jobsched.NotificationMetadata) error {
	rec := encodeNote(m)
	_, err := n.write(ctx, journalEntry{Op: "put_note", Note: &rec})
	return err
}

func (n *fileNotes) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := n.write(ctx, journalEntry{Op: "del_note", ID: id.String()})
	return err
}

func (n *fileNotes) Get(ctx context.Context, id uuid.UUID) (jobsched.NotificationMetadata, bool, error) {
	return n.subs.Get(ctx, id)
}

func (n *fileNotes) ListForJob(ctx context.Context, jobID uuid.UUID, ev jobsched.JobEvent) ([]uuid.UUID, error) {
	return n.subs.ListForJob(ctx, jobID, ev)
}

func (n *fileNotes) DeleteForJob(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	return n.write(ctx, journalEntry{Op: "del_job_notes", ID: jobID.String()})
}
