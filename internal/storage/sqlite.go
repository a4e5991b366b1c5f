package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"jobsched/pkg/jobsched"
	logx "jobsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; ticks and API calls queue on the single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) jobs() *sqliteJobs   { return &sqliteJobs{s} }
func (s *sqliteStore) notes() *sqliteNotes { return &sqliteNotes{s} }

// sqliteJobs is the MetaDataStorage view of a sqliteStore.
type sqliteJobs struct{ *sqliteStore }

func (j *sqliteJobs) Init(ctx context.Context) error { return j.migrate(ctx) }

func (j *sqliteJobs) Add(ctx context.Context, m jobsched.JobMetadata) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO jobs(id, name, kind, schedule, every_ns, next_tick, last_tick, runs)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, kind=excluded.kind, schedule=excluded.schedule,
		   every_ns=excluded.every_ns, next_tick=excluded.next_tick,
		   last_tick=excluded.last_tick, runs=excluded.runs`,
		m.ID.String(), m.Name, int(m.Kind), m.Schedule, int64(m.Every), m.NextTick, m.LastTick, int64(m.Count),
	)
	return err
}

func (j *sqliteJobs) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id.String())
	return err
}

const jobColumns = `id, name, kind, schedule, every_ns, next_tick, last_tick, runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (jobsched.JobMetadata, error) {
	var (
		m     jobsched.JobMetadata
		id    string
		kind  int
		every int64
		runs  int64
	)
	if err := r.Scan(&id, &m.Name, &kind, &m.Schedule, &every, &m.NextTick, &m.LastTick, &runs); err != nil {
		return jobsched.JobMetadata{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return jobsched.JobMetadata{}, fmt.Errorf("job id %q: %w", id, err)
	}
	m.ID = parsed
	m.Kind = jobsched.JobKind(kind)
	m.Every = time.Duration(every)
	m.Count = uint32(runs)
	return m, nil
}

func (j *sqliteJobs) Get(ctx context.Context, id uuid.UUID) (jobsched.JobMetadata, bool, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String())
	m, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobsched.JobMetadata{}, false, nil
	}
	if err != nil {
		return jobsched.JobMetadata{}, false, err
	}
	return m, true, nil
}

func (j *sqliteJobs) ListDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE next_tick <> 0 AND next_tick <= ? ORDER BY next_tick, id`,
		now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (j *sqliteJobs) TimeTillNextJob(ctx context.Context, now time.Time) (time.Duration, bool, error) {
	var next sql.NullInt64
	err := j.db.QueryRowContext(ctx, `SELECT MIN(next_tick) FROM jobs WHERE next_tick <> 0`).Scan(&next)
	if err != nil {
		return 0, false, err
	}
	if !next.Valid {
		return 0, false, nil
	}
	d := time.Unix(next.Int64, 0).Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true, nil
}

func (j *sqliteJobs) List(ctx context.Context) ([]jobsched.JobMetadata, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY next_tick, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []jobsched.JobMetadata
	for rows.Next() {
		m, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("stored id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// sqliteNotes is the NotificationStorage view of a sqliteStore.
type sqliteNotes struct{ *sqliteStore }

func (n *sqliteNotes) Init(ctx context.Context) error { return n.migrate(ctx) }

func (n *sqliteNotes) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := n.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (n *sqliteNotes) Add(ctx context.Context, m jobsched.NotificationMetadata) error {
	id := m.ID.String()
	return n.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notifications(id, job_id) VALUES(?,?)
			 ON CONFLICT(id) DO UPDATE SET job_id=excluded.job_id`,
			id, m.JobID.String(),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM notification_events WHERE notification_id = ?`, id); err != nil {
			return err
		}
		for _, ev := range m.Events {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO notification_events(notification_id, event) VALUES(?,?)`,
				id, int(ev),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (n *sqliteNotes) Delete(ctx context.Context, id uuid.UUID) error {
	return n.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM notification_events WHERE notification_id = ?`, id.String()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id.String())
		return err
	})
}

func (n *sqliteNotes) Get(ctx context.Context, id uuid.UUID) (jobsched.NotificationMetadata, bool, error) {
	var jobID string
	err := n.db.QueryRowContext(ctx, `SELECT job_id FROM notifications WHERE id = ?`, id.String()).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return jobsched.NotificationMetadata{}, false, nil
	}
	if err != nil {
		return jobsched.NotificationMetadata{}, false, err
	}
	job, err := uuid.Parse(jobID)
	if err != nil {
		return jobsched.NotificationMetadata{}, false, fmt.Errorf("stored job id %q: %w", jobID, err)
	}

	rows, err := n.db.QueryContext(ctx,
		`SELECT event FROM notification_events WHERE notification_id = ? ORDER BY event`, id.String())
	if err != nil {
		return jobsched.NotificationMetadata{}, false, err
	}
	defer rows.Close()
	out := jobsched.NotificationMetadata{ID: id, JobID: job}
	for rows.Next() {
		var ev int
		if err := rows.Scan(&ev); err != nil {
			return jobsched.NotificationMetadata{}, false, err
		}
		out.Events = append(out.Events, jobsched.JobEvent(ev))
	}
	return out, true, rows.Err()
}

func (n *sqliteNotes) ListForJob(ctx context.Context, jobID uuid.UUID, ev jobsched.JobEvent) ([]uuid.UUID, error) {
	rows, err := n.db.QueryContext(ctx,
		`SELECT n.id FROM notifications n
		 JOIN notification_events e ON e.notification_id = n.id
		 WHERE n.job_id = ? AND e.event = ?
		 ORDER BY n.id`,
		jobID.String(), int(ev),
	)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (n *sqliteNotes) DeleteForJob(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := n.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM notifications WHERE job_id = ? ORDER BY id`, jobID.String())
		if err != nil {
			return err
		}
		if ids, err = scanIDs(rows); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM notification_events
			 WHERE notification_id IN (SELECT id FROM notifications WHERE job_id = ?)`,
			jobID.String(),
		); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM notifications WHERE job_id = ?`, jobID.String())
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
