package storage

import (
	"context"
	"errors"
	"time"

	"jobsched/pkg/jobsched"
)

var ErrClosed = errors.New("storage closed")

// Config selects and configures a backend.
//
// Driver values:
//   - "memory" (or empty): in-process maps, nothing survives a restart
//   - "file": snapshot + JSON Lines journal next to Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Stores is an opened backend. Both storages share the same underlying
// handle, so Close releases them together.
type Stores struct {
	Metadata      jobsched.MetaDataStorage
	Notifications jobsched.NotificationStorage
	Driver        string

	close func() error
}

func (s *Stores) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// Lister is implemented by backends that can enumerate every stored job.
type Lister interface {
	List(ctx context.Context) ([]jobsched.JobMetadata, error)
}
