package storage

import (
	"errors"
	"strings"

	"jobsched/pkg/jobsched"
	logx "jobsched/pkg/logx"
)

// Open initializes the configured backend. Schema setup and replay happen
// later, in the storages' Init, which the scheduler calls on first use.
func Open(cfg Config, log logx.Logger) (*Stores, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driverName(driver)))

	switch driver {
	case "", "memory", "none":
		return &Stores{
			Metadata:      jobsched.NewMemoryMetadataStore(),
			Notifications: jobsched.NewMemoryNotificationStore(),
			Driver:        "memory",
		}, nil
	case "file":
		fs, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		return &Stores{Metadata: fs.jobs(), Notifications: fs.notes(), Driver: "file", close: fs.Close}, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return &Stores{Metadata: st.jobs(), Notifications: st.notes(), Driver: "sqlite", close: st.Close}, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}
