package jobsched

import (
	"errors"
	"fmt"
)

// Error kinds returned by JobScheduler. Match them with errors.Is; the
// collaborator cause, when there is one, only appears in the message.
var (
	ErrCantInit         = errors.New("jobsched: can't initialize scheduler")
	ErrTick             = errors.New("jobsched: tick failed")
	ErrStartScheduler   = errors.New("jobsched: can't start scheduler")
	ErrCantGetTimeUntil = errors.New("jobsched: can't get time until next job")

	ErrInvalidSchedule = errors.New("jobsched: invalid schedule")
	ErrJobNotFound     = errors.New("jobsched: job not found")
	ErrShutDown        = errors.New("jobsched: scheduler shut down")
)

// kindErr folds cause into kind without exposing the cause's type.
func kindErr(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %v", kind, cause)
}
