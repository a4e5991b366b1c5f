package jobsched

import (
	"context"
	"os"
	"os/signal"
	"time"

	logx "jobsched/pkg/logx"
)

// signalShutdownTimeout bounds the Shutdown triggered by a signal.
const signalShutdownTimeout = 30 * time.Second

// ShutdownOnSignal shuts the scheduler down when the process receives any
// of sigs. The listener lives until the first signal arrives.
// Calling it without signals is a programming error and panics.
func (s *JobScheduler) ShutdownOnSignal(sigs ...os.Signal) {
	if len(sigs) == 0 {
		panic("jobsched: ShutdownOnSignal needs at least one signal")
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	s.signals.Go0("signal-listener", func(ctx context.Context) {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			s.log.Info("signal received, shutting down", logx.String("signal", sig.String()))
			sctx, cancel := context.WithTimeout(context.Background(), signalShutdownTimeout)
			defer cancel()
			if err := s.Shutdown(sctx); err != nil {
				s.log.Warn("shutdown after signal", logx.Err(err))
			}
		case <-ctx.Done():
		case <-s.shutdownDone:
		}
	})
}

// ShutdownOnCtrlC is ShutdownOnSignal(os.Interrupt).
func (s *JobScheduler) ShutdownOnCtrlC() { s.ShutdownOnSignal(os.Interrupt) }
