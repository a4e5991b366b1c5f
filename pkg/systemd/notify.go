// Package systemd reports service state to the systemd manager over
// $NOTIFY_SOCKET. Outside a notify-type unit every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// SendFunc delivers one state string, reporting whether it was sent.
type SendFunc func(state string) (bool, error)

type Notifier struct {
	send     SendFunc
	watchdog func() (time.Duration, error)
}

func NewNotifier() *Notifier {
	return &Notifier{
		send:     func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

// NewNotifierFunc routes every state through send and disables the watchdog.
func NewNotifierFunc(send SendFunc) *Notifier {
	return &Notifier{send: send, watchdog: func() (time.Duration, error) { return 0, nil }}
}

func (n *Notifier) Ready() (bool, error)    { return n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() (bool, error) {
	return n.send(daemon.SdNotifyReloading)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) (bool, error) { return n.send("STATUS=" + msg) }

// Watchdog pings at half the unit's WatchdogSec until ctx is done. It
// returns at once when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) error {
	every, err := n.watchdog()
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := n.send(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
