//go:build linux

package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/coreos/go-systemd/v22/login1"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	signalPrepareForSleep    = "org.freedesktop.login1.Manager.PrepareForSleep"
	signalPrepareForShutdown = "org.freedesktop.login1.Manager.PrepareForShutdown"
)

// watchHost follows logind sleep and shutdown signals until ctx is done.
// While running it holds a delay inhibitor lock, so logind waits for the
// shutdown notice before powering off.
func watchHost(ctx context.Context, log logrus.FieldLogger, l hostListener) error {
	conn, err := login1.New()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to connect to logind")
	}
	defer conn.Close()

	var lock *os.File
	acquire := func() {
		if lock != nil {
			return
		}
		f, err := conn.Inhibit("shutdown", "powerwatch", "Sending the host shutdown notification", "delay")
		if err != nil {
			log.WithError(err).Warn("failed to take the shutdown inhibitor lock, the shutdown notice may not go out")
			return
		}
		lock = f
	}
	release := func() {
		if lock == nil {
			return
		}
		if err := lock.Close(); err != nil {
			log.WithError(err).Debug("failed to release the shutdown inhibitor lock")
		}
		lock = nil
	}
	acquire()
	defer release()

	signals := conn.Subscribe("PrepareForSleep", "PrepareForShutdown")
	log.Debug("listening to logind sleep and shutdown signals")

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("logind signal channel closed")
			}
			if sig == nil || len(sig.Body) == 0 {
				continue
			}
			active, _ := sig.Body[0].(bool)

			switch sig.Name {
			case signalPrepareForSleep:
				if active {
					log.Info("host is going to sleep")
					continue
				}
				log.Info("host woke up")
				go l.NotifyResumed()
			case signalPrepareForShutdown:
				if !active {
					log.Info("host shutdown was cancelled")
					acquire()
					continue
				}
				l.NotifyHostShutdown()
				release()
			}
		}
	}
}
