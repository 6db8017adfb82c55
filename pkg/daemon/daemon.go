package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/powerwatch/pkg/alert"
	"github.com/charlie0129/powerwatch/pkg/config"
	"github.com/charlie0129/powerwatch/pkg/events"
	"github.com/charlie0129/powerwatch/pkg/history"
	"github.com/charlie0129/powerwatch/pkg/notify"
	"github.com/charlie0129/powerwatch/pkg/power"
	"github.com/charlie0129/powerwatch/pkg/types"
)

// Prober is the power probe used by the daemon.
type Prober interface {
	power.Prober
	Info() ([]types.BatteryInfo, error)
}

// Manager is the part of *alert.Manager the control API drives.
type Manager interface {
	Status() alert.Status
	NotifyPowerSourceChanged(power.Source)
	NotifyClockChanged()
	NotifyHostShutdown()
	Pause() error
	Continue() error
	SendTestNotification(ctx context.Context) error
}

type server struct {
	log     logrus.FieldLogger
	conf    config.Config
	manager Manager
	history *history.Store
	hub     *events.EventHub
	probe   Prober
}

func setupRoutes(s *server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(s.log))

	router.GET("/status", s.getStatus)
	router.GET("/config", s.getConfig)
	router.GET("/version", s.getVersion)
	router.GET("/battery", s.getBattery)
	router.GET("/history", s.getHistory)
	router.GET("/events", s.getEvents)
	router.PUT("/power", s.setPower)
	router.POST("/clock-changed", s.clockChanged)
	router.POST("/shutdown", s.hostShutdown)
	router.POST("/pause", s.pause)
	router.POST("/continue", s.resume)
	router.POST("/test-notification", s.testNotification)

	return router
}

// alertOptions derives the alert engine options from the configuration.
func alertOptions(conf config.Config) alert.Options {
	return alert.Options{
		ReminderInterval:       conf.ReminderInterval(),
		ClockDriftThreshold:    conf.ClockDriftThreshold(),
		HeartbeatInterval:      conf.HeartbeatInterval(),
		CancelTimeout:          conf.CancelTimeout(),
		MaxConsecutiveFailures: conf.MaxConsecutiveFailures(),
		DumpDiagnostics:        conf.DumpDiagnostics(),
		CrossValidateSignals:   conf.CrossValidateSignals(),
	}
}

// listen creates the unix socket, replacing a stale socket file left
// behind by a previous run.
func listen(unixSocketPath string) (net.Listener, error) {
	if _, err := os.Stat(unixSocketPath); err == nil {
		if conn, err := net.DialTimeout("unix", unixSocketPath, time.Second); err == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("another daemon is already listening on %s", unixSocketPath)
		}
		logrus.Warnf("removing stale socket %s", unixSocketPath)
		if err := os.Remove(unixSocketPath); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to remove stale socket %s", unixSocketPath)
		}
	}
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to listen on %s", unixSocketPath)
	}
	return l, nil
}

// sdNotify reports state to the service manager. Outside of systemd it
// does nothing.
func sdNotify(state string) {
	sent, err := sddaemon.SdNotify(false, state)
	if err != nil {
		logrus.WithError(err).Debugf("failed to notify service manager of %q", state)
		return
	}
	if sent {
		logrus.Tracef("notified service manager: %s", state)
	}
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	gin.SetMode(gin.ReleaseMode)

	conf, err := config.NewFile(configPath)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to parse config during startup")
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := history.Open(ctx, conf.HistoryPath())
	if err != nil {
		return err
	}
	defer func() {
		logrus.Info("closing history")
		if err := store.Close(); err != nil {
			logrus.Errorf("failed to close history: %v", err)
		}
	}()
	if store.Enabled() {
		logrus.WithField("path", conf.HistoryPath()).Info("notification history enabled")
	}

	hub := events.NewEventHub()
	defer hub.Close()

	// A nil *history.Store must not end up in the interface.
	var appender notify.Appender
	if store.Enabled() {
		appender = store
	}
	limited := notify.NewRateLimited(notify.NewChannels(conf, logrus.WithField("component", "notify")), conf.AlertsPerMinute())
	dispatcher := notify.NewRecording(limited, appender, hub, logrus.WithField("component", "notify"))

	probe := power.NewProbe()
	manager := alert.NewManager(alertOptions(conf), dispatcher, probe,
		alert.WithLogger(logrus.WithField("component", "alert")),
		alert.WithPublisher(hub),
	)

	s := &server{
		log:     logrus.WithField("component", "api"),
		conf:    conf,
		manager: manager,
		history: store,
		hub:     hub,
		probe:   probe,
	}
	srv := &http.Server{
		Handler:           setupRoutes(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	l, err := listen(unixSocketPath)
	if err != nil {
		return err
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		if err := os.Chmod(unixSocketPath, 0777); err != nil {
			_ = l.Close()
			return pkgerrors.Wrapf(err, "failed to change permissions of %s", unixSocketPath)
		}
	}

	if err := manager.Start(); err != nil {
		_ = l.Close()
		return err
	}

	var reloadMu sync.Mutex
	reload := func(reason string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		sdNotify(sddaemon.SdNotifyReloading)
		defer sdNotify(sddaemon.SdNotifyReady)

		if err := conf.Load(); err != nil {
			logrus.Errorf("failed to reload config: %v", err)
			return
		}
		if err := conf.Validate(); err != nil {
			logrus.Errorf("reloaded config is invalid, keeping the previous alert options: %v", err)
			return
		}
		if err := manager.SetOptions(alertOptions(conf)); err != nil {
			logrus.Errorf("failed to apply reloaded config: %v", err)
			return
		}
		limited.SetRate(conf.AlertsPerMinute())
		logrus.WithFields(conf.LogrusFields()).WithField("reason", reason).Infof("config reloaded")
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		defer signal.Stop(sigc)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigc:
				reload("SIGHUP")
			}
		}
	}()

	go func() {
		err := config.Watch(ctx, configPath, func() { reload("file changed") })
		if err != nil {
			logrus.Warnf("config file will not be watched for changes: %v", err)
		}
	}()

	poller := &power.Poller{
		Prober:   probe,
		Interval: conf.PollInterval(),
		OnChange: manager.NotifyPowerSourceChanged,
	}
	go poller.Run(ctx)

	go func() {
		if err := watchHost(ctx, logrus.WithField("component", "host"), manager); err != nil {
			logrus.Warnf("host sleep and shutdown notifications are unavailable: %v", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sdNotify(sddaemon.SdNotifyReady)
	sdNotify("STATUS=watching power source and clock")

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case sig := <-sigc:
		logrus.Infof("caught signal \"%s\": shutting down.", sig)
	case err = <-serveErr:
		logrus.Errorf("http server failed: %v", err)
	}
	sdNotify(sddaemon.SdNotifyStopping)

	cancel()

	logrus.Info("stopping alert manager")
	manager.Stop()

	// Open event streams would otherwise hold up the shutdown.
	hub.Close()

	logrus.Info("shutting down http server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	shutdownCancel()

	logrus.Info("exiting")
	return err
}
