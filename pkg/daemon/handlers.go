package daemon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlie0129/powerwatch/pkg/alert"
	"github.com/charlie0129/powerwatch/pkg/config"
	"github.com/charlie0129/powerwatch/pkg/history"
	"github.com/charlie0129/powerwatch/pkg/power"
	"github.com/charlie0129/powerwatch/pkg/types"
	"github.com/charlie0129/powerwatch/pkg/version"
)

const sseKeepAlive = 15 * time.Second

// abort writes err as the JSON body and records it for the request logger.
func abort(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

func (s *server) getStatus(c *gin.Context) {
	st := s.manager.Status()
	resp := types.Status{
		Version:        version.Version,
		State:          st.State,
		PowerSource:    st.PowerSource.String(),
		BatteryPresent: st.BatteryPresent,
		Sessions:       st.Sessions,
		Heartbeat:      st.Heartbeat,
		ClockBaseline:  st.ClockBaseline,
		HistoryEnabled: s.history.Enabled(),
		Subscribers:    s.hub.Subscribers(),
		DroppedEvents:  s.hub.Dropped(),
	}

	if s.probe != nil {
		bats, err := s.probe.Info()
		if err != nil {
			s.log.WithError(err).Debug("failed to read battery info for status")
		}
		resp.Batteries = bats
	}

	c.IndentedJSON(http.StatusOK, resp)
}

func (s *server) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(s.conf)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func (s *server) getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func (s *server) getBattery(c *gin.Context) {
	if s.probe == nil {
		abort(c, http.StatusNotFound, errors.New("battery probe is not available"))
		return
	}
	bats, err := s.probe.Info()
	if err != nil {
		s.log.Errorf("getBattery failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if len(bats) == 0 {
		abort(c, http.StatusNotFound, errors.New("no battery found"))
		return
	}
	c.IndentedJSON(http.StatusOK, bats)
}

func (s *server) getHistory(c *gin.Context) {
	n := history.DefaultRecent
	if q := c.Query("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			abort(c, http.StatusBadRequest, fmt.Errorf("n must be a positive integer, got %q", q))
			return
		}
		n = v
	}

	records, err := s.history.Recent(c.Request.Context(), n)
	if errors.Is(err, history.ErrDisabled) {
		abort(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.log.Errorf("getHistory failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, records)
}

// getEvents streams hub events as server-sent events until the client
// goes away or the hub is closed.
func (s *server) getEvents(c *gin.Context) {
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	// Commit the headers so the client knows it is subscribed.
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Data)
			return true
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
}

func (s *server) setPower(c *gin.Context) {
	var raw string
	if err := c.BindJSON(&raw); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	src, err := power.ParseSource(raw)
	if err == nil && src == power.Unknown {
		err = fmt.Errorf("power source must be wall or battery, got %q", raw)
	}
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	s.log.WithField("source", src.String()).Info("power source signal received over the API")
	s.manager.NotifyPowerSourceChanged(src)

	c.IndentedJSON(http.StatusCreated, "ok")
}

func (s *server) clockChanged(c *gin.Context) {
	s.log.Info("clock change signal received over the API")
	s.manager.NotifyClockChanged()
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (s *server) hostShutdown(c *gin.Context) {
	s.log.Info("host shutdown signal received over the API")
	s.manager.NotifyHostShutdown()
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (s *server) pause(c *gin.Context) {
	if err := s.manager.Pause(); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (s *server) resume(c *gin.Context) {
	if err := s.manager.Continue(); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (s *server) testNotification(c *gin.Context) {
	if err := s.manager.SendTestNotification(c.Request.Context()); err != nil {
		s.log.WithError(err).Warn("test notification failed")
		abort(c, http.StatusBadGateway, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "sent")
}

func statusFor(err error) int {
	if errors.Is(err, alert.ErrInvalidState) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
