package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/powerwatch/pkg/config"
	"github.com/charlie0129/powerwatch/pkg/events"
	"github.com/charlie0129/powerwatch/pkg/history"
	"github.com/charlie0129/powerwatch/pkg/power"
	"github.com/charlie0129/powerwatch/pkg/types"
)

func (c *Client) GetStatus(ctx context.Context) (*types.Status, error) {
	ret, err := c.Get(ctx, "/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}

	var st types.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal status")
	}
	return &st, nil
}

func (c *Client) GetConfig(ctx context.Context) (*config.RawFileConfig, error) {
	ret, err := c.Get(ctx, "/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}
	return &conf, nil
}

func (c *Client) GetVersion(ctx context.Context) (string, error) {
	ret, err := c.Get(ctx, "/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return unquote(ret), nil
}

func (c *Client) GetBatteries(ctx context.Context) ([]types.BatteryInfo, error) {
	ret, err := c.Get(ctx, "/battery")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get battery info")
	}

	var bats []types.BatteryInfo
	if err := json.Unmarshal([]byte(ret), &bats); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal battery info")
	}
	return bats, nil
}

// GetHistory returns up to n notification records, newest first. A
// non-positive n uses the daemon's default.
func (c *Client) GetHistory(ctx context.Context, n int) ([]history.Record, error) {
	path := "/history"
	if n > 0 {
		path += "?n=" + strconv.Itoa(n)
	}
	ret, err := c.Get(ctx, path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get history")
	}

	var records []history.Record
	if err := json.Unmarshal([]byte(ret), &records); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal history")
	}
	return records, nil
}

func (c *Client) SetPowerSource(ctx context.Context, src power.Source) (string, error) {
	payload, err := json.Marshal(src)
	if err != nil {
		return "", err
	}
	return c.Put(ctx, "/power", string(payload))
}

func (c *Client) NotifyClockChanged(ctx context.Context) (string, error) {
	return c.Post(ctx, "/clock-changed", "")
}

func (c *Client) NotifyHostShutdown(ctx context.Context) (string, error) {
	return c.Post(ctx, "/shutdown", "")
}

func (c *Client) Pause(ctx context.Context) (string, error) {
	return c.Post(ctx, "/pause", "")
}

func (c *Client) Continue(ctx context.Context) (string, error) {
	return c.Post(ctx, "/continue", "")
}

func (c *Client) SendTestNotification(ctx context.Context) (string, error) {
	return c.Post(ctx, "/test-notification", "")
}

// SubscribeEvents streams daemon events until ctx is done or the daemon
// closes the stream. Both channels are closed when the stream ends; at most
// one error is delivered.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan events.Event, <-chan error, error) {
	resp, err := c.do(ctx, http.MethodGet, "/events", "")
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "failed to subscribe to events")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to events: got %d", resp.StatusCode)
	}

	out := make(chan events.Event)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		defer resp.Body.Close()

		if err := readEvents(ctx, bufio.NewScanner(resp.Body), out); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()
	return out, errc, nil
}

// readEvents parses a text/event-stream. Comment lines are keep-alives.
func readEvents(ctx context.Context, sc *bufio.Scanner, out chan<- events.Event) error {
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		name string
		data strings.Builder
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name == "" && data.Len() == 0 {
				continue
			}
			ev := events.Event{Name: name, Data: json.RawMessage(data.String())}
			name = ""
			data.Reset()
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

// unquote strips the JSON quotes around a string response.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	var v string
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
