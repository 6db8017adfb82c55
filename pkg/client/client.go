package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Client talks to the powerwatch daemon over its unix socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient returns a Client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					conn, err := d.DialContext(ctx, "unix", socketPath)
					if err != nil {
						if errors.Is(err, os.ErrNotExist) || isConnRefused(err) {
							return nil, ErrDaemonNotRunning
						}
						if errors.Is(err, os.ErrPermission) {
							return nil, ErrPermissionDenied
						}
						logrus.Errorf("failed to connect to unix socket: %v", err)
						return nil, err
					}
					return conn, nil
				},
			},
		},
	}
}

// A socket file without a listener is left behind by a daemon that died.
func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// do sends a request and returns the response; the caller closes the body.
func (c *Client) do(ctx context.Context, method string, path string, data string) (*http.Response, error) {
	logrus.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"data":   data,
		"unix":   c.socketPath,
	}).Debug("sending request")

	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// Send sends a request to the daemon and returns the response body. Non-2xx
// responses are errors carrying the body; 404 wraps ErrNotFound.
func (c *Client) Send(ctx context.Context, method string, path string, data string) (string, error) {
	resp, err := c.do(ctx, method, path, data)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.Errorf("failed to close response body: %v", err)
		}
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	body := string(b)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrNotFound, unquote(body))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("got %d: %s", resp.StatusCode, unquote(body))
	}

	return body, nil
}

func (c *Client) Get(ctx context.Context, path string) (string, error) {
	return c.Send(ctx, http.MethodGet, path, "")
}

func (c *Client) Put(ctx context.Context, path string, data string) (string, error) {
	return c.Send(ctx, http.MethodPut, path, data)
}

func (c *Client) Post(ctx context.Context, path string, data string) (string, error) {
	return c.Send(ctx, http.MethodPost, path, data)
}
