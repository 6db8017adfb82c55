package client

import "errors"

var (
	// ErrDaemonNotRunning means nothing is listening on the daemon socket.
	ErrDaemonNotRunning = errors.New("powerwatch daemon is not running")

	// ErrPermissionDenied means the socket is not accessible to this user.
	// Run as root, or start the daemon with non-root access allowed.
	ErrPermissionDenied = errors.New("permission denied on the daemon socket")

	// ErrNotFound wraps 404 responses, e.g. history while it is disabled.
	ErrNotFound = errors.New("not found")
)
