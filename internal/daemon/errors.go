package daemon

import (
	"errors"

	"github.com/oakmoss/driftpeer/internal/errkit"
)

var (
	// ErrDaemonAlreadyRunning is returned when trying to start a daemon
	// while another instance is already running on the same socket.
	ErrDaemonAlreadyRunning = errors.New("daemon already running")

	// ErrDaemonNotRunning is returned when trying to connect to a daemon
	// that is not running (socket file does not exist).
	ErrDaemonNotRunning = errors.New("daemon not running")
)

// errUnauthorized is the envelope-rendering error for a request missing a
// valid Authorization header.
var errUnauthorized = errkit.New(errkit.KindUnauthorized, "unauthorized: invalid or missing auth token")
