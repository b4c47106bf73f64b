package overlay

import "errors"

var (
	// ErrNoProviders is returned when a DHT provider lookup for a project
	// URN completes without finding any peer.
	ErrNoProviders = errors.New("overlay: no providers found")

	// ErrNotConnected is returned by operations that require an existing
	// connection to a peer.
	ErrNotConnected = errors.New("overlay: peer not connected")
)
