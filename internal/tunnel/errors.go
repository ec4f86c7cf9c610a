package tunnel

import "errors"

var (
	// ErrNotFound is returned by lookups for an id or connection id that has
	// no registered tunnel.
	ErrNotFound = errors.New("tunnel not found")

	// ErrPortExhausted is returned when the bounded scan over the configured
	// local port range finds no bindable port.
	ErrPortExhausted = errors.New("no free local port in configured range")

	// ErrForwardTimeout is returned when the relay does not signal readiness
	// within the ready timeout.
	ErrForwardTimeout = errors.New("port forward not ready in time")

	// ErrForwardVerification is returned when the relay signalled ready but
	// the confirmation dial against the local port failed. The tunnel is
	// never published in that case.
	ErrForwardVerification = errors.New("port forward ready but not reachable")
)
