package tcp

import (
	"errors"
)

var (
	// ErrAlreadyStarted is returned by operations that must precede Start.
	ErrAlreadyStarted = errors.New("tcp: already started")

	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("tcp: not started")

	// ErrNotConnecting is returned when establishing a connection that is
	// not in the connecting state.
	ErrNotConnecting = errors.New("tcp: connection not connecting")

	// ErrConnectorStarted is returned when starting a connector twice.
	// Connectors are single use.
	ErrConnectorStarted = errors.New("tcp: connector already started")

	// ErrSelfConnect reports a loopback connect that reached itself.
	ErrSelfConnect = errors.New("tcp: self connect")

	// ErrReusePortRequired is returned when starting a multi-thread server
	// with SO_REUSEPORT disabled.
	ErrReusePortRequired = errors.New("tcp: multiple threads require SO_REUSEPORT")
)
