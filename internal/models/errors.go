package models

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when no tunnel holds the agent.
var ErrNotConnected = errors.New("agent is not connected")

// RemoteError carries an error reported by the agent side of a tunnel.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

var (
	// ErrConnectionClosed rejects requests whose tunnel went away while they
	// were in flight.
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", ErrNotConnected)
	// ErrReplaced rejects requests on a tunnel evicted by a newer one.
	ErrReplaced = fmt.Errorf("%w: connection replaced", ErrNotConnected)
	// ErrUnsupportedCommand is returned for commands a tunnel cannot carry.
	ErrUnsupportedCommand = errors.New("unsupported command")
)
