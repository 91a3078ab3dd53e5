package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned by Acquire when no session is known for
	// the requested identity.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotConnected is wrapped by the ConnectionError Send returns while
	// the connection is not in the Connected state.
	ErrNotConnected = errors.New("not connected")

	errReleased = errors.New("connection released")
)

// ConnectionError is a transport failure. The manager retries these itself;
// consumers only see them from Send and from an acquisition whose retries
// ran out.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError means the server rejected the identity. It ends the
// acquisition attempt; there is no retry.
type AuthenticationError struct {
	Identity string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("authentication failed for %s", e.Identity)
	}
	return fmt.Sprintf("authentication failed for %s: %s", e.Identity, e.Reason)
}
