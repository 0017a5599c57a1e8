package mcp

import (
	"fmt"
	"time"
)

// ErrConnect is returned when no session is established within the connect timeout.
type ErrConnect struct {
	URL string
	Err error
}

func (e ErrConnect) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect to tool server %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("connect to tool server %s failed: no session within timeout", e.URL)
}

func (e ErrConnect) Unwrap() error { return e.Err }

// ErrCallTimeout is returned when a request is not answered on the stream within the call bound.
type ErrCallTimeout struct {
	Method  string
	Timeout time.Duration
}

func (e ErrCallTimeout) Error() string {
	return fmt.Sprintf("tool call %s not answered within %s", e.Method, e.Timeout)
}

// ErrSessionExpired is returned when session expiry persists after one reconnect attempt.
type ErrSessionExpired struct {
	Status int
}

func (e ErrSessionExpired) Error() string {
	return fmt.Sprintf("session expired (status %d) and reconnection did not recover it", e.Status)
}

// ErrToolServer wraps any other non-success transport response.
type ErrToolServer struct {
	Status int
	Body   string
}

func (e ErrToolServer) Error() string {
	return fmt.Sprintf("tool server returned %d: %s", e.Status, e.Body)
}
