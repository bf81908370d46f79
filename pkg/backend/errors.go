package backend

import (
	"errors"
	"fmt"
)

// TransportError means the request never produced an HTTP response: DNS,
// connection refused, timeout, cancelled context.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the backend answered but the answer is unusable:
// non-2xx status, a body that is not JSON, success=false, or a payload that
// fails shape detection. Status is 0 when the HTTP exchange itself was fine.
type ProtocolError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
}

// IsTransport reports whether err wraps a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocol reports whether err wraps a *ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// StatusCode returns the HTTP status carried by a *ProtocolError, or 0.
func StatusCode(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}
