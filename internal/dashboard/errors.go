package dashboard

import (
	"errors"
	"fmt"
)

// ErrNoCredential is surfaced when the active credential is empty.
var ErrNoCredential = errors.New("no API key configured; run `claudible-monitor login`")

// ServerError is a lookup response outside [200,300).
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("lookup endpoint returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("lookup endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
}

// EmptyBodyError is a successful lookup status with no payload.
type EmptyBodyError struct {
	StatusCode int
}

func (e *EmptyBodyError) Error() string {
	return fmt.Sprintf("lookup endpoint returned an empty body (status %d)", e.StatusCode)
}

// DecodingError covers malformed lookup bodies and malformed stream frames.
type DecodingError struct {
	Details string
	Err     error
}

func (e *DecodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %v", e.Details, e.Err)
	}
	return "decode " + e.Details
}

func (e *DecodingError) Unwrap() error { return e.Err }

// TransportError is a connection-level failure; the session reconnects on it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsDecodingError reports whether err is frame- or body-level and therefore
// not connection fatal.
func IsDecodingError(err error) bool {
	var decodeErr *DecodingError
	return errors.As(err, &decodeErr)
}
