package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// ConnectionError is a transport-level failure: the device could not be
// reached or the connection dropped.
type ConnectionError struct {
	Message string
	Err     error
}

func (e *ConnectionError) Error() string { return "connection error: " + e.Message }
func (e *ConnectionError) Unwrap() error { return e.Err }

// ClientError is a protocol-level failure once connected: a timeout waiting
// for a reply, a rejected command, or a malformed frame.
type ClientError struct {
	Message string
	Err     error
}

func (e *ClientError) Error() string { return "client error: " + e.Message }
func (e *ClientError) Unwrap() error { return e.Err }

var errnoMessages = []struct {
	errno   syscall.Errno
	message string
}{
	{syscall.ECONNREFUSED, "connection refused"},
	{syscall.ETIMEDOUT, "connection timed out"},
	{syscall.EHOSTUNREACH, "host unreachable"},
	{syscall.EHOSTDOWN, "host down"},
	{syscall.ECONNRESET, "connection reset"},
	{syscall.ECONNABORTED, "connection aborted"},
	{syscall.ENETUNREACH, "network unreachable"},
}

// classifyDialError maps a failure while establishing the session.
func classifyDialError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ConnectionError{Message: "connection timeout", Err: err}
	}
	if mapped := classifySocketError(err); mapped != nil {
		return mapped
	}
	return &ConnectionError{Message: err.Error(), Err: err}
}

// classifyReadError maps a failure after the TLS session is up.
func classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ClientError{Message: "timeout", Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ConnectionError{Message: "connection closed", Err: err}
	}
	if mapped := classifySocketError(err); mapped != nil {
		return mapped
	}
	return &ClientError{Message: err.Error(), Err: err}
}

func classifySocketError(err error) error {
	for _, m := range errnoMessages {
		if errors.Is(err, m.errno) {
			return &ConnectionError{Message: m.message, Err: err}
		}
	}
	return nil
}
