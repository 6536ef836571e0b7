package cdp

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrProtocolError    = errors.New("protocol error")
	ErrTimeout          = errors.New("timeout")
)

// ProtocolError represents an error returned by the DevTools protocol in
// a response envelope.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolError
}

// TimeoutError is returned when no response carrying the command's
// correlation id arrived before the call deadline.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for response to %s", e.Method)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// EvalError carries a JavaScript exception raised by an evaluated expression.
type EvalError struct {
	Text string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("JS exception: %s", e.Text)
}
