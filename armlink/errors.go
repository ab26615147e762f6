package armlink

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotConnected   = errors.New("not connected")
	ErrNoValidFrame   = errors.New("no valid status frame")
	ErrMalformedFrame = errors.New("malformed status frame")
	ErrLayoutMismatch = errors.New("command does not match frame layout")
	ErrRelayClosed    = errors.New("event relay is closed")
)

// EnumerationError reports that the host could not list serial ports.
type EnumerationError struct {
	Err error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerate serial ports: %v", e.Err)
}

func (e *EnumerationError) Unwrap() error {
	return e.Err
}

// ConnectError reports a failed open of a serial port.
type ConnectError struct {
	Port string // Port that was attempted
	Err  error  // Underlying error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// CommError represents an I/O failure on an open link.
type CommError struct {
	Op  string // Operation that failed ("write" or "read")
	Err error  // Underlying error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("communication error during %s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

// FrameError carries the line that failed to decode.
type FrameError struct {
	Line string
	Err  error // ErrMalformedFrame
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Line)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// AngleError reports a servo angle outside the encodable range.
type AngleError struct {
	Index int
	Angle int
	Min   int
	Max   int
}

func (e *AngleError) Error() string {
	return fmt.Sprintf("servo %d angle %d out of range %d-%d", e.Index, e.Angle, e.Min, e.Max)
}

// IsNotConnected returns true if the error means no link is open.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsDecodeError returns true if the error came from status frame decoding.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrNoValidFrame) || errors.Is(err, ErrMalformedFrame)
}

// GetCommError extracts a CommError from an error chain, if present.
func GetCommError(err error) (*CommError, bool) {
	var commErr *CommError
	if errors.As(err, &commErr) {
		return commErr, true
	}
	return nil, false
}
