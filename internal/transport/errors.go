package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTimeout is returned when a round-trip exceeds its deadline.
	ErrTimeout = errors.New("transport: timeout")
	// ErrConnection covers every other failure to reach the device.
	ErrConnection = errors.New("transport: connection failed")
)

// ProtocolError reports a response that could not be understood.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transport: %s: protocol error: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a round-trip timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// classify maps a raw client error onto the transport taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrConnection, err)
}
