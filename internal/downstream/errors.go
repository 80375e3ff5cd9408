package downstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for downstream service failures. Unavailable and Timeout
// are retryable; Rejected means the service understood the request and
// refused it, so retrying the same payload cannot succeed.
var (
	ErrUnavailable = errors.New("downstream unavailable")
	ErrTimeout     = errors.New("downstream timeout")
	ErrRejected    = errors.New("downstream rejected request")
)

// Retryable reports whether err is worth another delivery attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
