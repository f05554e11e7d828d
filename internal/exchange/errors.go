package exchange

import (
	"errors"
	"fmt"
	"time"
)

// ErrThrottled matches any *ThrottledError via errors.Is.
var ErrThrottled = errors.New("exchange throttled request")

// ThrottledError is returned when the exchange keeps answering 429 after
// every allowed retry. Each 429 has already been reported to the gate.
type ThrottledError struct {
	Target     string
	Attempts   int
	RetryAfter time.Duration // hint from the last response, 0 if absent
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%s: throttled by exchange after %d attempts (retry after %v)", e.Target, e.Attempts, e.RetryAfter)
}

func (e *ThrottledError) Is(target error) bool { return target == ErrThrottled }

// APIError is a non-2xx answer other than 429.
type APIError struct {
	Target  string
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Target, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s (code %d)", e.Target, e.Status, e.Message, e.Code)
}
