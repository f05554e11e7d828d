package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/errs"
)

// ErrConfig classifies configuration errors: invalid windows, bad match
// rules, duplicate group names and targets no group covers. They are raised
// by New and Register, and by Acquire only for targets never registered.
var ErrConfig = errs.Class("ratelimit config")

// ErrAcquireTimeout is matched by errors.Is for every *TimeoutError.
var ErrAcquireTimeout = errors.New("rate limit acquire timeout")

// TimeoutError reports that Acquire could not be admitted within MaxWait.
// No quota was consumed.
type TimeoutError struct {
	Group   string
	Target  Target
	MaxWait time.Duration
	Wait    time.Duration // wait still required when Acquire gave up
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("acquire %s (group %s): next slot in %v, beyond max wait %v",
		e.Target, e.Group, e.Wait.Round(time.Millisecond), e.MaxWait)
}

// Is lets errors.Is(err, ErrAcquireTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrAcquireTimeout
}

// IsTimeout reports whether err is, or wraps, an acquire timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrAcquireTimeout)
}
