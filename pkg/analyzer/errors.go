package analyzer

import (
	"errors"
	"fmt"
	"time"
)

// Channel resolution failures mapped by the messaging client; the boundary
// layer translates these to HTTP statuses.
var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotChannel      = errors.New("identifier does not refer to a channel")
	ErrChannelPrivate  = errors.New("channel is private or inaccessible")
)

// RateLimitedError is the retryable condition surfaced when the platform
// asks us to back off. The core never retries internally; retry policy
// belongs to the caller.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by upstream, retry after %s", e.RetryAfter)
}

// AsRateLimited unwraps err into a RateLimitedError, if it is one.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
