package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// IsRetryableHTTPStatus reports whether a status means the server turned the
// request away before doing any work. Other 5xx answers may arrive after a
// non-idempotent action already ran, so they are not replayed.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 503:
		return true
	default:
		return false
	}
}

// IsRetryableTransportError reports whether a request failed before it could
// reach the server. Timeouts are excluded: the server may have acted on the
// request already. Caller cancellation is never retryable.
func IsRetryableTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout()
}

// FailureKind labels a failed request for metrics: status_Nxx when a
// response arrived, otherwise timeout, canceled or transport.
func FailureKind(status int, err error) string {
	switch {
	case status > 0:
		return fmt.Sprintf("status_%dxx", status/100)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "transport"
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
