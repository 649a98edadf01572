package reliability

import (
	"time"

	"github.com/gorilla/websocket"
)

// IsNormalCloseCode reports whether a websocket close code represents a
// deliberate shutdown by either peer. Normal closures never trigger a
// reconnect attempt.
func IsNormalCloseCode(code int) bool {
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return true
	default:
		return false
	}
}

// IsRetryableGatewayCode classifies retryable gateway error codes.
func IsRetryableGatewayCode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow", "upstream_unavailable":
		return true
	default:
		return false
	}
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
