// Package reliability classifies upstream failures as transient or permanent
// and spaces out retries of the transient ones.
package reliability

import "time"

// IsRetryableHTTPStatus reports whether a rejected handshake or request with
// this status is worth retrying.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableModelError reports whether a realtime error event describes a
// transient condition rather than a bad request.
func IsRetryableModelError(kind, code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "session_expired":
		return true
	}
	return kind == "server_error"
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
