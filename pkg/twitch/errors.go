package twitch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error classes for outcomes of platform calls. Call sites branch on these
// rather than raw HTTP statuses, so transient-versus-terminal handling is
// explicit everywhere.
var (
	// ErrInvalidGrant means the refresh token is no longer valid. This is the
	// only refresh outcome that counts toward the failure threshold.
	ErrInvalidGrant = errors.New("twitch: invalid grant")

	// ErrTransient covers network errors, timeouts, and 5xx responses.
	// Retried on the next cycle, never counted as a credential failure.
	ErrTransient = errors.New("twitch: transient remote error")

	// ErrRateLimited is an explicit 429. The current cycle skips the call.
	ErrRateLimited = errors.New("twitch: rate limited")

	// ErrRaidRefused means the raid target does not allow raids.
	ErrRaidRefused = errors.New("twitch: raid target refused")

	// ErrRaidFatal is any other raid-endpoint failure; the trigger is
	// abandoned without trying further candidates.
	ErrRaidFatal = errors.New("twitch: raid request failed")
)

// classifyTransport maps request/transport-level failures. Timeouts and
// connection errors are always transient.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// classifyStatus maps non-2xx Helix responses to error classes.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w (HTTP %d)", ErrRateLimited, status)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrTransient, status, body)
	default:
		return fmt.Errorf("twitch: HTTP %d: %s", status, body)
	}
}
