package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// ValidationError marks malformed vendor or webhook input for a single item.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError means the Guesty quota is spent. Callers must not retry before
// NextAvailable.
type RateLimitError struct {
	NextAvailable     *time.Time
	RequestsRemaining int
}

func (e *RateLimitError) Error() string {
	if e.NextAvailable == nil {
		return "guesty: rate limit exceeded"
	}
	return fmt.Sprintf("guesty: rate limit exceeded, next request available at %s",
		e.NextAvailable.UTC().Format(time.RFC3339))
}

// AuthenticationError is fatal for the current call and needs operator action.
type AuthenticationError struct {
	Status int
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Status == 0 {
		return "guesty: authentication failed: " + e.Reason
	}
	return fmt.Sprintf("guesty: authentication failed (%d): %s", e.Status, e.Reason)
}

// VendorError is any other non-2xx answer from Guesty.
type VendorError struct {
	Status int
	Body   string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("guesty: bad status %d: %s", e.Status, e.Body)
}

func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
