package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"guesty_sync/internal/adapters/observability"
	"guesty_sync/internal/domain"
)

const (
	DefaultMaxRequestsPerDay = 5
	RateLimitWindow          = 24 * time.Hour
)

// RateLimiter enforces the Guesty quota over a sliding window backed by the
// append-only request ledger.
type RateLimiter struct {
	ledger domain.LedgerRepository
	max    int
	now    func() time.Time
}

func NewRateLimiter(l domain.LedgerRepository, maxPerDay int) *RateLimiter {
	if maxPerDay <= 0 {
		maxPerDay = DefaultMaxRequestsPerDay
	}
	return &RateLimiter{ledger: l, max: maxPerDay, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}

// Record appends one ledger row for an outbound call, successful or not.
func (r *RateLimiter) Record(ctx context.Context, endpoint, method string, status int, payload []byte) error {
	return r.ledger.RecordRequest(ctx, domain.RateLimitRecord{
		Endpoint:         endpoint,
		RequestType:      method,
		RequestTimestamp: r.now().UTC(),
		ResponseStatus:   status,
		ResponseData:     payload,
	})
}

// CheckRateLimit counts calls in [now-24h, now). If the ledger cannot be read it
// fails open with one assumed remaining call.
func (r *RateLimiter) CheckRateLimit(ctx context.Context) domain.RateLimitStatus {
	now := r.now().UTC()
	from := now.Add(-RateLimitWindow)

	made, err := r.ledger.CountRequests(ctx, from, now)
	if err != nil {
		log.Warn().Err(err).Msg("rate limit ledger unreadable, allowing request")
		return domain.RateLimitStatus{RequestsRemaining: 1, MaxRequests: r.max}
	}

	st := domain.RateLimitStatus{
		RequestsMade:      made,
		RequestsRemaining: max(r.max-made, 0),
		MaxRequests:       r.max,
	}
	observability.ObserveQuota(st.RequestsRemaining)
	if made < r.max {
		return st
	}

	st.IsRateLimited = true
	oldest, err := r.ledger.OldestRequest(ctx, from, now)
	if err != nil {
		log.Warn().Err(err).Msg("rate limit ledger: oldest request lookup failed")
		return st
	}
	if oldest != nil {
		next := oldest.RequestTimestamp.Add(RateLimitWindow).UTC()
		st.NextAvailableTimestamp = &next
	}
	return st
}

// CheckBatchRateLimit reports whether `required` more calls fit in the window.
func (r *RateLimiter) CheckBatchRateLimit(ctx context.Context, required int) domain.BatchRateLimitStatus {
	st := r.CheckRateLimit(ctx)
	out := domain.BatchRateLimitStatus{
		CanProceed:        !st.IsRateLimited && st.RequestsRemaining >= required,
		RequiredRequests:  required,
		RequestsRemaining: st.RequestsRemaining,
	}
	if !out.CanProceed {
		out.NextAvailableTimestamp = st.NextAvailableTimestamp
		if out.NextAvailableTimestamp == nil {
			out.NextAvailableTimestamp = r.nextSlot(ctx)
		}
	}
	return out
}

// nextSlot is when the oldest call in the window ages out, if any.
func (r *RateLimiter) nextSlot(ctx context.Context) *time.Time {
	now := r.now().UTC()
	oldest, err := r.ledger.OldestRequest(ctx, now.Add(-RateLimitWindow), now)
	if err != nil || oldest == nil {
		return nil
	}
	next := oldest.RequestTimestamp.Add(RateLimitWindow).UTC()
	return &next
}
