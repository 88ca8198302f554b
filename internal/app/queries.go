package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"guesty_sync/internal/domain"
)

type QuotaChecker interface {
	CheckRateLimit(ctx context.Context) domain.RateLimitStatus
}

// SyncStatus is the dashboard view: quota plus the latest run per sync type.
type SyncStatus struct {
	RateLimit domain.RateLimitStatus
	Latest    map[domain.SyncType]*domain.SyncLog
}

// QueryService serves read-only views. It never mutates the store.
type QueryService struct {
	logs     domain.SyncLogRepository
	mirror   domain.MirrorRepository
	quota    QuotaChecker
	cache    domain.Cache
	cacheTTL time.Duration
}

func NewQueryService(l domain.SyncLogRepository, m domain.MirrorRepository, q QuotaChecker, c domain.Cache, ttl time.Duration) *QueryService {
	return &QueryService{logs: l, mirror: m, quota: q, cache: c, cacheTTL: ttl}
}

// GetSyncStatus returns the rate-limit status and the most recent SyncLog per
// type. Only the SyncLog part is cached; quota is read from the ledger each
// time since Guesty calls are recorded from other processes too.
func (s *QueryService) GetSyncStatus(ctx context.Context) (SyncStatus, error) {
	latest, err := s.latestRuns(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{RateLimit: s.quota.CheckRateLimit(ctx), Latest: latest}, nil
}

func (s *QueryService) latestRuns(ctx context.Context) (map[domain.SyncType]*domain.SyncLog, error) {
	var out map[domain.SyncType]*domain.SyncLog
	if s.cache != nil {
		if ok, _ := s.cache.Get(ctx, statusCacheKey, &out); ok && out != nil {
			return out, nil
		}
	}

	out = make(map[domain.SyncType]*domain.SyncLog, len(domain.SyncTypes))
	for _, t := range domain.SyncTypes {
		l, err := s.logs.LatestSyncLog(ctx, t)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		out[t] = l
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, statusCacheKey, out, int(s.cacheTTL.Seconds())); err != nil {
			log.Debug().Err(err).Msg("cache sync status failed")
		}
	}
	return out, nil
}

// GetAllSyncLogs returns sync history, newest first.
func (s *QueryService) GetAllSyncLogs(ctx context.Context, limit int) ([]domain.SyncLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.logs.ListSyncLogs(ctx, limit)
}

func (s *QueryService) GetSyncLog(ctx context.Context, id string) (domain.SyncLog, error) {
	return s.logs.GetSyncLog(ctx, id)
}

func (s *QueryService) RateLimitStatus(ctx context.Context) domain.RateLimitStatus {
	return s.quota.CheckRateLimit(ctx)
}

/********** mirror reads **********/

func (s *QueryService) ListProperties(ctx context.Context, q domain.PropertiesQuery) ([]domain.Property, error) {
	q.Limit, q.Offset = clampPage(q.Limit, q.Offset)
	return s.mirror.ListProperties(ctx, q)
}

func (s *QueryService) GetProperty(ctx context.Context, guestyID string) (domain.Property, error) {
	p, err := s.mirror.GetPropertyByGuestyID(ctx, guestyID)
	if err != nil {
		return domain.Property{}, err
	}
	return *p, nil
}

func (s *QueryService) ListReservations(ctx context.Context, q domain.ReservationsQuery) ([]domain.Reservation, error) {
	q.Limit, q.Offset = clampPage(q.Limit, q.Offset)
	return s.mirror.ListReservations(ctx, q)
}

func (s *QueryService) GetReservation(ctx context.Context, guestyID string) (domain.Reservation, error) {
	r, err := s.mirror.GetReservationByGuestyID(ctx, guestyID)
	if err != nil {
		return domain.Reservation{}, err
	}
	return *r, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return limit, max(offset, 0)
}
