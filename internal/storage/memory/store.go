// Package memory is an in-process domain.Store for local runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"guesty_sync/internal/domain"
)

type Store struct {
	mu           sync.RWMutex
	properties   map[string]domain.Property
	reservations map[string]domain.Reservation
	logs         map[string]domain.SyncLog
	requests     []domain.RateLimitRecord
	nextID       int64
}

func New() *Store {
	return &Store{
		properties:   map[string]domain.Property{},
		reservations: map[string]domain.Reservation{},
		logs:         map[string]domain.SyncLog{},
	}
}

var _ domain.Store = (*Store)(nil)

/********** mirror **********/

func (s *Store) GetPropertyByGuestyID(_ context.Context, id string) (*domain.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.properties[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (s *Store) SaveProperty(_ context.Context, p domain.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.properties[p.GuestyID]; ok {
		p.CreatedAt = old.CreatedAt
	}
	s.properties[p.GuestyID] = p
	return nil
}

func (s *Store) DeleteProperty(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.properties[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.properties, id)
	return nil
}

func (s *Store) GetReservationByGuestyID(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (s *Store) SaveReservation(_ context.Context, r domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.reservations[r.GuestyID]; ok {
		r.CreatedAt = old.CreatedAt
	}
	s.reservations[r.GuestyID] = r
	return nil
}

func (s *Store) DeleteReservation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.reservations, id)
	return nil
}

func (s *Store) ListProperties(_ context.Context, q domain.PropertiesQuery) ([]domain.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := ""
	if q.Q != nil {
		needle = strings.ToLower(strings.TrimSpace(*q.Q))
	}
	out := []domain.Property{}
	for _, p := range s.properties {
		if needle != "" && !matches(needle, p.Title, p.Nickname, p.City) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuestyID < out[j].GuestyID })
	return window(out, q.Offset, q.Limit), nil
}

func matches(needle string, fields ...*string) bool {
	for _, f := range fields {
		if f != nil && strings.Contains(strings.ToLower(*f), needle) {
			return true
		}
	}
	return false
}

func (s *Store) ListPropertyIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.properties))
	for id := range s.properties {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListReservations(_ context.Context, q domain.ReservationsQuery) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Reservation{}
	for _, r := range s.reservations {
		if q.ListingID != nil && *q.ListingID != "" && (r.ListingID == nil || *r.ListingID != *q.ListingID) {
			continue
		}
		if q.Status != nil && *q.Status != "" && (r.Status == nil || *r.Status != *q.Status) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CheckIn, out[j].CheckIn
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].GuestyID < out[j].GuestyID
	})
	return window(out, q.Offset, q.Limit), nil
}

func window[T any](xs []T, offset, limit int) []T {
	if offset >= len(xs) {
		return xs[:0]
	}
	xs = xs[offset:]
	if limit > 0 && limit < len(xs) {
		xs = xs[:limit]
	}
	return xs
}

/********** sync logs **********/

func (s *Store) CreateSyncLog(_ context.Context, l domain.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[l.ID] = l
	return nil
}

func (s *Store) UpdateSyncLog(_ context.Context, l domain.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.logs[l.ID]
	if !ok {
		return domain.ErrNotFound
	}
	l.SyncType, l.StartedAt = old.SyncType, old.StartedAt
	s.logs[l.ID] = l
	return nil
}

func (s *Store) GetSyncLog(_ context.Context, id string) (domain.SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[id]
	if !ok {
		return domain.SyncLog{}, domain.ErrNotFound
	}
	return l, nil
}

func (s *Store) LatestSyncLog(_ context.Context, t domain.SyncType) (*domain.SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.SyncLog
	for _, l := range s.sortedLogs() {
		if l.SyncType == t {
			latest = &l
			break
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return latest, nil
}

func (s *Store) ListSyncLogs(_ context.Context, limit int) ([]domain.SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return window(s.sortedLogs(), 0, limit), nil
}

// sortedLogs is newest first; callers hold the lock.
func (s *Store) sortedLogs() []domain.SyncLog {
	out := make([]domain.SyncLog, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

/********** ledger **********/

func (s *Store) RecordRequest(_ context.Context, rec domain.RateLimitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.requests = append(s.requests, rec)
	return nil
}

func (s *Store) CountRequests(_ context.Context, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.requests {
		if inWindow(r.RequestTimestamp, from, to) {
			n++
		}
	}
	return n, nil
}

func (s *Store) OldestRequest(_ context.Context, from, to time.Time) (*domain.RateLimitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *domain.RateLimitRecord
	for i := range s.requests {
		r := s.requests[i]
		if !inWindow(r.RequestTimestamp, from, to) {
			continue
		}
		if oldest == nil || r.RequestTimestamp.Before(oldest.RequestTimestamp) {
			oldest = &r
		}
	}
	return oldest, nil
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

// Requests returns a copy of the ledger rows in insertion order.
func (s *Store) Requests() []domain.RateLimitRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.RateLimitRecord(nil), s.requests...)
}
