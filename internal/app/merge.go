package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guesty_sync/internal/domain"
)

// MergeProperty resolves an incoming vendor snapshot against the stored row.
// The incoming payload wins for every vendor field; only local bookkeeping
// (CreatedAt) survives from the existing row.
func MergeProperty(existing *domain.Property, incoming domain.Property, now time.Time) domain.Property {
	out := incoming
	out.UpdatedAt = now
	out.LastSyncedAt = now
	out.CreatedAt = now
	if existing != nil && !existing.CreatedAt.IsZero() {
		out.CreatedAt = existing.CreatedAt
	}
	if out.Amenities == nil {
		out.Amenities = []string{}
	}
	if out.Pictures == nil {
		out.Pictures = []string{}
	}
	return out
}

// MergeReservation is MergeProperty for reservations.
func MergeReservation(existing *domain.Reservation, incoming domain.Reservation, now time.Time) domain.Reservation {
	out := incoming
	out.UpdatedAt = now
	out.LastSyncedAt = now
	out.CreatedAt = now
	if existing != nil && !existing.CreatedAt.IsZero() {
		out.CreatedAt = existing.CreatedAt
	}
	return out
}

// upsertProperty is the read-then-write path shared by batch sync and webhooks.
func upsertProperty(ctx context.Context, repo domain.MirrorRepository, incoming domain.Property, now time.Time) (domain.Property, bool, error) {
	existing, err := repo.GetPropertyByGuestyID(ctx, incoming.GuestyID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Property{}, false, fmt.Errorf("lookup property %s: %w", incoming.GuestyID, err)
	}
	merged := MergeProperty(existing, incoming, now)
	if err := repo.SaveProperty(ctx, merged); err != nil {
		return domain.Property{}, false, fmt.Errorf("save property %s: %w", incoming.GuestyID, err)
	}
	return merged, existing == nil, nil
}

func upsertReservation(ctx context.Context, repo domain.MirrorRepository, incoming domain.Reservation, now time.Time) (domain.Reservation, bool, error) {
	existing, err := repo.GetReservationByGuestyID(ctx, incoming.GuestyID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Reservation{}, false, fmt.Errorf("lookup reservation %s: %w", incoming.GuestyID, err)
	}
	merged := MergeReservation(existing, incoming, now)
	if err := repo.SaveReservation(ctx, merged); err != nil {
		return domain.Reservation{}, false, fmt.Errorf("save reservation %s: %w", incoming.GuestyID, err)
	}
	return merged, existing == nil, nil
}
