package domain

import (
	"context"
	"time"
)

type LedgerRepository interface {
	RecordRequest(ctx context.Context, rec RateLimitRecord) error
	CountRequests(ctx context.Context, from, to time.Time) (int, error)
	OldestRequest(ctx context.Context, from, to time.Time) (*RateLimitRecord, error)
}

type SyncLogRepository interface {
	CreateSyncLog(ctx context.Context, l SyncLog) error
	UpdateSyncLog(ctx context.Context, l SyncLog) error
	GetSyncLog(ctx context.Context, id string) (SyncLog, error)
	LatestSyncLog(ctx context.Context, t SyncType) (*SyncLog, error)
	ListSyncLogs(ctx context.Context, limit int) ([]SyncLog, error)
}

type MirrorRepository interface {
	// Write paths
	GetPropertyByGuestyID(ctx context.Context, id string) (*Property, error)
	SaveProperty(ctx context.Context, p Property) error
	DeleteProperty(ctx context.Context, id string) error
	GetReservationByGuestyID(ctx context.Context, id string) (*Reservation, error)
	SaveReservation(ctx context.Context, r Reservation) error
	DeleteReservation(ctx context.Context, id string) error

	// Read paths
	ListProperties(ctx context.Context, q PropertiesQuery) ([]Property, error)
	ListPropertyIDs(ctx context.Context) ([]string, error)
	ListReservations(ctx context.Context, q ReservationsQuery) ([]Reservation, error)
}

// Store is everything the services persist.
type Store interface {
	LedgerRepository
	SyncLogRepository
	MirrorRepository
}

// Page is the unshaped Guesty list response.
type Page struct {
	Results []map[string]any `json:"results"`
	Count   int              `json:"count"`
	Limit   int              `json:"limit"`
	Skip    int              `json:"skip"`
}

type GuestyClient interface {
	GetProperties(ctx context.Context, limit, skip int, filters []Filter) (Page, error)
	GetReservations(ctx context.Context, limit, skip int, filters []Filter) (Page, error)
}

// Filter is one Guesty list filter, sent JSON-encoded in the filters query param.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
	From     any    `json:"from,omitempty"`
	To       any    `json:"to,omitempty"`
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}

type PropertiesQuery struct {
	Q      *string
	Limit  int
	Offset int
}

type ReservationsQuery struct {
	ListingID *string
	Status    *string
	Limit     int
	Offset    int
}
