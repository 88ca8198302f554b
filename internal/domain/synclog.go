package domain

import "time"

type SyncType string

const (
	SyncTypeProperties         SyncType = "properties"
	SyncTypeReservations       SyncType = "reservations"
	SyncTypeWebhookProperty    SyncType = "webhook_property"
	SyncTypeWebhookReservation SyncType = "webhook_reservation"
)

// SyncTypes lists every sync type in reporting order.
var SyncTypes = []SyncType{
	SyncTypeProperties,
	SyncTypeReservations,
	SyncTypeWebhookProperty,
	SyncTypeWebhookReservation,
}

type SyncStatus string

const (
	SyncPending             SyncStatus = "pending"
	SyncInProgress          SyncStatus = "in_progress"
	SyncCompleted           SyncStatus = "completed"
	SyncCompletedWithErrors SyncStatus = "completed_with_errors"
	SyncFailed              SyncStatus = "failed"
	SyncRateLimited         SyncStatus = "rate_limited"
)

// Terminal reports whether no further transition is allowed.
func (s SyncStatus) Terminal() bool {
	switch s {
	case SyncCompleted, SyncCompletedWithErrors, SyncFailed, SyncRateLimited:
		return true
	}
	return false
}

// SyncLog tracks one sync run or one webhook delivery. A run owns exactly one row,
// updated in place until it reaches a terminal status.
type SyncLog struct {
	ID             string     `json:"id"`
	SyncType       SyncType   `json:"syncType"`
	Status         SyncStatus `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt"`
	ItemsProcessed int        `json:"itemsProcessed"`
	ItemsTotal     int        `json:"itemsTotal"`
	ErrorMessage   *string    `json:"errorMessage"`
	Notes          *string    `json:"notes"`
}
