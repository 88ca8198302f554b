package domain

import "time"

// RateLimitRecord is one outbound Guesty call. Rows are append-only.
type RateLimitRecord struct {
	ID               int64
	Endpoint         string
	RequestType      string
	RequestTimestamp time.Time
	ResponseStatus   int
	ResponseData     []byte
}

type RateLimitStatus struct {
	IsRateLimited          bool       `json:"isRateLimited"`
	RequestsMade           int        `json:"requestsMade"`
	RequestsRemaining      int        `json:"requestsRemaining"`
	MaxRequests            int        `json:"maxRequests"`
	NextAvailableTimestamp *time.Time `json:"nextAvailableTimestamp"`
}

type BatchRateLimitStatus struct {
	CanProceed             bool       `json:"canProceed"`
	RequiredRequests       int        `json:"requiredRequests"`
	RequestsRemaining      int        `json:"requestsRemaining"`
	NextAvailableTimestamp *time.Time `json:"nextAvailableTimestamp"`
}
