package domain

import "time"

// Reservation is the local mirror of a Guesty reservation. ListingID links it to a
// Property by value; no foreign key is enforced.
type Reservation struct {
	GuestyID         string     `json:"guestyId"`
	ListingID        *string    `json:"listingId"`
	ConfirmationCode *string    `json:"confirmationCode"`
	Status           *string    `json:"status"`
	Source           *string    `json:"source"`
	CheckIn          *time.Time `json:"checkIn"`
	CheckOut         *time.Time `json:"checkOut"`
	NightsCount      *int       `json:"nightsCount"`
	GuestsCount      *int       `json:"guestsCount"`
	GuestName        *string    `json:"guestName"`
	GuestEmail       *string    `json:"guestEmail"`
	GuestPhone       *string    `json:"guestPhone"`
	TotalPrice       *float64   `json:"totalPrice"`
	HostPayout       *float64   `json:"hostPayout"`
	Currency         *string    `json:"currency"`
	RawJSON          []byte     `json:"-"` // full Guesty reservation payload
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	LastSyncedAt     time.Time  `json:"lastSyncedAt"`
}

func (r Reservation) Label() string {
	if r.ConfirmationCode != nil && *r.ConfirmationCode != "" {
		return *r.ConfirmationCode
	}
	if r.GuestName != nil && *r.GuestName != "" {
		return *r.GuestName
	}
	return r.GuestyID
}
