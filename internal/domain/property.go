package domain

import "time"

// Property is the local mirror of a Guesty listing, keyed by GuestyID.
type Property struct {
	GuestyID     string    `json:"guestyId"`
	Title        *string   `json:"title"`
	Nickname     *string   `json:"nickname"`
	PropertyType *string   `json:"propertyType"`
	RoomType     *string   `json:"roomType"`
	AddressFull  *string   `json:"addressFull"`
	Street       *string   `json:"street"`
	City         *string   `json:"city"`
	State        *string   `json:"state"`
	Country      *string   `json:"country"`
	Zipcode      *string   `json:"zipcode"`
	Lat          *float64  `json:"lat"`
	Lng          *float64  `json:"lng"`
	Bedrooms     *int      `json:"bedrooms"`
	Bathrooms    *float64  `json:"bathrooms"`
	Accommodates *int      `json:"accommodates"`
	Amenities    []string  `json:"amenities"`
	Pictures     []string  `json:"pictures"`
	BasePrice    *float64  `json:"basePrice"`
	Currency     *string   `json:"currency"`
	Active       bool      `json:"active"`
	RawJSON      []byte    `json:"-"` // full Guesty listing payload
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// Label is a human-readable identifier used in logs and sync notes.
func (p Property) Label() string {
	if p.Title != nil && *p.Title != "" {
		return *p.Title
	}
	if p.Nickname != nil && *p.Nickname != "" {
		return *p.Nickname
	}
	return p.GuestyID
}
