package app

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"guesty_sync/internal/domain"
)

/********** alias registries (single source of truth) **********/

var propertyAliases = map[string][]string{
	"id":            {"_id", "id", "listingId"},
	"title":         {"title", "name", "publicDescription.title"},
	"nickname":      {"nickname", "internalName"},
	"property_type": {"propertyType", "type"},
	"room_type":     {"roomType"},
	"address_full":  {"address.full", "address.formatted", "fullAddress"},
	"street":        {"address.street", "address.address1", "street"},
	"city":          {"address.city", "city"},
	"state":         {"address.state", "state"},
	"country":       {"address.country", "country"},
	"zipcode":       {"address.zipcode", "address.zipCode", "zipcode"},
	"currency":      {"prices.currency", "currency"},
}

var reservationAliases = map[string][]string{
	"id":                {"_id", "id", "reservationId"},
	"listing_id":        {"listingId", "listing._id", "listing.id"},
	"confirmation_code": {"confirmationCode", "confirmation_code"},
	"status":            {"status"},
	"source":            {"source", "integration.platform"},
	"guest_name":        {"guest.fullName", "guestName", "guest.name"},
	"guest_first":       {"guest.firstName"},
	"guest_last":        {"guest.lastName"},
	"guest_email":       {"guest.email", "guestEmail"},
	"guest_phone":       {"guest.phone", "guestPhone"},
	"currency":          {"money.currency", "currency"},
}

/********** tiny helpers **********/

// lookupAny: safe nested lookup with dot paths on maps.
func lookupAny(m map[string]any, path string) any {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := obj[part]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

// lookupStr returns string at path or "".
func lookupStr(m map[string]any, path string) string {
	if v := lookupAny(m, path); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// firstNonEmptyAlias: first non-empty string for a named alias set.
func firstNonEmptyAlias(m map[string]any, aliases map[string][]string, key string) *string {
	for _, p := range aliases[key] {
		if s := strings.TrimSpace(lookupStr(m, p)); s != "" {
			return &s
		}
	}
	return nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func ptrStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, " ")
}

// getFloatFlexible: number from several paths (float64/int/string like "8,0").
func getFloatFlexible(m map[string]any, paths ...string) *float64 {
	for _, k := range paths {
		switch v := lookupAny(m, k).(type) {
		case float64:
			f := v
			return &f
		case int:
			f := float64(v)
			return &f
		case int64:
			f := float64(v)
			return &f
		case string:
			s := strings.TrimSpace(strings.ReplaceAll(v, ",", "."))
			if s == "" {
				continue
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

func getIntFlexible(m map[string]any, paths ...string) *int {
	if f := getFloatFlexible(m, paths...); f != nil {
		x := int(*f)
		return &x
	}
	return nil
}

func getBool(m map[string]any, path string, def bool) bool {
	if b, ok := lookupAny(m, path).(bool); ok {
		return b
	}
	return def
}

// getTimeFlexible accepts RFC3339 timestamps and plain YYYY-MM-DD dates.
func getTimeFlexible(m map[string]any, paths ...string) *time.Time {
	for _, k := range paths {
		s := strings.TrimSpace(lookupStr(m, k))
		if s == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}

// firstSliceStrings: accept []any with either strings or {original/url/thumbnail/name}.
func firstSliceStrings(m map[string]any, paths ...string) []string {
	for _, k := range paths {
		if raw, ok := lookupAny(m, k).([]any); ok {
			out := make([]string, 0, len(raw))
			for _, it := range raw {
				switch t := it.(type) {
				case string:
					if t != "" {
						out = append(out, t)
					}
				case map[string]any:
					for _, key := range []string{"original", "url", "large", "thumbnail", "name"} {
						if u, ok := t[key].(string); ok && u != "" {
							out = append(out, u)
							break
						}
					}
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return []string{}
}

// vendorID extracts the Guesty identifier; an empty result is a validation error.
func vendorID(m map[string]any, aliases map[string][]string) (string, error) {
	if m == nil {
		return "", &domain.ValidationError{Field: "data", Reason: "payload is empty"}
	}
	if s := firstNonEmptyAlias(m, aliases, "id"); s != nil {
		return *s, nil
	}
	return "", &domain.ValidationError{Field: "_id", Reason: "missing Guesty identifier"}
}

func rawJSON(m map[string]any, context string) []byte {
	raw, err := json.Marshal(m)
	if err != nil {
		log.Error().Err(err).Str("context", context).Msg("failed to marshal payload to JSON")
		return nil
	}
	return raw
}

/********** property mapper **********/

func mapProperty(p map[string]any) (domain.Property, error) {
	id, err := vendorID(p, propertyAliases)
	if err != nil {
		return domain.Property{}, err
	}
	return domain.Property{
		GuestyID:     id,
		Title:        firstNonEmptyAlias(p, propertyAliases, "title"),
		Nickname:     firstNonEmptyAlias(p, propertyAliases, "nickname"),
		PropertyType: firstNonEmptyAlias(p, propertyAliases, "property_type"),
		RoomType:     firstNonEmptyAlias(p, propertyAliases, "room_type"),
		AddressFull: func() *string {
			if s := firstNonEmptyAlias(p, propertyAliases, "address_full"); s != nil {
				return s
			}
			// compose from components when no single field is present
			parts := make([]string, 0, 5)
			for _, key := range []string{"street", "city", "state", "zipcode", "country"} {
				if s := firstNonEmptyAlias(p, propertyAliases, key); s != nil {
					parts = append(parts, *s)
				}
			}
			return ptrStr(strings.Join(parts, ", "))
		}(),
		Street:       firstNonEmptyAlias(p, propertyAliases, "street"),
		City:         firstNonEmptyAlias(p, propertyAliases, "city"),
		State:        firstNonEmptyAlias(p, propertyAliases, "state"),
		Country:      firstNonEmptyAlias(p, propertyAliases, "country"),
		Zipcode:      firstNonEmptyAlias(p, propertyAliases, "zipcode"),
		Lat:          getFloatFlexible(p, "address.lat", "lat", "location.lat"),
		Lng:          getFloatFlexible(p, "address.lng", "lng", "lon", "location.lng"),
		Bedrooms:     getIntFlexible(p, "bedrooms"),
		Bathrooms:    getFloatFlexible(p, "bathrooms"),
		Accommodates: getIntFlexible(p, "accommodates", "maxGuests"),
		Amenities:    firstSliceStrings(p, "amenities"),
		Pictures:     firstSliceStrings(p, "pictures", "photos"),
		BasePrice:    getFloatFlexible(p, "prices.basePrice", "basePrice"),
		Currency:     firstNonEmptyAlias(p, propertyAliases, "currency"),
		Active:       getBool(p, "active", true),
		RawJSON:      rawJSON(p, "mapProperty"),
	}, nil
}

/********** reservation mapper **********/

func mapReservation(r map[string]any) (domain.Reservation, error) {
	id, err := vendorID(r, reservationAliases)
	if err != nil {
		return domain.Reservation{}, err
	}
	rv := domain.Reservation{
		GuestyID:         id,
		ListingID:        firstNonEmptyAlias(r, reservationAliases, "listing_id"),
		ConfirmationCode: firstNonEmptyAlias(r, reservationAliases, "confirmation_code"),
		Status:           firstNonEmptyAlias(r, reservationAliases, "status"),
		Source:           firstNonEmptyAlias(r, reservationAliases, "source"),
		CheckIn:          getTimeFlexible(r, "checkIn", "checkInDateLocalized"),
		CheckOut:         getTimeFlexible(r, "checkOut", "checkOutDateLocalized"),
		NightsCount:      getIntFlexible(r, "nightsCount"),
		GuestsCount:      getIntFlexible(r, "guestsCount", "numberOfGuests.total"),
		GuestEmail:       firstNonEmptyAlias(r, reservationAliases, "guest_email"),
		GuestPhone:       firstNonEmptyAlias(r, reservationAliases, "guest_phone"),
		TotalPrice:       getFloatFlexible(r, "money.totalPaid", "money.fareAccommodation", "totalPrice"),
		HostPayout:       getFloatFlexible(r, "money.hostPayout"),
		Currency:         firstNonEmptyAlias(r, reservationAliases, "currency"),
		RawJSON:          rawJSON(r, "mapReservation"),
	}

	// Guest name: prefer the full name, fall back to first + last.
	if s := firstNonEmptyAlias(r, reservationAliases, "guest_name"); s != nil {
		rv.GuestName = s
	} else {
		rv.GuestName = ptrStr(joinNonEmpty(
			deref(firstNonEmptyAlias(r, reservationAliases, "guest_first")),
			deref(firstNonEmptyAlias(r, reservationAliases, "guest_last")),
		))
	}
	return rv, nil
}
