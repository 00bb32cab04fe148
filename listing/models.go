package listing

import "time"

// Listing is a seller's standing offer. One per seller, overwritten in place.
type Listing struct {
	Seller           string
	Reputation       int64
	Price            uint64
	DeliveryEstimate time.Duration
	ProfileMetadata  string
	OpenSlots        uint16
	UpdatedAt        time.Time
}

// ListFilters narrows the seller directory.
type ListFilters struct {
	OnlyOpen bool
	Limit    int
}

// Payload renders the post-mutation fields carried by listing notifications.
func (l Listing) Payload() map[string]any {
	return map[string]any{
		"seller":                    l.Seller,
		"reputation":                l.Reputation,
		"price":                     l.Price,
		"delivery_estimate_seconds": int64(l.DeliveryEstimate / time.Second),
		"profile_metadata":          l.ProfileMetadata,
		"open_slots":                l.OpenSlots,
	}
}
