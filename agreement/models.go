package agreement

import "time"

// Party roles used to filter agreement listings.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// Agreement is one buyer-seller escrow record. Records are never deleted;
// Withdrawn and Refunded are terminal and mutually exclusive.
type Agreement struct {
	ID                 uint64
	Seller             string
	Buyer              string
	Price              uint64
	Paid               uint64
	Deadline           time.Time
	RequestMetadata    string
	SubmissionMetadata string
	Withdrawn          bool
	Refunded           bool
	Reviewed           bool
	CreatedAt          time.Time
}

// Resolved reports whether funds have already left custody.
func (a Agreement) Resolved() bool {
	return a.Withdrawn || a.Refunded
}

// Payload renders the post-mutation fields carried by agreement notifications.
func (a Agreement) Payload() map[string]any {
	return map[string]any{
		"id":                  a.ID,
		"seller":              a.Seller,
		"buyer":               a.Buyer,
		"price":               a.Price,
		"paid":                a.Paid,
		"deadline":            a.Deadline.UTC(),
		"request_metadata":    a.RequestMetadata,
		"submission_metadata": a.SubmissionMetadata,
		"withdrawn":           a.Withdrawn,
		"refunded":            a.Refunded,
		"reviewed":            a.Reviewed,
	}
}

type ListFilters struct {
	Party    string
	Role     string
	Page     int
	PageSize int
}

// Normalize applies the default page and clamps the page size to 1..100.
func (f ListFilters) Normalize() ListFilters {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}

func (f ListFilters) matches(a Agreement) bool {
	switch f.Role {
	case RoleBuyer:
		return a.Buyer == f.Party
	case RoleSeller:
		return a.Seller == f.Party
	default:
		return a.Buyer == f.Party || a.Seller == f.Party
	}
}
