package escrow

import "errors"

// Precondition failures. None of them leave any write behind.
var (
	ErrInvalidParty        = errors.New("escrow: buyer cannot hire themselves")
	ErrDeadlineTooSoon     = errors.New("escrow: deadline does not cover the delivery estimate")
	ErrInsufficientPayment = errors.New("escrow: payment below listing price")
	ErrNoCapacity          = errors.New("escrow: seller has no open slots")
	ErrNotBuyer            = errors.New("escrow: caller is not the buyer")
	ErrNotSeller           = errors.New("escrow: caller is not the seller")
	ErrDeadlineNotPassed   = errors.New("escrow: deadline has not passed")
	ErrDeadlinePassed      = errors.New("escrow: deadline has passed")
	ErrAlreadyDelivered    = errors.New("escrow: agreement already delivered")
	ErrAlreadyResolved     = errors.New("escrow: agreement already resolved")
	ErrAlreadyReviewed     = errors.New("escrow: agreement already reviewed")
	ErrAgreementNotFound   = errors.New("escrow: agreement not found")
	ErrMissingCaller       = errors.New("escrow: missing caller identity")
)

var (
	// ErrTransferFailed wraps a custody movement that did not complete. The
	// whole operation is rolled back.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrReentrantCall is returned when a guarded operation is entered again
	// from inside another guarded operation.
	ErrReentrantCall = errors.New("escrow: reentrant call")
)

var rejections = []error{
	ErrInvalidParty,
	ErrDeadlineTooSoon,
	ErrInsufficientPayment,
	ErrNoCapacity,
	ErrNotBuyer,
	ErrNotSeller,
	ErrDeadlineNotPassed,
	ErrDeadlinePassed,
	ErrAlreadyDelivered,
	ErrAlreadyResolved,
	ErrAlreadyReviewed,
	ErrAgreementNotFound,
	ErrMissingCaller,
	ErrReentrantCall,
}

// IsRejection reports whether err is a precondition failure rather than an
// infrastructure or transfer error.
func IsRejection(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
