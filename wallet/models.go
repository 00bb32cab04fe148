package wallet

import (
	"errors"
	"time"
)

// CustodyAccount holds every buyer payment until the agreement resolves.
const CustodyAccount = "escrow:custody"

// Entry reasons.
const (
	ReasonTopUp   = "topup"
	ReasonDeposit = "deposit"
	ReasonPayout  = "payout"
)

var (
	// ErrInsufficientBalance signals the debited account cannot cover the amount.
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")
	// ErrInvalidAmount signals a zero amount or one that overflows storage.
	ErrInvalidAmount = errors.New("wallet: invalid amount")
	// ErrMissingOwner signals an empty account identity.
	ErrMissingOwner = errors.New("wallet: missing owner")
)

// Entry is one append-only movement between two accounts. From is empty for
// top-ups minted from outside the system.
type Entry struct {
	ID        int64
	From      string
	To        string
	Amount    uint64
	Reason    string
	Reference string
	CreatedAt time.Time
}
