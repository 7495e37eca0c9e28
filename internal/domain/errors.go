package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrListingExists     = errors.New("active listing already exists")
	ErrNotEligible       = errors.New("listing not eligible")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidPrice      = errors.New("price outside allowed bounds")
	ErrListingLimit      = errors.New("seller listing limit reached")
	ErrSelfTrade         = errors.New("cannot trade with yourself")
	ErrBidTooLow         = errors.New("bid below minimum")
	ErrLostRace          = errors.New("concurrent update won the race")
	ErrLockHeld          = errors.New("lock already held")
	ErrDisabled          = errors.New("marketplace disabled")
	ErrRateLimited       = errors.New("rate limited")
	ErrStatusRegression  = errors.New("token status cannot move backwards")
)
