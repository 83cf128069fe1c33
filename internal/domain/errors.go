package domain

import "errors"

// Failure kinds returned by the ledger. Callers match with errors.Is;
// every one of them is recoverable.
var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrNotFound                 = errors.New("not found")
	ErrRecipientNotFound        = errors.New("recipient not found")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrInsufficientSpendable    = errors.New("insufficient spendable credits")
	ErrInsufficientTotalCredits = errors.New("insufficient non-spendable credits")
	ErrInvariantViolation       = errors.New("ledger invariant violation")

	ErrForbidden     = errors.New("forbidden")
	ErrAlreadyExists = errors.New("already exists")
	ErrSelfTransfer  = errors.New("cannot transfer to self")

	// ErrLockTimeout is retryable: the unit of work was rolled back because
	// a lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// Retryable reports whether the operation may succeed if simply retried.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
