package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("invalid escrow request")
	ErrNotFound      = errors.New("escrow not found")
	ErrUnauthorized  = errors.New("not authorized for this escrow operation")
	ErrStateConflict = errors.New("escrow state does not permit this operation")
	ErrLedger        = errors.New("funds ledger operation failed")
	ErrDuplicate     = errors.New("escrow already exists")

	// ErrVersionConflict is returned by Store.ConditionalUpdate when the record
	// changed since it was read. The service retries these internally.
	ErrVersionConflict = fmt.Errorf("%w: version conflict", ErrStateConflict)

	// ErrPayoutIndeterminate means the ledger did not answer in time. The
	// payout intent stays recorded and is re-driven with the same idempotency key.
	ErrPayoutIndeterminate = fmt.Errorf("%w: outcome unknown, payout will be reconciled", ErrLedger)
)

// Kind is the machine-readable class of an escrow error.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindNotFound      Kind = "not_found"
	KindUnauthorized  Kind = "unauthorized"
	KindStateConflict Kind = "state_conflict"
	KindLedger        Kind = "ledger_error"
	KindDuplicate     Kind = "duplicate"
	KindInternal      Kind = "internal_error"
)

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrStateConflict):
		return KindStateConflict
	case errors.Is(err, ErrLedger):
		return KindLedger
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	}
	return KindInternal
}
