package escrow

import (
	"context"
	"errors"
)

// FundsLedger moves funds on the external ledger. Every fund-moving call
// carries an idempotency key: repeating a call with the same key must not
// move funds twice and must return the original transaction hash.
type FundsLedger interface {
	// Lock places amount owned by owner under hold and returns a reference.
	Lock(ctx context.Context, owner string, amount uint64, idempotencyKey string) (lockRef string, err error)
	// Transfer pays held funds to recipient.
	Transfer(ctx context.Context, lockRef, recipient, idempotencyKey string) (txHash string, err error)
	// Refund returns held funds to recipient (the original owner).
	Refund(ctx context.Context, lockRef, recipient, idempotencyKey string) (txHash string, err error)
}

// indeterminate is implemented by ledger errors whose outcome is unknown,
// such as a timeout after the request was sent.
type indeterminate interface {
	Indeterminate() bool
}

// IsIndeterminate reports whether a ledger error leaves the transfer outcome
// unknown. Such payouts must be re-driven with the same idempotency key.
func IsIndeterminate(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrPayoutIndeterminate) {
		return true
	}
	var ind indeterminate
	return errors.As(err, &ind) && ind.Indeterminate()
}

// Idempotency keys are derived from the escrow id and the transition so that
// every retry of the same payout presents the same key to the ledger.
func lockKey(escrowID string) string { return escrowID + ":lock" }

func payoutKey(escrowID string, kind PayoutKind) string {
	return escrowID + ":" + string(kind)
}
