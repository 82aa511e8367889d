package escrow

import "time"

// CanRaiseDispute reports whether a new dispute may be opened. It requires an
// arbiter and no payout in flight or completed. An already-raised dispute
// returns false; callers treat that as an idempotent no-op.
func CanRaiseDispute(e *Escrow) bool {
	return e.HasArbiter() && !e.DisputeRaised && !e.FundsReleased && !e.PayoutPending
}

// CanResolve reports whether role may settle the dispute now.
func CanResolve(e *Escrow, r Role) bool {
	return r == RoleArbiter &&
		e.DisputeRaised &&
		!e.FundsReleased &&
		e.Resolution == PartyNone
}

// ApplyDispute flags the escrow as disputed by role.
func ApplyDispute(e *Escrow, by Role, at time.Time) *Escrow {
	e.DisputeRaised = true
	e.DisputeRaisedBy = by
	e.DisputeRaisedAt = &at
	return e
}

// ApplyResolution records the arbiter's decision. No funds move here.
func ApplyResolution(e *Escrow, p Party, at time.Time) *Escrow {
	e.Resolution = p
	e.ResolvedAt = &at
	return e
}
