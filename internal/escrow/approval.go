package escrow

// CanApprove reports whether role may still record its approval.
// Only the buyer and seller approve; approvals stop once funds have moved.
func CanApprove(e *Escrow, r Role) bool {
	if e.FundsReleased {
		return false
	}
	switch r {
	case RoleBuyer:
		return !e.BuyerApproved
	case RoleSeller:
		return !e.SellerApproved
	}
	return false
}

// ApplyApproval sets the approval flag for role. Approving twice is a no-op.
func ApplyApproval(e *Escrow, r Role) *Escrow {
	switch r {
	case RoleBuyer:
		e.BuyerApproved = true
	case RoleSeller:
		e.SellerApproved = true
	}
	return e
}

// IsReleaseReady is the single predicate for a mutually approved release.
func IsReleaseReady(e *Escrow) bool {
	return e.BuyerApproved && e.SellerApproved && !e.DisputeRaised && !e.FundsReleased
}

// IsReleaseEligible also admits escrows settled by arbitration.
func IsReleaseEligible(e *Escrow) bool {
	if e.FundsReleased {
		return false
	}
	return IsReleaseReady(e) || e.Resolution != PartyNone
}
