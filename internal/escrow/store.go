package escrow

import (
	"context"
	"time"

	"github.com/mbd888/holdfast/internal/pagination"
)

// Store persists escrow records.
//
// Implementations never hand out references to their internal state: every
// returned *Escrow is a private copy the caller may mutate freely.
type Store interface {
	// Create inserts a new record. Returns ErrDuplicate if the id is taken.
	Create(ctx context.Context, e *Escrow) error

	// Get returns a snapshot of the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Escrow, error)

	// ConditionalUpdate applies mutate to a copy of the record only if its
	// stored version equals expectedVersion, then persists the copy with the
	// version incremented. A version mismatch yields ErrVersionConflict and no
	// side effects; so does a mutate error, which is returned unchanged.
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Escrow) error) (*Escrow, error)

	// List returns escrows bound to an address in a role, newest first.
	List(ctx context.Context, q ListQuery) ([]*Escrow, error)

	// ListStalePayouts returns escrows whose payout intent was recorded
	// before the cutoff and never committed, oldest first. A non-positive
	// limit returns them all.
	ListStalePayouts(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// ListQuery selects escrows for one party.
type ListQuery struct {
	Addr string
	Role Role
	// PendingOnly keeps escrows still waiting on this party: unapproved by
	// the buyer or seller, or disputed and unresolved for the arbiter.
	PendingOnly bool
	After       *pagination.Cursor
	Limit       int
}

// awaits reports whether e is waiting on the party described by q.
func (q ListQuery) awaits(e *Escrow) bool {
	if e.FundsReleased || e.PayoutPending {
		return false
	}
	switch q.Role {
	case RoleBuyer:
		return !e.BuyerApproved
	case RoleSeller:
		return !e.SellerApproved
	case RoleArbiter:
		return e.DisputeRaised && e.Resolution == PartyNone
	}
	return false
}

// before reports whether e sorts after the cursor in newest-first order.
func before(e *Escrow, c *pagination.Cursor) bool {
	if c == nil {
		return true
	}
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}
