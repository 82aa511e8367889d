// Package escrow implements the escrow lifecycle engine.
//
// Flow:
//  1. Buyer creates an escrow → funds locked on the ledger
//  2. Buyer and seller approve → anyone party to the escrow may release to the seller
//  3. Either side raises a dispute → the arbiter names a deserving party
//  4. Release after resolution → funds transferred to that party
//  5. Buyer cancels before the seller approves → funds refunded to the buyer
package escrow

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies which party to an escrow a caller acts as.
type Role uint8

const (
	RoleBuyer Role = iota + 1
	RoleSeller
	RoleArbiter
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	case RoleArbiter:
		return "arbiter"
	}
	return "unknown"
}

// MarshalText encodes the role as its lowercase name.
func (r Role) MarshalText() ([]byte, error) {
	if !r.valid() {
		return nil, fmt.Errorf("%w: unknown role %d", ErrValidation, r)
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Role) valid() bool {
	return r >= RoleBuyer && r <= RoleArbiter
}

// ParseRole parses "buyer", "seller" or "arbiter".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buyer":
		return RoleBuyer, nil
	case "seller":
		return RoleSeller, nil
	case "arbiter":
		return RoleArbiter, nil
	}
	return 0, fmt.Errorf("%w: invalid role %q", ErrValidation, s)
}

// Party is the outcome of an arbitration: who deserves the funds.
type Party uint8

const (
	PartyNone Party = iota
	PartyBuyer
	PartySeller
)

func (p Party) String() string {
	switch p {
	case PartyNone:
		return ""
	case PartyBuyer:
		return "buyer"
	case PartySeller:
		return "seller"
	}
	return "unknown"
}

// MarshalText encodes the party as its lowercase name ("" for none).
func (p Party) MarshalText() ([]byte, error) {
	if p > PartySeller {
		return nil, fmt.Errorf("%w: unknown party %d", ErrValidation, p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a party name; the empty string is PartyNone.
func (p *Party) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*p = PartyNone
		return nil
	}
	parsed, err := ParseParty(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseParty parses a deserving party. Only "buyer" and "seller" are accepted.
func ParseParty(s string) (Party, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buyer":
		return PartyBuyer, nil
	case "seller":
		return PartySeller, nil
	}
	return PartyNone, fmt.Errorf("%w: deserving party must be buyer or seller, got %q", ErrValidation, s)
}

// State is the lifecycle position derived from an escrow's flags.
// Disputed is not a state; see Escrow.DisputeRaised.
type State string

const (
	StateLocked          State = "locked"
	StatePendingApproval State = "pending_approval"
	StateResolved        State = "resolved"
	StateReleased        State = "released"
	StateCancelled       State = "cancelled"
)

// PayoutKind distinguishes the two ways locked funds leave an escrow.
type PayoutKind string

const (
	PayoutRelease PayoutKind = "release"
	PayoutRefund  PayoutKind = "refund"
)

// Escrow is the record of one hold of funds.
type Escrow struct {
	ID        string    `json:"id"`
	Buyer     string    `json:"buyer"`
	Seller    string    `json:"seller"`
	Arbiter   string    `json:"arbiter,omitempty"`
	Amount    uint64    `json:"amount,string"`
	Memo      string    `json:"memo,omitempty"`
	LockRef   string    `json:"lockRef"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	BuyerApproved  bool `json:"buyerApproved"`
	SellerApproved bool `json:"sellerApproved"`

	DisputeRaised   bool       `json:"disputeRaised"`
	DisputeRaisedBy Role       `json:"disputeRaisedBy,omitempty"`
	DisputeRaisedAt *time.Time `json:"disputeRaisedAt,omitempty"`
	Resolution      Party      `json:"resolution,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`

	FundsReleased bool       `json:"fundsReleased"`
	Cancelled     bool       `json:"cancelled"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
	ReleasedTo    string     `json:"releasedTo,omitempty"`
	TxHash        string     `json:"txHash,omitempty"`

	// In-flight payout intent. Set by the caller that won the right to move
	// the funds; cleared when the ledger outcome is committed.
	PayoutPending   bool       `json:"payoutPending"`
	PayoutKind      PayoutKind `json:"payoutKind,omitempty"`
	PayoutStartedAt *time.Time `json:"payoutStartedAt,omitempty"`

	Version int64 `json:"version"`
}

// State derives the lifecycle position of the escrow.
func (e *Escrow) State() State {
	switch {
	case e.FundsReleased && e.Cancelled:
		return StateCancelled
	case e.FundsReleased:
		return StateReleased
	case e.Resolution != PartyNone:
		return StateResolved
	case e.BuyerApproved || e.SellerApproved || e.DisputeRaised:
		return StatePendingApproval
	}
	return StateLocked
}

// IsTerminal returns true once funds have left the escrow.
func (e *Escrow) IsTerminal() bool {
	return e.FundsReleased
}

// HasArbiter reports whether disputes can be raised on this escrow.
func (e *Escrow) HasArbiter() bool {
	return e.Arbiter != ""
}

// AddressFor returns the address bound to the given role.
func (e *Escrow) AddressFor(r Role) string {
	switch r {
	case RoleBuyer:
		return e.Buyer
	case RoleSeller:
		return e.Seller
	case RoleArbiter:
		return e.Arbiter
	}
	return ""
}

// IsParty reports whether addr is the buyer, seller or arbiter.
func (e *Escrow) IsParty(addr string) bool {
	if addr == "" {
		return false
	}
	return strings.EqualFold(e.Buyer, addr) ||
		strings.EqualFold(e.Seller, addr) ||
		(e.Arbiter != "" && strings.EqualFold(e.Arbiter, addr))
}

// Recipient returns the address that a release pays out to: the seller for a
// mutually approved escrow, the deserving party after arbitration.
func (e *Escrow) Recipient() string {
	switch e.Resolution {
	case PartyBuyer:
		return e.Buyer
	case PartySeller:
		return e.Seller
	}
	return e.Seller
}

// Clone returns a deep copy; stores hand out clones only.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	cp.DisputeRaisedAt = cloneTime(e.DisputeRaisedAt)
	cp.ResolvedAt = cloneTime(e.ResolvedAt)
	cp.ReleasedAt = cloneTime(e.ReleasedAt)
	cp.PayoutStartedAt = cloneTime(e.PayoutStartedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Actor is an authenticated caller acting in a specific role.
type Actor struct {
	Addr string
	Role Role
}

// matches reports whether the actor is the party the escrow binds to its role.
func (a Actor) matches(e *Escrow) bool {
	want := e.AddressFor(a.Role)
	return want != "" && strings.EqualFold(want, a.Addr)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Buyer   string
	Seller  string
	Arbiter string
	Amount  uint64
	Memo    string
}

// ReleaseResult is returned by fund-moving operations.
type ReleaseResult struct {
	EscrowID  string  `json:"escrowId"`
	TxHash    string  `json:"transactionHash"`
	Recipient string  `json:"recipient"`
	Escrow    *Escrow `json:"-"`
}
