// Package admin provides operator endpoints for resolving stuck payouts.
package admin

import (
	"time"

	"github.com/mbd888/holdfast/internal/escrow"
)

// StalePayout is an escrow whose payout intent has no committed outcome.
type StalePayout struct {
	EscrowID  string            `json:"escrowId"`
	Buyer     string            `json:"buyer"`
	Seller    string            `json:"seller"`
	Amount    uint64            `json:"amount,string"`
	Kind      escrow.PayoutKind `json:"kind"`
	StartedAt *time.Time        `json:"startedAt,omitempty"`
	AgeMs     int64             `json:"ageMs"`
}

func newStalePayout(e *escrow.Escrow, now time.Time) StalePayout {
	p := StalePayout{
		EscrowID:  e.ID,
		Buyer:     e.Buyer,
		Seller:    e.Seller,
		Amount:    e.Amount,
		Kind:      e.PayoutKind,
		StartedAt: e.PayoutStartedAt,
	}
	if e.PayoutStartedAt != nil {
		p.AgeMs = now.Sub(*e.PayoutStartedAt).Milliseconds()
	}
	return p
}

// HoldSummary describes the funds currently locked in the ledger.
type HoldSummary struct {
	Count     int      `json:"count"`
	TotalHeld uint64   `json:"totalHeld,string"`
	Refs      []string `json:"refs"`
}
