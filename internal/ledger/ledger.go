// Package ledger is a simulated funds ledger for development and tests.
//
// Flow:
//  1. Accounts are funded through Deposit (the development faucet)
//  2. Lock moves funds from an owner's available balance into a hold
//  3. Transfer pays a hold to a recipient; Refund returns it to the owner
//
// Every fund-moving call carries an idempotency key. Replaying a key with the
// same parameters returns the original result without moving funds again.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrHoldNotFound        = errors.New("hold not found")
	ErrHoldSettled         = errors.New("hold already settled")
	ErrNotOwner            = errors.New("refund recipient is not the hold owner")
	ErrKeyReused           = errors.New("idempotency key reused with different parameters")
	ErrMissingKey          = errors.New("idempotency key is required")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit  EntryType = "deposit"
	EntryLock     EntryType = "lock"
	EntryTransfer EntryType = "transfer"
	EntryRefund   EntryType = "refund"
)

// Entry represents a ledger entry
type Entry struct {
	ID        string    `json:"id"`
	Addr      string    `json:"address"`
	Type      EntryType `json:"type"`
	Amount    uint64    `json:"amount,string"`
	Reference string    `json:"reference,omitempty"` // lock reference
	TxHash    string    `json:"txHash,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Balance represents an account's balance
type Balance struct {
	Addr      string `json:"address"`
	Available uint64 `json:"available,string"` // Can be locked
	Held      uint64 `json:"held,string"`      // Locked under open holds
	TotalIn   uint64 `json:"totalIn,string"`   // Lifetime deposits and incoming transfers
	TotalOut  uint64 `json:"totalOut,string"`  // Lifetime outgoing transfers
}

type hold struct {
	ref     string
	owner   string
	amount  uint64
	settled bool
}

type result struct {
	op          EntryType
	fingerprint string
	value       string
}

// Ledger is an in-memory FundsLedger. It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*Balance
	holds    map[string]*hold
	results  map[string]result
	entries  []*Entry
	seq      uint64
	latency  time.Duration
	now      func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]*Balance),
		holds:    make(map[string]*hold),
		results:  make(map[string]result),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithLatency delays every fund-moving call, simulating a remote ledger.
// A call whose context ends during the delay has no effect.
func (l *Ledger) WithLatency(d time.Duration) *Ledger {
	l.latency = d
	return l
}

// Deposit credits addr with amount. It is the development faucet.
func (l *Ledger) Deposit(ctx context.Context, addr string, amount uint64) (*Balance, error) {
	defer observeOp(EntryDeposit)()
	if amount == 0 || amount > math.MaxInt64 {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.account(addr)
	if acct.Available > math.MaxInt64-amount {
		return nil, ErrInvalidAmount
	}
	acct.Available += amount
	acct.TotalIn += amount
	l.record(addr, EntryDeposit, amount, "", "")
	cp := *acct
	return &cp, nil
}

// Lock places amount of owner's available funds under a new hold.
func (l *Ledger) Lock(ctx context.Context, owner string, amount uint64, key string) (string, error) {
	defer observeOp(EntryLock)()
	if err := l.wait(ctx); err != nil {
		return "", err
	}
	if amount == 0 || amount > math.MaxInt64 {
		return "", ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fp := fmt.Sprintf("%s|%d", strings.ToLower(owner), amount)
	if ref, ok, err := l.replay(key, EntryLock, fp); ok || err != nil {
		return ref, err
	}

	acct := l.account(owner)
	if acct.Available < amount {
		return "", fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, acct.Available, amount)
	}
	acct.Available -= amount
	acct.Held += amount

	l.seq++
	ref := "hold_" + hex.EncodeToString(crypto.Keccak256([]byte(fmt.Sprintf("%s|%d", key, l.seq))))[:24]
	l.holds[ref] = &hold{ref: ref, owner: strings.ToLower(owner), amount: amount}
	LedgerBalanceHeld.Add(float64(amount))
	l.results[key] = result{op: EntryLock, fingerprint: fp, value: ref}
	l.record(owner, EntryLock, amount, ref, "")
	return ref, nil
}

// Transfer pays the hold to recipient.
func (l *Ledger) Transfer(ctx context.Context, lockRef, recipient, key string) (string, error) {
	defer observeOp(EntryTransfer)()
	return l.settle(ctx, EntryTransfer, lockRef, recipient, key)
}

// Refund returns the hold to its owner. recipient must be the owner.
func (l *Ledger) Refund(ctx context.Context, lockRef, recipient, key string) (string, error) {
	defer observeOp(EntryRefund)()
	return l.settle(ctx, EntryRefund, lockRef, recipient, key)
}

func (l *Ledger) settle(ctx context.Context, op EntryType, lockRef, recipient, key string) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fp := lockRef + "|" + strings.ToLower(recipient)
	if hash, ok, err := l.replay(key, op, fp); ok || err != nil {
		return hash, err
	}

	h, ok := l.holds[lockRef]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHoldNotFound, lockRef)
	}
	if h.settled {
		return "", fmt.Errorf("%w: %s", ErrHoldSettled, lockRef)
	}
	if op == EntryRefund && !strings.EqualFold(h.owner, recipient) {
		return "", ErrNotOwner
	}

	owner := l.account(h.owner)
	owner.Held -= h.amount
	to := l.account(recipient)
	to.Available += h.amount
	if op == EntryTransfer {
		owner.TotalOut += h.amount
		to.TotalIn += h.amount
	}
	h.settled = true
	LedgerBalanceHeld.Sub(float64(h.amount))

	l.seq++
	txHash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", op, key, lockRef, strings.ToLower(recipient), l.seq))).Hex()
	l.results[key] = result{op: op, fingerprint: fp, value: txHash}
	l.record(recipient, op, h.amount, lockRef, txHash)
	return txHash, nil
}

// GetBalance returns a snapshot of addr's balance. Unknown addresses are empty.
func (l *Ledger) GetBalance(ctx context.Context, addr string) *Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acct, ok := l.accounts[strings.ToLower(addr)]; ok {
		cp := *acct
		return &cp
	}
	return &Balance{Addr: strings.ToLower(addr)}
}

// GetHistory returns addr's entries, newest first.
func (l *Ledger) GetHistory(ctx context.Context, addr string, limit int) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	addr = strings.ToLower(addr)
	var out []*Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Addr != addr {
			continue
		}
		cp := *l.entries[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// TotalHeld sums all open holds.
func (l *Ledger) TotalHeld() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total uint64
	for _, h := range l.holds {
		if !h.settled {
			total += h.amount
		}
	}
	return total
}

// OpenHolds lists unsettled hold references, sorted.
func (l *Ledger) OpenHolds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var refs []string
	for ref, h := range l.holds {
		if !h.settled {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs
}

// replay returns the stored result for key. Caller must hold l.mu.
func (l *Ledger) replay(key string, op EntryType, fp string) (string, bool, error) {
	if key == "" {
		return "", false, ErrMissingKey
	}
	prev, ok := l.results[key]
	if !ok {
		return "", false, nil
	}
	if prev.op != op || prev.fingerprint != fp {
		return "", false, fmt.Errorf("%w: %s", ErrKeyReused, key)
	}
	return prev.value, true, nil
}

// account returns the mutable balance for addr. Caller must hold l.mu.
func (l *Ledger) account(addr string) *Balance {
	addr = strings.ToLower(addr)
	acct, ok := l.accounts[addr]
	if !ok {
		acct = &Balance{Addr: addr}
		l.accounts[addr] = acct
	}
	return acct
}

// record appends an entry. Caller must hold l.mu.
func (l *Ledger) record(addr string, t EntryType, amount uint64, ref, txHash string) {
	l.entries = append(l.entries, &Entry{
		ID:        fmt.Sprintf("ent_%d", len(l.entries)+1),
		Addr:      strings.ToLower(addr),
		Type:      t,
		Amount:    amount,
		Reference: ref,
		TxHash:    txHash,
		CreatedAt: l.now(),
	})
}

func (l *Ledger) wait(ctx context.Context) error {
	if l.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(l.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
