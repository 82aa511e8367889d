package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	buyerAddr   = "BUYER7ZUECA7HFLZTXENRV24SHLU4AVPUTMTTDUFUBNBD64C73F3UHRTH"
	sellerAddr  = "SELLERQ5RGK2VXN3IS7CPMQ43KTEP5XLSAA2JQSHMUYQRFQXT5C3EFRMM"
	arbiterAddr = "ARBITERM6KQJN4F3ICHXGL2D5WP2UVQHX7BJNZCRGOT3WY6SAAF2RME"
)

type ledgerCall struct {
	lockRef, recipient, key string
}

// fakeLedger is an in-memory FundsLedger that honours idempotency keys.
type fakeLedger struct {
	mu        sync.Mutex
	seq       int
	locks     map[string]uint64
	results   map[string]string // idempotency key -> lockRef or tx hash
	transfers []ledgerCall
	refunds   []ledgerCall

	lockErr   error
	lockCalls int
	// lockTimeouts makes that many Lock calls apply the hold but report a timeout.
	lockTimeouts int
	transferErr  error
	refundErr    error
	// applyThenFail simulates a call that executed but whose reply was lost.
	applyThenFail bool
	delay         time.Duration
	attempts      atomic.Int32
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		locks:   make(map[string]uint64),
		results: make(map[string]string),
	}
}

func (f *fakeLedger) Lock(ctx context.Context, owner string, amount uint64, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockCalls++
	if f.lockErr != nil {
		return "", f.lockErr
	}
	ref, ok := f.results[key]
	if !ok {
		f.seq++
		ref = fmt.Sprintf("lock-%d", f.seq)
		f.locks[ref] = amount
		f.results[key] = ref
	}
	if f.lockTimeouts > 0 {
		f.lockTimeouts--
		return "", context.DeadlineExceeded
	}
	return ref, nil
}

func (f *fakeLedger) Transfer(ctx context.Context, lockRef, recipient, key string) (string, error) {
	return f.move(ctx, lockRef, recipient, key, false)
}

func (f *fakeLedger) Refund(ctx context.Context, lockRef, recipient, key string) (string, error) {
	return f.move(ctx, lockRef, recipient, key, true)
}

func (f *fakeLedger) move(ctx context.Context, lockRef, recipient, key string, refund bool) (string, error) {
	f.attempts.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if hash, ok := f.results[key]; ok {
		return hash, nil
	}
	err := f.transferErr
	if refund {
		err = f.refundErr
	}
	if err != nil && !f.applyThenFail {
		return "", err
	}

	f.seq++
	hash := fmt.Sprintf("0xtx%04d", f.seq)
	f.results[key] = hash
	call := ledgerCall{lockRef: lockRef, recipient: recipient, key: key}
	if refund {
		f.refunds = append(f.refunds, call)
	} else {
		f.transfers = append(f.transfers, call)
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (f *fakeLedger) setTransferErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferErr = err
}

func (f *fakeLedger) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

// recordingEmitter captures lifecycle events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) EmitEscrowEvent(ctx context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestService() (*Service, *MemoryStore, *fakeLedger) {
	store := NewMemoryStore()
	ledger := newFakeLedger()
	svc := NewService(store, ledger).WithConfig(Config{
		MaxAttempts:   50,
		BaseDelay:     time.Millisecond,
		LedgerTimeout: time.Second,
		PayoutWait:    5 * time.Second,
	})
	return svc, store, ledger
}

func createEscrow(t *testing.T, svc *Service, arbiter string) *Escrow {
	t.Helper()
	e, err := svc.Create(context.Background(), CreateRequest{
		Buyer:   buyerAddr,
		Seller:  sellerAddr,
		Arbiter: arbiter,
		Amount:  1_000_000,
		Memo:    "logo design",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return e
}

var (
	buyer   = Actor{Addr: buyerAddr, Role: RoleBuyer}
	seller  = Actor{Addr: sellerAddr, Role: RoleSeller}
	arbiter = Actor{Addr: arbiterAddr, Role: RoleArbiter}
)

func mustApprove(t *testing.T, svc *Service, id string, actors ...Actor) {
	t.Helper()
	for _, a := range actors {
		if _, err := svc.Approve(context.Background(), id, a); err != nil {
			t.Fatalf("Approve(%s) failed: %v", a.Role, err)
		}
	}
}

func TestEscrow_MutualApprovalRelease(t *testing.T) {
	svc, store, ledger := newTestService()
	events := &recordingEmitter{}
	svc.WithEvents(events)
	ctx := context.Background()

	esc := createEscrow(t, svc, "")
	if esc.State() != StateLocked {
		t.Fatalf("expected locked, got %s", esc.State())
	}
	if esc.LockRef == "" {
		t.Fatal("expected lock reference from ledger")
	}

	mustApprove(t, svc, esc.ID, buyer, seller)

	res, err := svc.Release(ctx, esc.ID, buyer)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if res.TxHash == "" {
		t.Fatal("expected transaction hash")
	}
	if res.Recipient != sellerAddr {
		t.Errorf("expected recipient seller, got %s", res.Recipient)
	}

	got, _ := store.Get(ctx, esc.ID)
	if !got.FundsReleased || got.TxHash != res.TxHash || got.State() != StateReleased {
		t.Errorf("record not released: %+v", got)
	}
	if got.PayoutPending {
		t.Error("payout intent should be cleared after commit")
	}
	if got.ReleasedAt == nil {
		t.Error("expected releasedAt")
	}

	if n := ledger.transferCount(); n != 1 {
		t.Fatalf("expected 1 transfer, got %d", n)
	}
	call := ledger.transfers[0]
	if call.recipient != sellerAddr || call.lockRef != esc.LockRef || call.key != esc.ID+":release" {
		t.Errorf("unexpected transfer %+v", call)
	}

	want := []EventType{EventCreated, EventApproved, EventApproved, EventReleased}
	if got := events.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestEscrow_CreateReplaysTimedOutLock(t *testing.T) {
	svc, store, ledger := newTestService()
	ledger.lockTimeouts = 1

	esc := createEscrow(t, svc, "")

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if ledger.lockCalls != 2 {
		t.Errorf("expected the lock to be replayed once, got %d calls", ledger.lockCalls)
	}
	if len(ledger.locks) != 1 {
		t.Fatalf("expected exactly one hold on the ledger, got %d", len(ledger.locks))
	}
	if esc.LockRef != ledger.results[esc.ID+":lock"] {
		t.Errorf("escrow lock ref %q does not match the hold placed under its key", esc.LockRef)
	}
	stored, err := store.Get(context.Background(), esc.ID)
	if err != nil {
		t.Fatalf("escrow owning the hold was not stored: %v", err)
	}
	if stored.LockRef != esc.LockRef {
		t.Errorf("stored lock ref = %q, want %q", stored.LockRef, esc.LockRef)
	}
}

func TestEscrow_CreateLockNeverConfirmed(t *testing.T) {
	svc, store, ledger := newTestService()
	ledger.lockTimeouts = 100

	_, err := svc.Create(context.Background(), CreateRequest{
		Buyer:  buyerAddr,
		Seller: sellerAddr,
		Amount: 1_000_000,
	})
	if KindOf(err) != KindLedger || !IsIndeterminate(err) {
		t.Fatalf("expected an indeterminate ledger error, got %v", err)
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if ledger.lockCalls != maxLockReplays {
		t.Errorf("expected %d lock attempts, got %d", maxLockReplays, ledger.lockCalls)
	}
	if len(ledger.locks) != 1 {
		t.Errorf("replays must reuse the idempotency key; %d holds placed", len(ledger.locks))
	}
	list, err := store.List(context.Background(), ListQuery{Addr: buyerAddr, Role: RoleBuyer})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("no escrow should be stored, got %d", len(list))
	}
}

func TestEscrow_DisputeResolvedForBuyer(t *testing.T) {
	svc, store, ledger := newTestService()
	ctx := context.Background()

	esc := createEscrow(t, svc, arbiterAddr)
	mustApprove(t, svc, esc.ID, buyer)

	disputed, err := svc.RaiseDispute(ctx, esc.ID, seller)
	if err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}
	if !disputed.DisputeRaised || disputed.DisputeRaisedBy != RoleSeller || disputed.DisputeRaisedAt == nil {
		t.Errorf("dispute not recorded: %+v", disputed)
	}

	// Not releasable until the arbiter rules.
	if _, err := svc.Release(ctx, esc.ID, buyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected StateConflict before resolution, got %v", err)
	}

	resolved, err := svc.ResolveDispute(ctx, esc.ID, arbiter, PartyBuyer)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Resolution != PartyBuyer || resolved.State() != StateResolved {
		t.Errorf("unexpected resolution state: %+v", resolved)
	}
	if ledger.transferCount() != 0 {
		t.Fatal("resolution must not move funds")
	}

	res, err := svc.Release(ctx, esc.ID, arbiter)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if res.Recipient != buyerAddr {
		t.Errorf("expected funds to buyer, got %s", res.Recipient)
	}

	got, _ := store.Get(ctx, esc.ID)
	if !got.FundsReleased || got.ReleasedTo != buyerAddr {
		t.Errorf("record not released to buyer: %+v", got)
	}
}

func TestEscrow_ConcurrentReleaseMovesFundsOnce(t *testing.T) {
	svc, _, ledger := newTestService()
	ledger.delay = 30 * time.Millisecond
	ctx := context.Background()

	esc := createEscrow(t, svc, "")
	mustApprove(t, svc, esc.ID, buyer, seller)

	const callers = 8
	var (
		wg     sync.WaitGroup
		hashes = make([]string, callers)
		errs   = make([]error, callers)
		start  = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		actor := buyer
		if i%2 == 1 {
			actor = seller
		}
		wg.Add(1)
		go func(i int, a Actor) {
			defer wg.Done()
			<-start
			res, err := svc.Release(ctx, esc.ID, a)
			errs[i] = err
			if res != nil {
				hashes[i] = res.TxHash
			}
		}(i, actor)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: Release failed: %v", i, errs[i])
		}
		if hashes[i] != hashes[0] {
			t.Fatalf("caller %d saw hash %s, caller 0 saw %s", i, hashes[i], hashes[0])
		}
	}
	if n := ledger.transferCount(); n != 1 {
		t.Fatalf("expected exactly 1 transfer, got %d", n)
	}
	if n := ledger.attempts.Load(); n != 1 {
		t.Fatalf("expected exactly 1 ledger call, got %d", n)
	}
}

func TestEscrow_DisputeAfterRelease(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	esc := createEscrow(t, svc, arbiterAddr)
	mustApprove(t, svc, esc.ID, buyer, seller)
	if _, err := svc.Release(ctx, esc.ID, seller); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	before, _ := store.Get(ctx, esc.ID)

	_, err := svc.RaiseDispute(ctx, esc.ID, buyer)
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected StateConflict, got %v", err)
	}
	if KindOf(err) != KindStateConflict {
		t.Errorf("KindOf = %s", KindOf(err))
	}

	after, _ := store.Get(ctx, esc.ID)
	if after.DisputeRaised || after.Version != before.Version {
		t.Error("rejected dispute must leave the record unchanged")
	}
}

func TestEscrow_ApproveIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService()
	events := &recordingEmitter{}
	svc.WithEvents(events)
	ctx := context.Background()

	esc := createEscrow(t, svc, "")
	first, err := svc.Approve(ctx, esc.ID, buyer)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	second, err := svc.Approve(ctx, esc.ID, buyer)
	if err != nil {
		t.Fatalf("repeat Approve failed: %v", err)
	}
	if !second.BuyerApproved || second.SellerApproved {
		t.Errorf("unexpected flags: %+v", second)
	}
	if second.Version != first.Version {
		t.Errorf("repeat approval should not write: version %d -> %d", first.Version, second.Version)
	}
	if n := len(events.types()); n != 2 {
		t.Errorf("expected created+approved events only, got %d", n)
	}
}

func TestEscrow_ConcurrentApprovals(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		esc := createEscrow(t, svc, "")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, a := range []Actor{buyer, seller} {
			wg.Add(1)
			go func(j int, a Actor) {
				defer wg.Done()
				_, errs[j] = svc.Approve(ctx, esc.ID, a)
			}(j, a)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				t.Fatalf("iteration %d: Approve failed: %v", i, err)
			}
		}
		got, _ := store.Get(ctx, esc.ID)
		if !got.BuyerApproved || !got.SellerApproved {
			t.Fatalf("iteration %d: lost an approval: %+v", i, got)
		}
		if !IsReleaseReady(got) {
			t.Fatalf("iteration %d: expected release-ready", i)
		}
	}
}

func TestEscrow_ReleaseRequiresEligibility(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()

	esc := createEscrow(t, svc, arbiterAddr)
	if _, err := svc.Release(ctx, esc.ID, buyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected StateConflict with no approvals, got %v", err)
	}

	mustApprove(t, svc, esc.ID, buyer)
	if _, err := svc.Release(ctx, esc.ID, buyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected StateConflict with one approval, got %v", err)
	}

	mustApprove(t, svc, esc.ID, seller)
	if _, err := svc.RaiseDispute(ctx, esc.ID, buyer); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}
	if _, err := svc.Release(ctx, esc.ID, seller); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected StateConflict while disputed, got %v", err)
	}

	if n := ledger.attempts.Load(); n != 0 {
		t.Fatalf("ineligible releases must not reach the ledger, got %d calls", n)
	}
}

func TestEscrow_RepeatReleaseReturnsSameHash(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()

	esc := createEscrow(t, svc, "")
	mustApprove(t, svc, esc.ID, buyer, seller)

	first, err := svc.Release(ctx, esc.ID, buyer)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	second, err := svc.Release(ctx, esc.ID, seller)
	if err != nil {
		t.Fatalf("repeat Release failed: %v", err)
	}
	if first.TxHash != second.TxHash {
		t.Errorf("hash changed: %s vs %s", first.TxHash, second.TxHash)
	}
	if ledger.transferCount() != 1 {
		t.Errorf("expected 1 transfer, got %d", ledger.transferCount())
	}
	if _, err := svc.Approve(ctx, esc.ID, buyer); !errors.Is(err, ErrStateConflict) {
		t.Errorf("approve after release: expected StateConflict, got %v", err)
	}
}

func TestEscrow_LedgerFailureClearsIntent(t *testing.T) {
	svc, store, ledger := newTestService()
	ctx := context.Background()

	esc := createEscrow(t, svc, "")
	mustApprove(t, svc, esc.ID, buyer, seller)

	ledger.setTransferErr(errors.New("network rejected transaction"))
	_, err := svc.Release(ctx, esc.ID, buyer)
	if !errors.Is(err, ErrLedger) {
		t.Fatalf("expected LedgerError, got %v", err)
	}
	if IsIndeterminate(err) {
		t.Fatal("definite failure reported as indeterminate")
	}

	got, _ := store.Get(ctx, esc.ID)
	if got.FundsReleased || got.PayoutPending {
		t.Fatalf("failed release must leave funds locked and no intent: %+v", got)
	}

	ledger.setTransferErr(nil)
	res, err := svc.Release(ctx, esc.ID, buyer)
	if err != nil {
		t.Fatalf("retry after ledger failure: %v", err)
	}
	if res.TxHash == "" || ledger.transferCount() != 1 {
		t.Fatalf("expected one successful transfer, got %d", ledger.transferCount())
	}
}

func TestEscrow_IndeterminateLedgerOutcomeIsResumed(t *testing.T) {
	svc, store, ledger := newTestService()
	svc.WithConfig(Config{
		MaxAttempts:      50,
		BaseDelay:        time.Millisecond,
		LedgerTimeout:    time.Second,
		PayoutStaleAfter: 200 * time.Millisecond,
		PayoutWait:       time.Second,
	})
	ctx := context.Background()

	esc := createEscrow(t, svc, "")
	mustApprove(t, svc, esc.ID, buyer, seller)

	// The transfer lands but the reply times out.
	ledger.applyThenFail = true
	ledger.setTransferErr(context.DeadlineExceeded)
	_, err := svc.Release(ctx, esc.ID, buyer)
	if !errors.Is(err, ErrPayoutIndeterminate) || !errors.Is(err, ErrLedger) {
		t.Fatalf("expected indeterminate ledger error, got %v", err)
	}

	got, _ := store.Get(ctx, esc.ID)
	if !got.PayoutPending || got.FundsReleased {
		t.Fatalf("intent must survive an unknown outcome: %+v", got)
	}

	// Not stale yet: nothing to do.
	if res, err := svc.ResumePayout(ctx, esc.ID); err != nil || res != nil {
		t.Fatalf("ResumePayout on fresh intent = (%v, %v)", res, err)
	}

	time.Sleep(250 * time.Millisecond)
	ledger.setTransferErr(nil)
	res, err := svc.ResumePayout(ctx, esc.ID)
	if err != nil {
		t.Fatalf("ResumePayout failed: %v", err)
	}
	if res == nil || res.TxHash == "" {
		t.Fatal("expected committed payout")
	}

	if n := ledger.transferCount(); n != 1 {
		t.Fatalf("replayed key must not move funds twice, got %d transfers", n)
	}
	got, _ = store.Get(ctx, esc.ID)
	if !got.FundsReleased || got.TxHash != res.TxHash {
		t.Fatalf("record not committed: %+v", got)
	}
}

func TestEscrow_CreateValidation(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"zero amount", CreateRequest{Buyer: buyerAddr, Seller: sellerAddr}},
		{"missing seller", CreateRequest{Buyer: buyerAddr, Amount: 1}},
		{"buyer is seller", CreateRequest{Buyer: buyerAddr, Seller: buyerAddr, Amount: 1}},
		{"arbiter is buyer", CreateRequest{Buyer: buyerAddr, Seller: sellerAddr, Arbiter: buyerAddr, Amount: 1}},
		{"amount overflows storage", CreateRequest{Buyer: buyerAddr, Seller: sellerAddr, Amount: 1 << 63}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.req)
			if KindOf(err) != KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if len(ledger.locks) != 0 {
		t.Fatal("invalid requests must not lock funds")
	}
}

func TestEscrow_CreateLockFailurePersistsNothing(t *testing.T) {
	svc, store, ledger := newTestService()
	ledger.lockErr = errors.New("insufficient funds")
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Buyer: buyerAddr, Seller: sellerAddr, Amount: 5})
	if KindOf(err) != KindLedger {
		t.Fatalf("expected ledger error, got %v", err)
	}

	page, err := svc.List(ctx, buyerAddr, RoleBuyer, "", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if page.Count != 0 || len(store.escrows) != 0 {
		t.Fatal("no escrow should be recorded when the lock fails")
	}
}

func TestEscrow_Authorization(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	esc := createEscrow(t, svc, arbiterAddr)

	stranger := Actor{Addr: "MALLORYADDR", Role: RoleBuyer}
	sellerAsBuyer := Actor{Addr: sellerAddr, Role: RoleBuyer}

	cases := []struct {
		name string
		call func() error
	}{
		{"stranger approves", func() error { _, err := svc.Approve(ctx, esc.ID, stranger); return err }},
		{"seller claims buyer role", func() error { _, err := svc.Approve(ctx, esc.ID, sellerAsBuyer); return err }},
		{"arbiter approves", func() error { _, err := svc.Approve(ctx, esc.ID, arbiter); return err }},
		{"arbiter raises dispute", func() error { _, err := svc.RaiseDispute(ctx, esc.ID, arbiter); return err }},
		{"buyer resolves", func() error {
			_, err := svc.ResolveDispute(ctx, esc.ID, Actor{Addr: buyerAddr, Role: RoleBuyer}, PartyBuyer)
			return err
		}},
		{"impostor arbiter", func() error {
			_, err := svc.ResolveDispute(ctx, esc.ID, Actor{Addr: sellerAddr, Role: RoleArbiter}, PartySeller)
			return err
		}},
		{"seller cancels", func() error { _, err := svc.Cancel(ctx, esc.ID, seller); return err }},
		{"stranger releases", func() error { _, err := svc.Release(ctx, esc.ID, stranger); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestEscrow_MatchesAddressCaseInsensitively(t *testing.T) {
	svc, _, _ := newTestService()
	esc := createEscrow(t, svc, "")

	lower := Actor{Addr: "buyer7zueca7hflztxenrv24shlu4avputmttdufubnbd64c73f3uhrth", Role: RoleBuyer}
	if _, err := svc.Approve(context.Background(), esc.ID, lower); err != nil {
		t.Fatalf("Approve with lowercased address failed: %v", err)
	}
}

func TestEscrow_DisputeRules(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	noArbiter := createEscrow(t, svc, "")
	if _, err := svc.RaiseDispute(ctx, noArbiter.ID, buyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("dispute without arbiter: expected StateConflict, got %v", err)
	}

	esc := createEscrow(t, svc, arbiterAddr)
	if _, err := svc.ResolveDispute(ctx, esc.ID, arbiter, PartySeller); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("resolve without dispute: expected StateConflict, got %v", err)
	}

	first, err := svc.RaiseDispute(ctx, esc.ID, buyer)
	if err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}
	again, err := svc.RaiseDispute(ctx, esc.ID, seller)
	if err != nil {
		t.Fatalf("second RaiseDispute should be a no-op, got %v", err)
	}
	if again.Version != first.Version || again.DisputeRaisedBy != RoleBuyer {
		t.Errorf("second dispute must not overwrite the first: %+v", again)
	}

	if _, err := svc.ResolveDispute(ctx, esc.ID, arbiter, PartySeller); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if _, err := svc.ResolveDispute(ctx, esc.ID, arbiter, PartySeller); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("repeating the ruling: expected StateConflict, got %v", err)
	}
	if _, err := svc.ResolveDispute(ctx, esc.ID, arbiter, PartyBuyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("changing the ruling: expected StateConflict, got %v", err)
	}
	if _, err := svc.ResolveDispute(ctx, esc.ID, arbiter, PartyNone); KindOf(err) != KindValidation {
		t.Fatalf("empty ruling: expected validation error, got %v", err)
	}
}

func TestEscrow_Cancel(t *testing.T) {
	svc, store, ledger := newTestService()
	events := &recordingEmitter{}
	svc.WithEvents(events)
	ctx := context.Background()

	esc := createEscrow(t, svc, arbiterAddr)
	mustApprove(t, svc, esc.ID, buyer)

	res, err := svc.Cancel(ctx, esc.ID, buyer)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if res.Recipient != buyerAddr || res.TxHash == "" {
		t.Errorf("unexpected cancel result %+v", res)
	}
	if len(ledger.refunds) != 1 || ledger.refunds[0].key != esc.ID+":refund" {
		t.Fatalf("expected one refund keyed by escrow, got %+v", ledger.refunds)
	}

	got, _ := store.Get(ctx, esc.ID)
	if got.State() != StateCancelled || !got.FundsReleased || !got.Cancelled {
		t.Errorf("expected cancelled record, got %+v", got)
	}

	// Cancel is idempotent; release after cancel is not possible.
	again, err := svc.Cancel(ctx, esc.ID, buyer)
	if err != nil || again.TxHash != res.TxHash {
		t.Fatalf("repeat Cancel = (%+v, %v)", again, err)
	}
	if _, err := svc.Release(ctx, esc.ID, buyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("release after cancel: expected StateConflict, got %v", err)
	}
	if types := events.types(); types[len(types)-1] != EventCancelled {
		t.Errorf("expected cancelled event last, got %v", types)
	}
}

func TestEscrow_CancelBlockedAfterSellerCommits(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()

	approved := createEscrow(t, svc, "")
	mustApprove(t, svc, approved.ID, seller)
	if _, err := svc.Cancel(ctx, approved.ID, buyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("cancel after seller approval: expected StateConflict, got %v", err)
	}

	disputed := createEscrow(t, svc, arbiterAddr)
	if _, err := svc.RaiseDispute(ctx, disputed.ID, buyer); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}
	if _, err := svc.Cancel(ctx, disputed.ID, buyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("cancel while disputed: expected StateConflict, got %v", err)
	}
	if len(ledger.refunds) != 0 {
		t.Fatal("blocked cancels must not refund")
	}
}

func TestEscrow_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Approve(ctx, "esc_missing", buyer); KindOf(err) != KindNotFound {
		t.Errorf("Approve: expected not_found, got %v", err)
	}
	if _, err := svc.Release(ctx, "esc_missing", buyer); KindOf(err) != KindNotFound {
		t.Errorf("Release: expected not_found, got %v", err)
	}
}

func TestEscrow_ListAndPending(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, createEscrow(t, svc, arbiterAddr).ID)
		time.Sleep(2 * time.Millisecond)
	}
	mustApprove(t, svc, ids[0], buyer)
	mustApprove(t, svc, ids[1], buyer)
	if _, err := svc.RaiseDispute(ctx, ids[2], seller); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}

	pending, err := svc.ListPending(ctx, buyerAddr, RoleBuyer, "", 0)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if pending.Count != 3 {
		t.Fatalf("expected 3 escrows awaiting buyer approval, got %d", pending.Count)
	}

	arb, err := svc.ListPending(ctx, arbiterAddr, RoleArbiter, "", 0)
	if err != nil {
		t.Fatalf("ListPending(arbiter) failed: %v", err)
	}
	if arb.Count != 1 || arb.Escrows[0].ID != ids[2] {
		t.Fatalf("expected the disputed escrow for the arbiter, got %+v", arb.Escrows)
	}

	page1, err := svc.List(ctx, sellerAddr, RoleSeller, "", 3)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if page1.Count != 3 || !page1.HasMore || page1.Escrows[0].ID != ids[4] {
		t.Fatalf("unexpected first page: count=%d more=%v", page1.Count, page1.HasMore)
	}
	page2, err := svc.List(ctx, sellerAddr, RoleSeller, page1.NextCursor, 3)
	if err != nil {
		t.Fatalf("List page 2 failed: %v", err)
	}
	if page2.Count != 2 || page2.HasMore || page2.Escrows[1].ID != ids[0] {
		t.Fatalf("unexpected second page: count=%d more=%v", page2.Count, page2.HasMore)
	}

	if _, err := svc.List(ctx, sellerAddr, RoleSeller, "garbage!", 3); KindOf(err) != KindValidation {
		t.Fatalf("bad cursor: expected validation error, got %v", err)
	}
}

func TestEmitters_FanOut(t *testing.T) {
	svc, _, _ := newTestService()
	first, second := &recordingEmitter{}, &recordingEmitter{}
	svc.WithEvents(Emitters{first, nil, second})

	createEscrow(t, svc, "")

	for _, r := range []*recordingEmitter{first, second} {
		if got := r.types(); len(got) != 1 || got[0] != EventCreated {
			t.Fatalf("expected [%s], got %v", EventCreated, got)
		}
	}
}
