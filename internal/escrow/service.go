package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mbd888/holdfast/internal/idgen"
	"github.com/mbd888/holdfast/internal/metrics"
	"github.com/mbd888/holdfast/internal/pagination"
	"github.com/mbd888/holdfast/internal/retry"
	"github.com/mbd888/holdfast/internal/traces"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxMemoLength    = 1024
	maxPayoutPoll    = 250 * time.Millisecond
	maxLockReplays   = 3
)

// Config tunes the service's concurrency behaviour.
type Config struct {
	// MaxAttempts bounds load-validate-update cycles lost to concurrent writers.
	MaxAttempts int
	// BaseDelay is the first backoff between attempts; it doubles each retry.
	BaseDelay time.Duration
	// LedgerTimeout bounds each ledger call. A timeout is an unknown outcome.
	LedgerTimeout time.Duration
	// PayoutStaleAfter is how long an uncommitted payout intent is trusted to
	// its owner before another caller or the reconciler re-drives it.
	PayoutStaleAfter time.Duration
	// PayoutWait bounds how long a caller waits on another caller's
	// in-flight payout before giving up with a conflict.
	PayoutWait time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      8,
		BaseDelay:        5 * time.Millisecond,
		LedgerTimeout:    30 * time.Second,
		PayoutStaleAfter: 2 * time.Minute,
		PayoutWait:       35 * time.Second,
	}
}

// Service implements the escrow state machine. It holds no locks: each
// transition is a load-validate-conditional-update cycle against the store,
// and ledger calls happen between store writes, never inside one.
type Service struct {
	store  Store
	ledger FundsLedger
	events EventEmitter
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, ledger FundsLedger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		logger: slog.Default(),
		cfg:    DefaultConfig(),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// WithEvents sets the emitter notified after every committed transition.
// Use Emitters to notify more than one.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithConfig overrides the defaults. Zero fields keep their default.
func (s *Service) WithConfig(cfg Config) *Service {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = def.LedgerTimeout
	}
	if cfg.PayoutStaleAfter <= 0 {
		cfg.PayoutStaleAfter = def.PayoutStaleAfter
	}
	if cfg.PayoutWait <= 0 {
		cfg.PayoutWait = def.PayoutWait
	}
	s.cfg = cfg
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Create locks the buyer's funds and records a new escrow. Nothing is
// persisted if the lock fails.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Amount(req.Amount))
	defer span.End()
	defer func() { s.observe(span, "create", err) }()

	req.Buyer = strings.TrimSpace(req.Buyer)
	req.Seller = strings.TrimSpace(req.Seller)
	req.Arbiter = strings.TrimSpace(req.Arbiter)
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	id := idgen.WithPrefix("esc_")
	span.SetAttributes(traces.EscrowID(id))

	lockRef, err := s.lock(ctx, id, req)
	if err != nil {
		return nil, fmt.Errorf("%w: lock funds: %w", ErrLedger, err)
	}

	now := s.now()
	e := &Escrow{
		ID:        id,
		Buyer:     req.Buyer,
		Seller:    req.Seller,
		Arbiter:   req.Arbiter,
		Amount:    req.Amount,
		Memo:      req.Memo,
		LockRef:   lockRef,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		// Give the hold back; the record that would own it does not exist.
		if _, refundErr := s.callLedger(ctx, func(lctx context.Context) (string, error) {
			return s.ledger.Refund(lctx, lockRef, req.Buyer, payoutKey(id, PayoutRefund))
		}); refundErr != nil {
			s.logger.Error("CRITICAL: failed to refund lock after escrow persist failure",
				"escrow", id, "lock_ref", lockRef, "buyer", req.Buyer, "amount", req.Amount,
				"persist_error", err, "refund_error", refundErr)
		}
		return nil, fmt.Errorf("persist escrow: %w", err)
	}

	metrics.EscrowAmountTotal.WithLabelValues("locked").Add(float64(req.Amount))
	s.emit(ctx, EventCreated, e, Actor{Addr: req.Buyer, Role: RoleBuyer})
	s.logger.Info("escrow created", "escrow", id, "buyer", e.Buyer, "seller", e.Seller, "amount", e.Amount)
	return e, nil
}

// lock places the buyer's hold. A lock that timed out may still have landed,
// so it is replayed with the same key until the ledger answers definitely.
func (s *Service) lock(ctx context.Context, id string, req CreateRequest) (string, error) {
	var ref string
	err := retry.Do(context.WithoutCancel(ctx), maxLockReplays, s.cfg.BaseDelay, func() error {
		r, err := s.callLedger(ctx, func(lctx context.Context) (string, error) {
			return s.ledger.Lock(lctx, req.Buyer, req.Amount, lockKey(id))
		})
		if err != nil {
			if IsIndeterminate(err) {
				return err
			}
			return retry.Permanent(err)
		}
		ref = r
		return nil
	})
	if err != nil && IsIndeterminate(err) {
		s.logger.Error("CRITICAL: lock outcome unknown after replays; hold may need manual release",
			"escrow", id, "lock_key", lockKey(id), "buyer", req.Buyer, "amount", req.Amount, "error", err)
	}
	return ref, err
}

// Approve records the actor's approval. Approving twice is a no-op.
func (s *Service) Approve(ctx context.Context, id string, actor Actor) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Approve", traces.EscrowID(id), traces.Role(actor.Role.String()))
	defer span.End()
	defer func() { s.observe(span, "approve", err) }()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if actor.Role != RoleBuyer && actor.Role != RoleSeller {
		return nil, fmt.Errorf("%w: only the buyer or seller can approve", ErrUnauthorized)
	}

	e, changed, err := s.update(ctx, "approve", id, func(e *Escrow) (bool, error) {
		if !actor.matches(e) {
			return false, fmt.Errorf("%w: caller is not the %s", ErrUnauthorized, actor.Role)
		}
		if e.FundsReleased {
			return false, fmt.Errorf("%w: funds already released", ErrStateConflict)
		}
		if !CanApprove(e, actor.Role) {
			return false, nil
		}
		if e.PayoutPending {
			return false, fmt.Errorf("%w: payout in progress", ErrStateConflict)
		}
		ApplyApproval(e, actor.Role)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.emit(ctx, EventApproved, e, actor)
	}
	return e, nil
}

// RaiseDispute flags the escrow as disputed. Repeating it is a no-op.
func (s *Service) RaiseDispute(ctx context.Context, id string, actor Actor) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RaiseDispute", traces.EscrowID(id), traces.Role(actor.Role.String()))
	defer span.End()
	defer func() { s.observe(span, "dispute", err) }()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if actor.Role != RoleBuyer && actor.Role != RoleSeller {
		return nil, fmt.Errorf("%w: only the buyer or seller can raise a dispute", ErrUnauthorized)
	}

	e, changed, err := s.update(ctx, "dispute", id, func(e *Escrow) (bool, error) {
		if !actor.matches(e) {
			return false, fmt.Errorf("%w: caller is not the %s", ErrUnauthorized, actor.Role)
		}
		switch {
		case e.FundsReleased:
			return false, fmt.Errorf("%w: funds already released", ErrStateConflict)
		case e.DisputeRaised:
			return false, nil
		case !e.HasArbiter():
			return false, fmt.Errorf("%w: escrow has no arbiter", ErrStateConflict)
		case !CanRaiseDispute(e):
			return false, fmt.Errorf("%w: payout in progress", ErrStateConflict)
		}
		ApplyDispute(e, actor.Role, s.now())
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.emit(ctx, EventDisputeRaised, e, actor)
		s.logger.Info("escrow disputed", "escrow", id, "by", actor.Role.String())
	}
	return e, nil
}

// ResolveDispute records the arbiter's decision. It moves no funds; a
// subsequent Release pays the deserving party. Resolution is one-time: any
// further attempt is a conflict.
func (s *Service) ResolveDispute(ctx context.Context, id string, actor Actor, party Party) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.EscrowID(id), traces.Role(actor.Role.String()))
	defer span.End()
	defer func() { s.observe(span, "resolve", err) }()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if party != PartyBuyer && party != PartySeller {
		return nil, fmt.Errorf("%w: deserving party must be buyer or seller", ErrValidation)
	}
	if actor.Role != RoleArbiter {
		return nil, fmt.Errorf("%w: only the arbiter can resolve a dispute", ErrUnauthorized)
	}

	e, changed, err := s.update(ctx, "resolve", id, func(e *Escrow) (bool, error) {
		if !actor.matches(e) {
			return false, fmt.Errorf("%w: caller is not the arbiter", ErrUnauthorized)
		}
		switch {
		case e.FundsReleased:
			return false, fmt.Errorf("%w: funds already released", ErrStateConflict)
		case !e.DisputeRaised:
			return false, fmt.Errorf("%w: no dispute has been raised", ErrStateConflict)
		case !CanResolve(e, actor.Role):
			return false, fmt.Errorf("%w: dispute already resolved in favour of %s", ErrStateConflict, e.Resolution)
		}
		ApplyResolution(e, party, s.now())
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.emit(ctx, EventDisputeResolved, e, actor)
		s.logger.Info("escrow dispute resolved", "escrow", id, "resolution", party.String())
	}
	return e, nil
}

// Release pays the locked funds out: to the seller after mutual approval,
// or to the deserving party after arbitration. Funds move at most once;
// concurrent and repeated calls all observe the same transaction hash.
func (s *Service) Release(ctx context.Context, id string, actor Actor) (_ *ReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id), traces.Role(actor.Role.String()))
	defer span.End()
	defer func() { s.observe(span, "release", err) }()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	return s.payout(ctx, id, &actor, PayoutRelease)
}

// Cancel refunds the buyer before the seller has committed. Only the buyer
// may cancel, and not once a dispute exists.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor) (_ *ReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.EscrowID(id), traces.Role(actor.Role.String()))
	defer span.End()
	defer func() { s.observe(span, "cancel", err) }()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if actor.Role != RoleBuyer {
		return nil, fmt.Errorf("%w: only the buyer can cancel", ErrUnauthorized)
	}
	return s.payout(ctx, id, &actor, PayoutRefund)
}

// ResumePayout re-drives a payout intent whose owner never committed an
// outcome. It returns (nil, nil) when there is nothing to resume yet.
func (s *Service) ResumePayout(ctx context.Context, id string) (_ *ReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResumePayout", traces.EscrowID(id))
	defer span.End()
	defer func() { s.observe(span, "resume", err) }()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case e.FundsReleased:
		return resultOf(e), nil
	case !e.PayoutPending || !s.isStale(e):
		return nil, nil
	}
	claimed, err := s.takeOver(ctx, e)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("resuming stale payout", "escrow", id, "kind", string(claimed.PayoutKind))
	return s.drive(ctx, claimed, nil)
}

// StalePayouts lists escrows whose payout intent has outlived
// PayoutStaleAfter without a committed outcome.
func (s *Service) StalePayouts(ctx context.Context, limit int) ([]*Escrow, error) {
	return s.store.ListStalePayouts(ctx, s.now().Add(-s.cfg.PayoutStaleAfter), limit)
}

// Get returns a snapshot of an escrow.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// Page is one page of a listing.
type Page struct {
	Escrows    []*Escrow `json:"escrows"`
	Count      int       `json:"count"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// List returns escrows in which addr acts as role, newest first.
func (s *Service) List(ctx context.Context, addr string, role Role, cursor string, limit int) (*Page, error) {
	return s.list(ctx, ListQuery{Addr: addr, Role: role}, cursor, limit)
}

// ListPending returns escrows still waiting on addr acting as role: an
// approval from the buyer or seller, or a ruling from the arbiter.
func (s *Service) ListPending(ctx context.Context, addr string, role Role, cursor string, limit int) (*Page, error) {
	return s.list(ctx, ListQuery{Addr: addr, Role: role, PendingOnly: true}, cursor, limit)
}

func (s *Service) list(ctx context.Context, q ListQuery, cursor string, limit int) (*Page, error) {
	q.Addr = strings.TrimSpace(q.Addr)
	if q.Addr == "" {
		return nil, fmt.Errorf("%w: address is required", ErrValidation)
	}
	if !q.Role.valid() {
		return nil, fmt.Errorf("%w: invalid role", ErrValidation)
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	q.After = after
	q.Limit = limit + 1

	items, err := s.store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if items == nil {
		items = []*Escrow{}
	}
	return &Page{Escrows: items, Count: len(items), NextCursor: next, HasMore: more}, nil
}

// errUnchanged aborts a conditional update whose mutation turned out to be a no-op.
var errUnchanged = errors.New("escrow unchanged")

// update runs a load-validate-conditional-update cycle, retrying with
// backoff when a concurrent writer wins. apply reports whether it changed
// the record; returning false commits nothing and yields the snapshot.
func (s *Service) update(ctx context.Context, op, id string, apply func(*Escrow) (bool, error)) (*Escrow, bool, error) {
	var (
		result  *Escrow
		changed bool
	)
	err := retry.Do(ctx, s.cfg.MaxAttempts, s.cfg.BaseDelay, func() error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		updated, err := s.store.ConditionalUpdate(ctx, id, current.Version, func(e *Escrow) error {
			ok, err := apply(e)
			if err != nil {
				return err
			}
			if !ok {
				return errUnchanged
			}
			e.UpdatedAt = s.now()
			return nil
		})
		switch {
		case errors.Is(err, errUnchanged):
			result, changed = current, false
			return nil
		case errors.Is(err, ErrVersionConflict):
			metrics.EscrowVersionConflictsTotal.WithLabelValues(op).Inc()
			return err
		case err != nil:
			return retry.Permanent(err)
		}
		result, changed = updated, true
		return nil
	})
	if errors.Is(err, ErrVersionConflict) {
		return nil, false, fmt.Errorf("%w: escrow %s kept changing, gave up after %d attempts", ErrStateConflict, id, s.cfg.MaxAttempts)
	}
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

// errPayoutBusy means another caller owns an in-flight payout and its
// outcome should be awaited.
var errPayoutBusy = errors.New("payout in progress")

// payout moves the locked funds out exactly once.
//
// The first caller to find the escrow eligible records a payout intent with
// a conditional update; only that caller talks to the ledger. Everyone else
// waits for the intent to commit and returns the same transaction hash. A
// definite ledger failure clears the intent; an unknown outcome leaves it
// for ResumePayout, which replays the same idempotency key.
func (s *Service) payout(ctx context.Context, id string, actor *Actor, kind PayoutKind) (*ReleaseResult, error) {
	deadline := time.Now().Add(s.cfg.PayoutWait)
	backoff := retry.Backoff{Base: s.cfg.BaseDelay, Max: maxPayoutPoll}
	conflicts := 0
	for {
		res, err := s.tryPayout(ctx, id, actor, kind)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, ErrVersionConflict):
			metrics.EscrowVersionConflictsTotal.WithLabelValues(string(kind)).Inc()
			if conflicts++; conflicts >= s.cfg.MaxAttempts {
				return nil, fmt.Errorf("%w: escrow %s kept changing, gave up after %d attempts", ErrStateConflict, id, conflicts)
			}
		case errors.Is(err, errPayoutBusy):
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("%w: payout for escrow %s still in progress", ErrStateConflict, id)
			}
		default:
			return nil, err
		}
		if err := backoff.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *Service) tryPayout(ctx context.Context, id string, actor *Actor, kind PayoutKind) (*ReleaseResult, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != nil && !actor.matches(e) {
		return nil, fmt.Errorf("%w: caller is not the %s", ErrUnauthorized, actor.Role)
	}

	switch {
	case e.FundsReleased:
		if e.Cancelled != (kind == PayoutRefund) {
			return nil, fmt.Errorf("%w: escrow already %s", ErrStateConflict, e.State())
		}
		return resultOf(e), nil

	case e.PayoutPending:
		if e.PayoutKind != kind {
			return nil, fmt.Errorf("%w: a %s is already in progress", ErrStateConflict, e.PayoutKind)
		}
		if !s.isStale(e) {
			return nil, errPayoutBusy
		}
		claimed, err := s.takeOver(ctx, e)
		if err != nil {
			return nil, err
		}
		return s.drive(ctx, claimed, actor)
	}

	if err := checkPayoutEligible(e, kind); err != nil {
		return nil, err
	}

	reserved, err := s.store.ConditionalUpdate(ctx, id, e.Version, func(e *Escrow) error {
		now := s.now()
		e.PayoutPending = true
		e.PayoutKind = kind
		e.PayoutStartedAt = &now
		e.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.drive(ctx, reserved, actor)
}

func checkPayoutEligible(e *Escrow, kind PayoutKind) error {
	switch kind {
	case PayoutRelease:
		if IsReleaseEligible(e) {
			return nil
		}
		if e.DisputeRaised {
			return fmt.Errorf("%w: dispute awaiting arbiter resolution", ErrStateConflict)
		}
		return fmt.Errorf("%w: both buyer and seller must approve before release", ErrStateConflict)
	case PayoutRefund:
		if e.DisputeRaised {
			return fmt.Errorf("%w: disputed escrow cannot be cancelled", ErrStateConflict)
		}
		if e.SellerApproved {
			return fmt.Errorf("%w: seller has already approved", ErrStateConflict)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown payout kind %q", ErrValidation, kind)
}

// takeOver refreshes a stale intent so that exactly one caller re-drives it.
func (s *Service) takeOver(ctx context.Context, e *Escrow) (*Escrow, error) {
	kind := e.PayoutKind
	return s.store.ConditionalUpdate(ctx, e.ID, e.Version, func(e *Escrow) error {
		if !e.PayoutPending || e.PayoutKind != kind {
			return ErrVersionConflict
		}
		now := s.now()
		e.PayoutStartedAt = &now
		e.UpdatedAt = now
		return nil
	})
}

// drive performs the ledger call for a reserved intent and commits the outcome.
// Store writes after the call ignore caller cancellation: the funds may
// already have moved and the record must say so.
func (s *Service) drive(ctx context.Context, e *Escrow, actor *Actor) (*ReleaseResult, error) {
	key := payoutKey(e.ID, e.PayoutKind)
	recipient := e.Recipient()
	if e.PayoutKind == PayoutRefund {
		recipient = e.Buyer
	}

	ctx, span := traces.StartSpan(ctx, "escrow.payout",
		traces.EscrowID(e.ID), traces.LockRef(e.LockRef), traces.IdempotencyKey(key), traces.Amount(e.Amount))
	defer span.End()

	txHash, err := s.callLedger(ctx, func(lctx context.Context) (string, error) {
		if e.PayoutKind == PayoutRefund {
			return s.ledger.Refund(lctx, e.LockRef, recipient, key)
		}
		return s.ledger.Transfer(lctx, e.LockRef, recipient, key)
	})
	commitCtx := context.WithoutCancel(ctx)

	if err != nil {
		traces.RecordError(span, err)
		if IsIndeterminate(err) {
			s.logger.Warn("payout outcome unknown, leaving intent for reconciliation",
				"escrow", e.ID, "kind", string(e.PayoutKind), "key", key, "error", err)
			return nil, fmt.Errorf("%w: escrow %s: %w", ErrPayoutIndeterminate, e.ID, err)
		}
		if _, cerr := s.store.ConditionalUpdate(commitCtx, e.ID, e.Version, func(x *Escrow) error {
			x.PayoutPending = false
			x.PayoutKind = ""
			x.PayoutStartedAt = nil
			x.UpdatedAt = s.now()
			return nil
		}); cerr != nil {
			s.logger.Error("failed to clear payout intent after ledger failure",
				"escrow", e.ID, "ledger_error", err, "store_error", cerr)
		}
		return nil, fmt.Errorf("%w: %s escrow %s: %w", ErrLedger, e.PayoutKind, e.ID, err)
	}

	committed, err := s.commitPayout(commitCtx, e.ID, e.PayoutKind, txHash, recipient)
	if err != nil {
		s.logger.Error("CRITICAL: ledger payout succeeded but commit failed",
			"escrow", e.ID, "tx_hash", txHash, "key", key, "error", err)
		return nil, err
	}

	metrics.EscrowAmountTotal.WithLabelValues(string(e.PayoutKind)).Add(float64(e.Amount))
	metrics.EscrowDuration.Observe(committed.ReleasedAt.Sub(committed.CreatedAt).Seconds())
	evType := EventReleased
	if committed.Cancelled {
		evType = EventCancelled
	}
	emitActor := Actor{}
	if actor != nil {
		emitActor = *actor
	}
	s.emit(commitCtx, evType, committed, emitActor)
	s.logger.Info("escrow paid out", "escrow", e.ID, "kind", string(e.PayoutKind),
		"recipient", recipient, "amount", e.Amount, "tx_hash", txHash)
	return resultOf(committed), nil
}

// commitPayout marks the funds released. It retries version conflicts,
// which only arise when a stale-intent takeover raced this commit.
func (s *Service) commitPayout(ctx context.Context, id string, kind PayoutKind, txHash, recipient string) (*Escrow, error) {
	var committed *Escrow
	err := retry.Do(ctx, s.cfg.MaxAttempts, s.cfg.BaseDelay, func() error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		if current.FundsReleased {
			committed = current
			return nil
		}
		if !current.PayoutPending || current.PayoutKind != kind {
			return retry.Permanent(fmt.Errorf("%w: payout intent for escrow %s vanished before commit", ErrStateConflict, id))
		}
		updated, err := s.store.ConditionalUpdate(ctx, id, current.Version, func(e *Escrow) error {
			now := s.now()
			e.FundsReleased = true
			e.Cancelled = kind == PayoutRefund
			e.TxHash = txHash
			e.ReleasedTo = recipient
			e.ReleasedAt = &now
			e.PayoutPending = false
			e.PayoutStartedAt = nil
			e.UpdatedAt = now
			return nil
		})
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		committed = updated
		return nil
	})
	return committed, err
}

func (s *Service) isStale(e *Escrow) bool {
	return e.PayoutStartedAt == nil || s.now().Sub(*e.PayoutStartedAt) >= s.cfg.PayoutStaleAfter
}

// callLedger runs fn detached from the caller's cancellation and bounded by
// the ledger timeout. A request sent to the ledger is never abandoned midway.
func (s *Service) callLedger(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LedgerTimeout)
	defer cancel()
	return fn(lctx)
}

func (s *Service) emit(ctx context.Context, t EventType, e *Escrow, actor Actor) {
	if s.events == nil {
		return
	}
	s.events.EmitEscrowEvent(ctx, Event{
		Type:      t,
		Escrow:    e.Clone(),
		Actor:     actor.Addr,
		Role:      actor.Role,
		Timestamp: s.now(),
	})
}

// observe records the outcome of a public operation on its span and in metrics.
func (s *Service) observe(span trace.Span, op string, err error) {
	result := "ok"
	if err != nil {
		result = string(KindOf(err))
		traces.RecordError(span, err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(op, result).Inc()
}

func resultOf(e *Escrow) *ReleaseResult {
	return &ReleaseResult{
		EscrowID:  e.ID,
		TxHash:    e.TxHash,
		Recipient: e.ReleasedTo,
		Escrow:    e,
	}
}

func validateCreate(req CreateRequest) error {
	switch {
	case req.Buyer == "":
		return fmt.Errorf("%w: buyer address is required", ErrValidation)
	case req.Seller == "":
		return fmt.Errorf("%w: seller address is required", ErrValidation)
	case strings.EqualFold(req.Buyer, req.Seller):
		return fmt.Errorf("%w: buyer and seller must differ", ErrValidation)
	case req.Arbiter != "" && (strings.EqualFold(req.Arbiter, req.Buyer) || strings.EqualFold(req.Arbiter, req.Seller)):
		return fmt.Errorf("%w: arbiter must differ from buyer and seller", ErrValidation)
	case req.Amount == 0:
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	case req.Amount > math.MaxInt64:
		return fmt.Errorf("%w: amount exceeds maximum", ErrValidation)
	case len(req.Memo) > maxMemoLength:
		return fmt.Errorf("%w: memo exceeds %d bytes", ErrValidation, maxMemoLength)
	}
	return nil
}

func validateActor(a Actor) error {
	if strings.TrimSpace(a.Addr) == "" {
		return fmt.Errorf("%w: caller address is required", ErrValidation)
	}
	if !a.Role.valid() {
		return fmt.Errorf("%w: invalid role", ErrValidation)
	}
	return nil
}
