package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/holdfast/internal/circuitbreaker"
	"github.com/mbd888/holdfast/internal/metrics"
	"github.com/mbd888/holdfast/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// FundsLedger is the three-call contract the escrow engine depends on.
type FundsLedger interface {
	Lock(ctx context.Context, owner string, amount uint64, idempotencyKey string) (string, error)
	Transfer(ctx context.Context, lockRef, recipient, idempotencyKey string) (string, error)
	Refund(ctx context.Context, lockRef, recipient, idempotencyKey string) (string, error)
}

// IndeterminateError is returned when a call may or may not have taken
// effect, typically a timeout after the request was sent. Callers must
// replay the same idempotency key to learn the outcome.
type IndeterminateError struct {
	Op  string
	Err error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("ledger %s outcome unknown: %v", e.Op, e.Err)
}

func (e *IndeterminateError) Unwrap() error { return e.Err }

// Indeterminate marks the error as an unknown outcome.
func (e *IndeterminateError) Indeterminate() bool { return true }

// Guarded wraps a FundsLedger with a per-call timeout, a circuit breaker,
// latency metrics and tracing. Business rejections such as insufficient
// balance pass through without counting against the breaker.
type Guarded struct {
	next    FundsLedger
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	logger  *slog.Logger
}

// NewGuarded wraps next. A zero timeout leaves deadlines to the caller.
func NewGuarded(next FundsLedger, breaker *circuitbreaker.Breaker, timeout time.Duration, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{next: next, breaker: breaker, timeout: timeout, logger: logger}
}

func (g *Guarded) Lock(ctx context.Context, owner string, amount uint64, key string) (string, error) {
	return g.call(ctx, "lock", key, func(ctx context.Context) (string, error) {
		return g.next.Lock(ctx, owner, amount, key)
	}, traces.Amount(amount))
}

func (g *Guarded) Transfer(ctx context.Context, lockRef, recipient, key string) (string, error) {
	return g.call(ctx, "transfer", key, func(ctx context.Context) (string, error) {
		return g.next.Transfer(ctx, lockRef, recipient, key)
	}, traces.LockRef(lockRef))
}

func (g *Guarded) Refund(ctx context.Context, lockRef, recipient, key string) (string, error) {
	return g.call(ctx, "refund", key, func(ctx context.Context) (string, error) {
		return g.next.Refund(ctx, lockRef, recipient, key)
	}, traces.LockRef(lockRef))
}

func (g *Guarded) call(ctx context.Context, op, key string, fn func(context.Context) (string, error), attrs ...attribute.KeyValue) (string, error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+op, append(attrs, traces.IdempotencyKey(key))...)
	defer span.End()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		out     string
		callErr error
	)
	err := g.breaker.Do(op, func() error {
		out, callErr = fn(ctx)
		if isUnavailable(callErr) {
			return callErr
		}
		return nil
	})
	if err == nil {
		err = callErr
	}

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrOpen):
		outcome = "circuit_open"
		err = fmt.Errorf("ledger %s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "indeterminate"
		err = &IndeterminateError{Op: op, Err: err}
	case isUnavailable(err):
		outcome = "unavailable"
	default:
		outcome = "rejected"
	}
	metrics.LedgerCallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		traces.RecordError(span, err)
		g.logger.Warn("ledger call failed", "op", op, "key", key, "outcome", outcome, "error", err)
		return "", err
	}
	return out, nil
}

// isUnavailable reports whether err reflects the ledger's health rather
// than a decision about this particular request.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	for _, business := range []error{
		ErrInsufficientBalance, ErrInvalidAmount, ErrHoldNotFound,
		ErrHoldSettled, ErrNotOwner, ErrKeyReused, ErrMissingKey,
		context.Canceled,
	} {
		if errors.Is(err, business) {
			return false
		}
	}
	return true
}
