package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects the SQL flavour spoken by an SQLStore.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// SQLStore persists escrows through database/sql. Postgres (lib/pq) stores
// timestamps as TIMESTAMPTZ; SQLite (modernc) stores unix milliseconds.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewPostgresStore creates a PostgreSQL-backed escrow store. The schema is
// managed by the goose migrations in migrations/.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectPostgres}
}

// NewSQLiteStore creates a SQLite-backed escrow store. Call Migrate before use.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectSQLite}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS escrows (
	id                TEXT PRIMARY KEY,
	buyer_addr        TEXT NOT NULL,
	seller_addr       TEXT NOT NULL,
	arbiter_addr      TEXT NOT NULL DEFAULT '',
	amount            INTEGER NOT NULL CHECK (amount > 0),
	memo              TEXT NOT NULL DEFAULT '',
	lock_ref          TEXT NOT NULL,
	buyer_approved    INTEGER NOT NULL DEFAULT 0,
	seller_approved   INTEGER NOT NULL DEFAULT 0,
	dispute_raised    INTEGER NOT NULL DEFAULT 0,
	dispute_raised_by TEXT NOT NULL DEFAULT '',
	dispute_raised_at INTEGER,
	resolution        TEXT NOT NULL DEFAULT '',
	resolved_at       INTEGER,
	funds_released    INTEGER NOT NULL DEFAULT 0,
	cancelled         INTEGER NOT NULL DEFAULT 0,
	released_at       INTEGER,
	released_to       TEXT NOT NULL DEFAULT '',
	tx_hash           TEXT NOT NULL DEFAULT '',
	payout_pending    INTEGER NOT NULL DEFAULT 0,
	payout_kind       TEXT NOT NULL DEFAULT '',
	payout_started_at INTEGER,
	version           INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escrows_buyer ON escrows (buyer_addr COLLATE NOCASE, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_escrows_seller ON escrows (seller_addr COLLATE NOCASE, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_escrows_arbiter ON escrows (arbiter_addr COLLATE NOCASE, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_escrows_payout_pending ON escrows (payout_started_at) WHERE payout_pending = 1;
`

// Migrate creates the SQLite schema. Postgres schemas are owned by goose.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.dialect != DialectSQLite {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate escrows: %w", err)
	}
	return nil
}

// Ping checks database connectivity for health probes.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const escrowColumns = `id, buyer_addr, seller_addr, arbiter_addr, amount, memo, lock_ref,
		       buyer_approved, seller_approved,
		       dispute_raised, dispute_raised_by, dispute_raised_at, resolution, resolved_at,
		       funds_released, cancelled, released_at, released_to, tx_hash,
		       payout_pending, payout_kind, payout_started_at,
		       version, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, e *Escrow) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO escrows (`+escrowColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22,
			$23, $24, $25
		) ON CONFLICT (id) DO NOTHING`),
		e.ID, e.Buyer, e.Seller, e.Arbiter, int64(e.Amount), e.Memo, e.LockRef,
		e.BuyerApproved, e.SellerApproved,
		e.DisputeRaised, roleText(e.DisputeRaisedBy), s.nullTime(e.DisputeRaisedAt), e.Resolution.String(), s.nullTime(e.ResolvedAt),
		e.FundsReleased, e.Cancelled, s.nullTime(e.ReleasedAt), e.ReleasedTo, e.TxHash,
		e.PayoutPending, string(e.PayoutKind), s.nullTime(e.PayoutStartedAt),
		e.Version, s.timeArg(e.CreatedAt), s.timeArg(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert escrow rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`), id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ConditionalUpdate writes only the mutable lifecycle columns; parties,
// amount, lock reference and creation time are fixed at Create.
func (s *SQLStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Escrow) error) (*Escrow, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE escrows SET
			buyer_approved = $1, seller_approved = $2,
			dispute_raised = $3, dispute_raised_by = $4, dispute_raised_at = $5,
			resolution = $6, resolved_at = $7,
			funds_released = $8, cancelled = $9, released_at = $10, released_to = $11, tx_hash = $12,
			payout_pending = $13, payout_kind = $14, payout_started_at = $15,
			version = $16, updated_at = $17
		WHERE id = $18 AND version = $19`),
		next.BuyerApproved, next.SellerApproved,
		next.DisputeRaised, roleText(next.DisputeRaisedBy), s.nullTime(next.DisputeRaisedAt),
		next.Resolution.String(), s.nullTime(next.ResolvedAt),
		next.FundsReleased, next.Cancelled, s.nullTime(next.ReleasedAt), next.ReleasedTo, next.TxHash,
		next.PayoutPending, string(next.PayoutKind), s.nullTime(next.PayoutStartedAt),
		next.Version, s.timeArg(next.UpdatedAt),
		id, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update escrow rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrVersionConflict
	}
	return next, nil
}

func (s *SQLStore) List(ctx context.Context, q ListQuery) ([]*Escrow, error) {
	col, ok := partyColumns[q.Role]
	if !ok {
		return nil, fmt.Errorf("%w: invalid role", ErrValidation)
	}

	var (
		where strings.Builder
		args  = []any{q.Addr}
	)
	fmt.Fprintf(&where, "LOWER(%s) = LOWER($1)", col)
	if q.PendingOnly {
		where.WriteString(" AND funds_released = FALSE AND payout_pending = FALSE")
		switch q.Role {
		case RoleBuyer:
			where.WriteString(" AND buyer_approved = FALSE")
		case RoleSeller:
			where.WriteString(" AND seller_approved = FALSE")
		case RoleArbiter:
			where.WriteString(" AND dispute_raised = TRUE AND resolution = ''")
		}
	}
	if q.After != nil {
		n := len(args)
		fmt.Fprintf(&where, " AND (created_at < $%d OR (created_at = $%d AND id < $%d))", n+1, n+2, n+3)
		at := s.timeArg(q.After.CreatedAt)
		args = append(args, at, at, q.After.ID)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM escrows WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		escrowColumns, where.String(), len(args))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (s *SQLStore) ListStalePayouts(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + ` FROM escrows
		WHERE payout_pending = TRUE AND payout_started_at < $1
		ORDER BY payout_started_at ASC, id ASC`
	args := []any{s.timeArg(cutoff)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list stale payouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

var partyColumns = map[Role]string{
	RoleBuyer:   "buyer_addr",
	RoleSeller:  "seller_addr",
	RoleArbiter: "arbiter_addr",
}

// rebind rewrites $N placeholders to ? for SQLite. Queries list each
// placeholder once and in ascending order.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) timeArg(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().UnixMilli()
	}
	return t.UTC()
}

func (s *SQLStore) nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.timeArg(*t)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(sc scanner) (*Escrow, error) {
	var (
		e                                       Escrow
		amount                                  int64
		raisedBy, resolution, payoutKind        string
		createdAt, updatedAt                    dbTime
		raisedAt, resolvedAt, releasedAt, payAt dbTime
	)
	err := sc.Scan(
		&e.ID, &e.Buyer, &e.Seller, &e.Arbiter, &amount, &e.Memo, &e.LockRef,
		&e.BuyerApproved, &e.SellerApproved,
		&e.DisputeRaised, &raisedBy, &raisedAt, &resolution, &resolvedAt,
		&e.FundsReleased, &e.Cancelled, &releasedAt, &e.ReleasedTo, &e.TxHash,
		&e.PayoutPending, &payoutKind, &payAt,
		&e.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if amount <= 0 {
		return nil, fmt.Errorf("escrow %s: stored amount %d is not positive", e.ID, amount)
	}
	e.Amount = uint64(amount)
	if raisedBy != "" {
		if e.DisputeRaisedBy, err = ParseRole(raisedBy); err != nil {
			return nil, err
		}
	}
	if err := e.Resolution.UnmarshalText([]byte(resolution)); err != nil {
		return nil, err
	}
	e.PayoutKind = PayoutKind(payoutKind)
	e.CreatedAt = createdAt.Time
	e.UpdatedAt = updatedAt.Time
	e.DisputeRaisedAt = raisedAt.ptr()
	e.ResolvedAt = resolvedAt.ptr()
	e.ReleasedAt = releasedAt.ptr()
	e.PayoutStartedAt = payAt.ptr()
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// dbTime scans TIMESTAMPTZ values and SQLite unix-millisecond integers.
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.Time, d.Valid = time.Time{}, false
	case time.Time:
		d.Time, d.Valid = v.UTC(), true
	case int64:
		d.Time, d.Valid = time.UnixMilli(v).UTC(), true
	case []byte:
		ms, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("scan timestamp %q: %w", v, err)
		}
		d.Time, d.Valid = time.UnixMilli(ms).UTC(), true
	default:
		return fmt.Errorf("scan timestamp: unsupported type %T", src)
	}
	return nil
}

func (d dbTime) ptr() *time.Time {
	if !d.Valid {
		return nil
	}
	t := d.Time
	return &t
}

func roleText(r Role) string {
	if r == 0 {
		return ""
	}
	return r.String()
}

// Compile-time assertion that SQLStore implements Store.
var _ Store = (*SQLStore)(nil)
