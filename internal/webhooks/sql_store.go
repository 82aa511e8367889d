package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/holdfast/internal/escrow"
)

// SQLStore persists subscriptions through database/sql, in the same
// dialects as the escrow store.
type SQLStore struct {
	db      *sql.DB
	dialect escrow.Dialect
}

// NewPostgresStore creates a PostgreSQL-backed store. The schema is managed
// by the goose migrations in migrations/.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: escrow.DialectPostgres}
}

// NewSQLiteStore creates a SQLite-backed store. Call Migrate before use.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: escrow.DialectSQLite}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
	id                   TEXT PRIMARY KEY,
	owner_addr           TEXT NOT NULL,
	url                  TEXT NOT NULL,
	secret               TEXT NOT NULL,
	events               TEXT NOT NULL DEFAULT '',
	active               INTEGER NOT NULL DEFAULT 1,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT '',
	last_success_at      INTEGER,
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_owner ON webhook_subscriptions (owner_addr COLLATE NOCASE, created_at);
`

// Migrate creates the SQLite schema. Postgres schemas are owned by goose.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.dialect != escrow.DialectSQLite {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate webhook_subscriptions: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, owner_addr, url, secret, events, active,
		       consecutive_failures, last_error, last_success_at, created_at`

func (s *SQLStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`),
		sub.ID, strings.ToLower(sub.Owner), sub.URL, sub.Secret, joinEvents(sub.Events), sub.Active,
		sub.ConsecutiveFailures, sub.LastError, s.nullTime(sub.LastSuccess), s.timeArg(sub.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert webhook subscription: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`), id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (s *SQLStore) ListByOwner(ctx context.Context, owner string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE LOWER(owner_addr) = LOWER($1)
		ORDER BY created_at, id`), owner)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM webhook_subscriptions WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("delete webhook subscription: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE webhook_subscriptions
		SET last_success_at = $1, last_error = '', consecutive_failures = 0
		WHERE id = $2`), s.timeArg(at), id)
	if err != nil {
		return fmt.Errorf("record webhook success: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) RecordFailure(ctx context.Context, id, msg string, disableAfter int) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, s.rebind(`
		UPDATE webhook_subscriptions
		SET last_error = $1,
		    consecutive_failures = consecutive_failures + 1,
		    active = CASE WHEN $2 > 0 AND consecutive_failures + 1 >= $3 THEN FALSE ELSE active END
		WHERE id = $4
		RETURNING active`), msg, disableAfter, disableAfter, id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("record webhook failure: %w", err)
	}
	return !active, nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites $N placeholders to ? for SQLite. Queries list each
// placeholder once and in ascending order.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != escrow.DialectSQLite {
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
	if s.dialect == escrow.DialectSQLite {
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

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(sc scanner) (*Subscription, error) {
	var (
		sub         Subscription
		events      string
		lastSuccess any
		createdAt   any
	)
	err := sc.Scan(
		&sub.ID, &sub.Owner, &sub.URL, &sub.Secret, &events, &sub.Active,
		&sub.ConsecutiveFailures, &sub.LastError, &lastSuccess, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Events = splitEvents(events)
	if sub.CreatedAt, err = toTime(createdAt); err != nil {
		return nil, err
	}
	if lastSuccess != nil {
		t, err := toTime(lastSuccess)
		if err != nil {
			return nil, err
		}
		sub.LastSuccess = &t
	}
	return &sub, nil
}

// toTime accepts TIMESTAMPTZ values and SQLite unix-millisecond integers.
func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case []byte:
		ms, err := strconv.ParseInt(string(t), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("scan timestamp %q: %w", t, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("scan timestamp: unsupported type %T", v)
	}
}

func joinEvents(events []escrow.EventType) string {
	parts := make([]string, len(events))
	for i, e := range events {
		parts[i] = string(e)
	}
	return strings.Join(parts, ",")
}

func splitEvents(s string) []escrow.EventType {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]escrow.EventType, len(parts))
	for i, p := range parts {
		out[i] = escrow.EventType(p)
	}
	return out
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
