package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rytkhs/event-pay/internal/connect"
	"github.com/rytkhs/event-pay/internal/ids"
	"github.com/rytkhs/event-pay/internal/ratelimit"
)

// Store owns the database handle and hands out the per-concern stores.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle (tests use sqlmock through this).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Accounts returns the connect account store.
func (s *Store) Accounts() *AccountStore { return &AccountStore{db: s.db} }

// Audit returns the durable status-change recorder.
func (s *Store) Audit() *AuditRecorder { return &AuditRecorder{db: s.db} }

// RateEvents returns the rate limiter backing store.
func (s *Store) RateEvents() *RateStore { return &RateStore{db: s.db} }

// AccountStore implements connect.Store on Postgres.
type AccountStore struct {
	db *sql.DB
}

var _ connect.Store = (*AccountStore)(nil)

const accountColumns = `user_id, external_account_id, status, charges_enabled, payouts_enabled, updated_at`

func (s *AccountStore) GetByUser(ctx context.Context, userID string) (connect.AccountRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from connect_accounts where user_id=$1`, userID)
	return scanAccount(row)
}

func (s *AccountStore) GetByExternalID(ctx context.Context, externalAccountID string) (connect.AccountRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from connect_accounts where external_account_id=$1`, externalAccountID)
	return scanAccount(row)
}

// Upsert overwrites the row keyed by user_id in a single statement, so a
// cancelled call never leaves a partial write. A unique violation on the
// external account id means the id is bound to another user and surfaces as
// connect.ErrAccountConflict.
func (s *AccountStore) Upsert(ctx context.Context, record connect.AccountRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into connect_accounts(user_id, external_account_id, status, charges_enabled, payouts_enabled, updated_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (user_id) do update set
			external_account_id = excluded.external_account_id,
			status              = excluded.status,
			charges_enabled     = excluded.charges_enabled,
			payouts_enabled     = excluded.payouts_enabled,
			updated_at          = excluded.updated_at
	`, record.UserID, record.ExternalAccountID, string(record.Status),
		record.ChargesEnabled, record.PayoutsEnabled, record.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return connect.ErrAccountConflict
		}
		return err
	}
	return nil
}

func scanAccount(row *sql.Row) (connect.AccountRecord, error) {
	var (
		rec    connect.AccountRecord
		status string
	)
	err := row.Scan(&rec.UserID, &rec.ExternalAccountID, &status,
		&rec.ChargesEnabled, &rec.PayoutsEnabled, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return connect.AccountRecord{}, connect.ErrNotFound
	}
	if err != nil {
		return connect.AccountRecord{}, err
	}
	rec.Status = connect.AccountStatus(status)
	return rec, nil
}

// AuditRecorder implements connect.AuditRecorder on Postgres. The unique
// index on dedupe_key plus "on conflict do nothing" makes duplicate writes
// silent no-ops even under concurrent writers.
type AuditRecorder struct {
	db *sql.DB
}

var _ connect.AuditRecorder = (*AuditRecorder)(nil)

func (r *AuditRecorder) RecordStatusChange(ctx context.Context, change connect.StatusChange) error {
	meta, err := json.Marshal(change.Meta)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		insert into status_change_log(id, occurred_at, user_id, external_account_id, previous_status, new_status, trigger_source, classification, dedupe_key)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (dedupe_key) do nothing
	`, ids.New(), change.Timestamp, change.UserID, change.ExternalAccountID,
		string(change.Previous), string(change.New), string(change.Trigger), meta, change.DedupeKey)
	return err
}

// History returns the most recent transitions for a user, newest first.
func (r *AuditRecorder) History(ctx context.Context, userID string, limit int) ([]connect.StatusChange, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		select occurred_at, user_id, external_account_id, previous_status, new_status, trigger_source, classification, dedupe_key
		from status_change_log
		where user_id=$1
		order by occurred_at desc
		limit $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []connect.StatusChange
	for rows.Next() {
		var (
			c        connect.StatusChange
			prev     string
			next     string
			trig     string
			metaJSON []byte
		)
		if err := rows.Scan(&c.Timestamp, &c.UserID, &c.ExternalAccountID, &prev, &next, &trig, &metaJSON, &c.DedupeKey); err != nil {
			return nil, err
		}
		c.Previous = connect.AccountStatus(prev)
		c.New = connect.AccountStatus(next)
		c.Trigger = connect.Trigger(trig)
		_ = json.Unmarshal(metaJSON, &c.Meta)
		res = append(res, c)
	}
	return res, rows.Err()
}

// RateStore implements ratelimit.Store on Postgres. Record opportunistically
// prunes events older than the retention horizon for the same user.
type RateStore struct {
	db *sql.DB
}

var _ ratelimit.Store = (*RateStore)(nil)

const rateRetention = time.Hour

func (s *RateStore) Events(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		select occurred_at from rate_limit_events
		where user_id=$1 and occurred_at >= $2
		order by occurred_at asc
	`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		res = append(res, ts)
	}
	return res, rows.Err()
}

func (s *RateStore) Record(ctx context.Context, userID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		insert into rate_limit_events(user_id, occurred_at) values ($1,$2)
	`, userID, at); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		delete from rate_limit_events where user_id=$1 and occurred_at < $2
	`, userID, at.Add(-rateRetention))
	return err
}
