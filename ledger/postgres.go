package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore keeps ledger entries in the ledger_entries table. Reads lock the
// row for the rest of the transaction, and reads of a missing key take an
// advisory lock on it, so operations touching the same key are serialized by
// PostgreSQL whether or not the key exists yet.
type PGStore struct {
	pool TxBeginner
	now  func() time.Time
}

// NewPGStore wires a pgx-backed store.
func NewPGStore(pool TxBeginner) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

// WithClock overrides the ledger clock.
func (s *PGStore) WithClock(now func() time.Time) *PGStore {
	if now == nil {
		now = time.Now
	}
	s.now = now
	return s
}

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx, ts: unixSeconds(s.now())}, nil
}

type pgTx struct {
	tx     pgx.Tx
	parent *pgTx
	ts     uint64
	hooks  hookList
	done   bool
}

func (t *pgTx) Timestamp() uint64 { return t.ts }

func (t *pgTx) ledgerTime() time.Time {
	return time.Unix(int64(t.ts), 0).UTC()
}

func (t *pgTx) load(ctx context.Context, key Key) ([]byte, bool, error) {
	if t.done {
		return nil, false, ErrTxDone
	}
	value, ok, err := t.selectForUpdate(ctx, key)
	if err != nil || ok {
		return value, ok, err
	}
	// FOR UPDATE cannot lock a row that does not exist yet. Serialize
	// concurrent creators of the same key on an advisory lock held until the
	// top-level transaction ends, then look again: a creator that got there
	// first has committed by the time the lock is granted.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(key)); err != nil {
		return nil, false, fmt.Errorf("ledger: lock %s: %w", key, err)
	}
	return t.selectForUpdate(ctx, key)
}

func (t *pgTx) selectForUpdate(ctx context.Context, key Key) ([]byte, bool, error) {
	const q = `
SELECT value, expires_at
FROM ledger_entries
WHERE key = $1
FOR UPDATE
`
	var (
		value     []byte
		expiresAt *time.Time
	)
	if err := t.tx.QueryRow(ctx, q, string(key)).Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("ledger: load %s: %w", key, err)
	}
	if expiresAt != nil && !expiresAt.After(t.ledgerTime()) {
		return nil, false, nil
	}
	return value, true, nil
}

func (t *pgTx) Has(ctx context.Context, key Key) (bool, error) {
	_, ok, err := t.load(ctx, key)
	return ok, err
}

func (t *pgTx) Get(ctx context.Context, key Key, dst any) (bool, error) {
	value, ok, err := t.load(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(value, dst); err != nil {
		return false, fmt.Errorf("ledger: decode %s: %w", key, err)
	}
	return true, nil
}

func (t *pgTx) Set(ctx context.Context, key Key, value any) error {
	if t.done {
		return ErrTxDone
	}
	body, err := encode(key, value)
	if err != nil {
		return err
	}
	// A lapsed temporary entry is replaced by a persistent one.
	const q = `
INSERT INTO ledger_entries (key, value, expires_at)
VALUES ($1, $2::jsonb, NULL)
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value,
    updated_at = now(),
    expires_at = CASE
        WHEN ledger_entries.expires_at IS NOT NULL AND ledger_entries.expires_at <= $3 THEN NULL
        ELSE ledger_entries.expires_at
    END
`
	if _, err := t.tx.Exec(ctx, q, string(key), body, t.ledgerTime()); err != nil {
		return fmt.Errorf("ledger: store %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) SetTemporary(ctx context.Context, key Key, value any, ttl time.Duration) error {
	if t.done {
		return ErrTxDone
	}
	body, err := encode(key, value)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO ledger_entries (key, value, expires_at)
VALUES ($1, $2::jsonb, $3)
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value,
    updated_at = now(),
    expires_at = EXCLUDED.expires_at
`
	expiresAt := t.ledgerTime().Add(temporaryTTL(ttl))
	if _, err := t.tx.Exec(ctx, q, string(key), body, expiresAt); err != nil {
		return fmt.Errorf("ledger: store %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) ExtendTTL(ctx context.Context, key Key, threshold, extendTo time.Duration) error {
	ok, err := t.Has(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	const q = `
UPDATE ledger_entries
SET expires_at = $3
WHERE key = $1
  AND expires_at IS NOT NULL
  AND expires_at < $2
`
	now := t.ledgerTime()
	if _, err := t.tx.Exec(ctx, q, string(key), now.Add(threshold), now.Add(extendTo)); err != nil {
		return fmt.Errorf("ledger: extend ttl %s: %w", key, err)
	}
	return nil
}

// Exec runs sql inside the unit, so rows written next to ledger entries
// commit or roll back with them.
func (t *pgTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.done {
		return pgconn.CommandTag{}, ErrTxDone
	}
	return t.tx.Exec(ctx, sql, args...)
}

func (t *pgTx) AfterCommit(fn func(context.Context)) {
	if fn != nil {
		t.hooks = append(t.hooks, fn)
	}
}

func (t *pgTx) Begin(ctx context.Context) (Tx, error) {
	if t.done {
		return nil, ErrTxDone
	}
	child, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: child, parent: t, ts: t.ts}, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.tx.Commit(ctx); err != nil {
		return err
	}
	t.done = true
	if t.parent != nil {
		t.parent.hooks = append(t.parent.hooks, t.hooks...)
		return nil
	}
	t.hooks.run(ctx)
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
