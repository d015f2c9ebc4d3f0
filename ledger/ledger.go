// Package ledger is the durable key-value foundation of the rental core.
//
// Every operation runs inside a Tx obtained from a Store. A Tx sees its own
// writes, can open nested units with savepoint semantics, and publishes
// nothing until the outermost unit commits.
//
// Entries written with Set are persistent and never expire. Entries written
// with SetTemporary carry an expiry that callers renew with ExtendTTL; once it
// passes, the temporary entry reads as absent.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTTL is the lifetime of a temporary entry written with a
	// non-positive ttl.
	DefaultTTL = 30 * 24 * time.Hour
	// TTLThreshold and TTLExtendTo are the renewal parameters applied after
	// every core write: when less than TTLThreshold remains on a temporary
	// entry, it is bumped to live TTLExtendTo from the current ledger time.
	// Persistent entries are left alone.
	TTLThreshold = 29 * 24 * time.Hour
	TTLExtendTo  = 30 * 24 * time.Hour
)

var (
	// ErrKeyNotFound is returned by ExtendTTL for absent or expired keys.
	ErrKeyNotFound = errors.New("ledger: key not found")
	// ErrTxDone is returned when a closed transaction is used.
	ErrTxDone = errors.New("ledger: transaction already closed")
)

// Key is a structured storage tag such as "agreement/lease-1".
type Key string

// NewKey joins kind and the escaped parts with '/'.
func NewKey(kind string, parts ...string) Key {
	var b strings.Builder
	b.WriteString(kind)
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return Key(b.String())
}

// Store opens atomic units of work.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one atomic unit of work against the ledger.
type Tx interface {
	// Timestamp is the ledger time in unix seconds, fixed when the
	// outermost unit began.
	Timestamp() uint64
	Has(ctx context.Context, key Key) (bool, error)
	// Get decodes the value stored at key into dst and reports whether the
	// key was present.
	Get(ctx context.Context, key Key, dst any) (bool, error)
	// Set writes a persistent entry. Overwriting a live temporary entry
	// keeps its expiry.
	Set(ctx context.Context, key Key, value any) error
	// SetTemporary writes an entry that expires ttl after the ledger time.
	SetTemporary(ctx context.Context, key Key, value any, ttl time.Duration) error
	ExtendTTL(ctx context.Context, key Key, threshold, extendTo time.Duration) error
	// AfterCommit registers fn to run once the outermost unit commits.
	// Hooks registered by a nested unit that rolls back never run.
	AfterCommit(fn func(context.Context))
	// Begin opens a nested unit.
	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	// Rollback discards the unit's writes. It is a no-op after Commit.
	Rollback(ctx context.Context) error
}

type txContextKey struct{}

// WithTx returns a context carrying tx so nested calls join it.
func WithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFrom returns the transaction carried by ctx, if any.
func TxFrom(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(Tx)
	return tx, ok && tx != nil
}

// RunInTx runs fn inside a unit of work. When ctx already carries a
// transaction the unit is nested inside it; otherwise a new top-level
// transaction is opened on store. The unit commits when fn returns nil and
// rolls back otherwise.
func RunInTx(ctx context.Context, store Store, fn func(ctx context.Context, tx Tx) error) error {
	var (
		tx  Tx
		err error
	)
	if parent, ok := TxFrom(ctx); ok {
		tx, err = parent.Begin(ctx)
	} else {
		if store == nil {
			return fmt.Errorf("ledger: store not configured")
		}
		tx, err = store.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTx(ctx, tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// Save writes value at key and renews its TTL with the standard parameters.
// Core records are persistent, so the renewal only matters for keys that
// were written as temporary.
func Save(ctx context.Context, tx Tx, key Key, value any) error {
	if err := tx.Set(ctx, key, value); err != nil {
		return err
	}
	return tx.ExtendTTL(ctx, key, TTLThreshold, TTLExtendTo)
}

func encode(key Key, value any) ([]byte, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode %s: %w", key, err)
	}
	return body, nil
}

func temporaryTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func unixSeconds(t time.Time) uint64 {
	if t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

func addDuration(ts uint64, d time.Duration) uint64 {
	return ts + uint64(d/time.Second)
}

type hookList []func(context.Context)

func (h hookList) run(ctx context.Context) {
	for _, fn := range h {
		fn(ctx)
	}
}
