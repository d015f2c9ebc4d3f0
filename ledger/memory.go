package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt uint64
}

// MemStore is an in-process Store. Top-level transactions are serialized:
// a second Begin waits until the running transaction commits or rolls back.
type MemStore struct {
	sem  chan struct{}
	data map[Key]memEntry
	now  func() time.Time
}

// NewMemStore returns an empty store using the wall clock.
func NewMemStore() *MemStore {
	return &MemStore{
		sem:  make(chan struct{}, 1),
		data: make(map[Key]memEntry),
		now:  time.Now,
	}
}

// WithClock overrides the ledger clock.
func (s *MemStore) WithClock(now func() time.Time) *MemStore {
	if now == nil {
		now = time.Now
	}
	s.now = now
	return s
}

// Begin opens a top-level transaction, waiting for the previous one to end.
func (s *MemStore) Begin(ctx context.Context) (Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &memTx{
		store:  s,
		ts:     unixSeconds(s.now()),
		writes: make(map[Key]memEntry),
	}, nil
}

type memTx struct {
	store  *MemStore
	parent *memTx
	ts     uint64
	writes map[Key]memEntry
	hooks  hookList
	done   bool
}

func (t *memTx) Timestamp() uint64 { return t.ts }

func (t *memTx) lookup(key Key) (memEntry, bool) {
	for cur := t; cur != nil; cur = cur.parent {
		if e, ok := cur.writes[key]; ok {
			return e, t.live(e)
		}
	}
	e, ok := t.store.data[key]
	if !ok {
		return memEntry{}, false
	}
	return e, t.live(e)
}

func (t *memTx) live(e memEntry) bool {
	return e.expiresAt == 0 || e.expiresAt > t.ts
}

func (t *memTx) Has(_ context.Context, key Key) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	_, ok := t.lookup(key)
	return ok, nil
}

func (t *memTx) Get(_ context.Context, key Key, dst any) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	e, ok := t.lookup(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.value, dst); err != nil {
		return false, fmt.Errorf("ledger: decode %s: %w", key, err)
	}
	return true, nil
}

func (t *memTx) Set(_ context.Context, key Key, value any) error {
	if t.done {
		return ErrTxDone
	}
	body, err := encode(key, value)
	if err != nil {
		return err
	}
	var expiresAt uint64
	if prev, ok := t.lookup(key); ok {
		expiresAt = prev.expiresAt
	}
	t.writes[key] = memEntry{value: body, expiresAt: expiresAt}
	return nil
}

func (t *memTx) SetTemporary(_ context.Context, key Key, value any, ttl time.Duration) error {
	if t.done {
		return ErrTxDone
	}
	body, err := encode(key, value)
	if err != nil {
		return err
	}
	t.writes[key] = memEntry{value: body, expiresAt: addDuration(t.ts, temporaryTTL(ttl))}
	return nil
}

func (t *memTx) ExtendTTL(_ context.Context, key Key, threshold, extendTo time.Duration) error {
	if t.done {
		return ErrTxDone
	}
	e, ok := t.lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if e.expiresAt == 0 || e.expiresAt >= addDuration(t.ts, threshold) {
		return nil
	}
	e.expiresAt = addDuration(t.ts, extendTo)
	t.writes[key] = e
	return nil
}

func (t *memTx) AfterCommit(fn func(context.Context)) {
	if fn != nil {
		t.hooks = append(t.hooks, fn)
	}
}

func (t *memTx) Begin(_ context.Context) (Tx, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return &memTx{
		store:  t.store,
		parent: t,
		ts:     t.ts,
		writes: make(map[Key]memEntry),
	}, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if t.parent != nil {
		for k, v := range t.writes {
			t.parent.writes[k] = v
		}
		t.parent.hooks = append(t.parent.hooks, t.hooks...)
		return nil
	}
	for k, v := range t.writes {
		t.store.data[k] = v
	}
	<-t.store.sem
	t.hooks.run(ctx)
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.parent == nil {
		<-t.store.sem
	}
	return nil
}
