package actors

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"rentflow/agreement"
	"rentflow/auth"
	"rentflow/dispute"
	"rentflow/errcode"
	"rentflow/escrow"
)

// Env is the shared world every actor operates on.
type Env struct {
	Agreements *agreement.Service
	Escrow     *escrow.Engine
	Disputes   *dispute.Service

	Landlord auth.Address
	Tenant   auth.Address
	Token    auth.Address
	Rent     *big.Int

	Board *Board
	Stats *Stats
}

// Board holds the ids of signed agreements actors compete over.
type Board struct {
	mu  sync.RWMutex
	ids []string
}

func (b *Board) Post(id string) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

// Pick returns a random posted id, favouring the most recent ones so
// contention stays high.
func (b *Board) Pick() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ids) == 0 {
		return "", false
	}
	window := 8
	if len(b.ids) < window {
		window = len(b.ids)
	}
	return b.ids[len(b.ids)-1-rand.Intn(window)], true
}

// Stats counts outcomes. Rejected calls hit a domain guard; Transient calls
// failed on infrastructure (killed backends, deadlocks).
type Stats struct {
	Succeeded atomic.Int64
	Rejected  atomic.Int64
	Transient atomic.Int64
}

func (s *Stats) record(err error) {
	switch {
	case err == nil:
		s.Succeeded.Add(1)
	case errcode.KindOf(err) == errcode.KindInternal:
		s.Transient.Add(1)
	default:
		s.Rejected.Add(1)
	}
}

func (s *Stats) String() string {
	return fmt.Sprintf("succeeded=%d rejected=%d transient=%d",
		s.Succeeded.Load(), s.Rejected.Load(), s.Transient.Load())
}

func as(ctx context.Context, addr auth.Address) context.Context {
	return auth.WithPrincipals(ctx, addr)
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Leaser creates, submits and signs fresh agreements whose first rent cycle
// opens a moment later, then posts them to the board.
func Leaser(ctx context.Context, env *Env, prefix string, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := fmt.Sprintf("%s-%d", prefix, n)
		now := uint64(time.Now().Unix())
		_, err := env.Agreements.CreateAgreement(as(ctx, env.Tenant), agreement.CreateParams{
			ID:              id,
			Landlord:        env.Landlord,
			Tenant:          env.Tenant,
			MonthlyRent:     env.Rent,
			SecurityDeposit: new(big.Int),
			StartDate:       now + 1,
			EndDate:         now + 365*24*60*60,
			PaymentToken:    env.Token,
		})
		env.Stats.record(err)
		if err == nil {
			err = env.Agreements.SubmitAgreement(as(ctx, env.Landlord), env.Landlord, id)
			env.Stats.record(err)
		}
		if err == nil {
			err = env.Agreements.SignAgreement(as(ctx, env.Tenant), env.Tenant, id)
			env.Stats.record(err)
		}
		if err == nil {
			env.Board.Post(id)
		}
		pause(40, 60)
	}
}

// Payer races other payers to settle the open cycle of a board agreement.
// At most one of them may succeed per cycle.
func Payer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, ok := env.Board.Pick(); ok {
			_, err := env.Escrow.PayRent(as(ctx, env.Tenant), env.Tenant, id, env.Rent)
			env.Stats.record(err)
		}
		pause(5, 20)
	}
}

// Disputer raises disputes from either side on board agreements.
func Disputer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, ok := env.Board.Pick(); ok {
			raiser := env.Landlord
			if rand.Intn(2) == 0 {
				raiser = env.Tenant
			}
			_, err := env.Disputes.RaiseDispute(as(ctx, raiser), raiser, id, fmt.Sprintf("evidence from %s", raiser))
			env.Stats.record(err)
		}
		pause(60, 120)
	}
}

// Voter casts random votes as arbiter. Votes past quorum, repeat votes and
// votes on resolved disputes must be rejected.
func Voter(ctx context.Context, env *Env, arbiter auth.Address, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, ok := env.Board.Pick(); ok {
			_, err := env.Disputes.CastVote(as(ctx, arbiter), arbiter, id, rand.Intn(2) == 0)
			env.Stats.record(err)
		}
		pause(10, 40)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks them published.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id::text FROM outbox WHERE published_at IS NULL ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			// simulate a relay that fails now and then
			if rand.Intn(10) == 0 {
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
