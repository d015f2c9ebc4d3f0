package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"rentflow/admin"
	"rentflow/agreement"
	"rentflow/auth"
	"rentflow/dispute"
	"rentflow/escrow"
	"rentflow/events"
	"rentflow/ledger"
	"rentflow/logging"
	"rentflow/test/actors"
	"rentflow/test/chaos"
	"rentflow/test/infra"
	"rentflow/test/oracles"
	"rentflow/token"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent payers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

const (
	adminAddr auth.Address = "GSTRESSADMIN"
	collector auth.Address = "GSTRESSCOLLECTOR"
	landlord  auth.Address = "GSTRESSLANDLORD"
	tenant    auth.Address = "GSTRESSTENANT"
	usdc      auth.Address = "USDC"
)

var arbiters = []auth.Address{"GSTRESSARB1", "GSTRESSARB2", "GSTRESSARB3", "GSTRESSARB4"}

func seedRNG(seed int64) { rand.Seed(seed) }

func TestRentflowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	h, err := infra.NewHarness(ctx, infra.Options{DSN: *flDSN})
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("stress test needs docker, a local postgres or -dsn: %v", err)
	}
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	pool := h.Pool()

	env, supply := mustSeed(t, ctx, pool)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error { return actors.Leaser(ctx2, env, fmt.Sprintf("lease-%d", seed), stop) })
	// payers racing for the same open cycle
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Payer(ctx2, env, stop) })
	}
	g.Go(func() error { return actors.Disputer(ctx2, env, stop) })
	for _, arb := range arbiters {
		arb := arb
		g.Go(func() error { return actors.Voter(ctx2, env, arb, stop) })
	}
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, infra.ApplicationName, stop)
	}

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool, usdc.String(), supply.String())
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may kill the oracle's own backend
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
	t.Logf("stress done (seed=%d): %s", seed, env.Stats)
	if env.Stats.Succeeded.Load() == 0 {
		t.Fatalf("no operation succeeded (seed=%d)", seed)
	}
}

// mustSeed initializes the platform through the services and returns the
// actor environment plus the amount of medium minted.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) (*actors.Env, *big.Int) {
	t.Helper()
	log := logging.Discard()
	store := ledger.NewPGStore(pool)
	em := events.Multi(events.NewOutboxEmitter(pool, log))

	as := func(addrs ...auth.Address) context.Context {
		return auth.WithPrincipals(ctx, addrs...)
	}

	adminSvc := admin.NewService(store).WithLogger(log)
	if err := adminSvc.Initialize(as(adminAddr), adminAddr, admin.Config{FeeBps: 1000, MinVotesRequired: 2}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	bank := token.NewBank(store)
	engine := escrow.NewEngine(store, bank).WithEmitter(em).WithLogger(log)
	if err := engine.SetPlatformFeeCollector(as(collector, adminAddr), collector); err != nil {
		t.Fatalf("seed fee collector: %v", err)
	}

	disputes := dispute.NewService(store).WithEmitter(em).WithLogger(log)
	for _, arb := range arbiters {
		if err := disputes.AddArbiter(as(adminAddr), adminAddr, arb); err != nil {
			t.Fatalf("seed arbiter %s: %v", arb, err)
		}
	}

	supply := big.NewInt(1_000_000_000_000)
	if err := bank.Mint(ctx, tenant, supply, usdc); err != nil {
		t.Fatalf("seed mint: %v", err)
	}

	return &actors.Env{
		Agreements: agreement.NewService(store).WithEmitter(em).WithLogger(log),
		Escrow:     engine,
		Disputes:   disputes,
		Landlord:   landlord,
		Tenant:     tenant,
		Token:      usdc,
		Rent:       big.NewInt(1000),
		Board:      &actors.Board{},
		Stats:      &actors.Stats{},
	}, supply
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"agreements", `SELECT key, value->>'status', value->>'payment_count', updated_at FROM ledger_entries WHERE key LIKE 'agreement/%' ORDER BY updated_at DESC LIMIT 50`},
		{"disputes", `SELECT key, value->>'round', value->>'resolved', value->'voters', updated_at FROM ledger_entries WHERE key LIKE 'dispute/%' ORDER BY updated_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, published_at, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
