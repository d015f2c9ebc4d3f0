package dispute

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rentflow/admin"
	"rentflow/agreement"
	"rentflow/auth"
	"rentflow/events"
	"rentflow/ledger"
)

const (
	adminAddr auth.Address = "GADMIN"
	landlord  auth.Address = "GLANDLORD"
	tenant    auth.Address = "GTENANT"
	outsider  auth.Address = "GOUTSIDER"
	arb1      auth.Address = "GARB1"
	arb2      auth.Address = "GARB2"
	arb3      auth.Address = "GARB3"
)

type harness struct {
	now        int64
	store      *ledger.MemStore
	admin      *admin.Service
	agreements *agreement.Service
	svc        *Service
	rec        *events.Recorder
}

func as(addrs ...auth.Address) context.Context {
	return auth.WithPrincipals(context.Background(), addrs...)
}

// newHarness initializes the admin with the given quorum and seats three
// arbiters.
func newHarness(t *testing.T, quorum uint32) *harness {
	t.Helper()
	h := &harness{now: 100, rec: &events.Recorder{}}
	h.store = ledger.NewMemStore().WithClock(func() time.Time { return time.Unix(h.now, 0) })
	h.admin = admin.NewService(h.store)
	h.agreements = agreement.NewService(h.store)
	h.svc = NewService(h.store).WithEmitter(h.rec)

	require.NoError(t, h.admin.Initialize(as(adminAddr), adminAddr, admin.Config{FeeBps: 100, MinVotesRequired: quorum}))
	for _, a := range []auth.Address{arb1, arb2, arb3} {
		require.NoError(t, h.svc.AddArbiter(as(adminAddr), adminAddr, a))
	}
	h.rec.Reset()
	return h
}

func (h *harness) activate(t *testing.T, id string) {
	t.Helper()
	_, err := h.agreements.CreateAgreement(as(tenant), agreement.CreateParams{
		ID:              id,
		Landlord:        landlord,
		Tenant:          tenant,
		MonthlyRent:     big.NewInt(1000),
		SecurityDeposit: big.NewInt(0),
		StartDate:       200,
		EndDate:         10_000_000,
		PaymentToken:    "USDC",
	})
	require.NoError(t, err)
	require.NoError(t, h.agreements.SubmitAgreement(as(landlord), landlord, id))
	require.NoError(t, h.agreements.SignAgreement(as(tenant), tenant, id))
}

func (h *harness) status(t *testing.T, id string) agreement.Status {
	t.Helper()
	a, err := h.agreements.GetAgreement(context.Background(), id)
	require.NoError(t, err)
	return a.Status
}

func TestAddArbiter(t *testing.T) {
	h := newHarness(t, 2)

	n, err := h.svc.GetArbiterCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(3), n)

	ok, err := h.svc.IsArbiter(context.Background(), arb2)
	require.NoError(t, err)
	require.True(t, ok)

	err = h.svc.AddArbiter(as(adminAddr), adminAddr, arb2)
	require.ErrorIs(t, err, ErrArbiterAlreadyExists)

	err = h.svc.AddArbiter(as(outsider), outsider, "GARB4")
	require.ErrorIs(t, err, admin.ErrNotAdmin)

	err = h.svc.AddArbiter(context.Background(), adminAddr, "GARB4")
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	require.NoError(t, h.svc.AddArbiter(as(adminAddr), adminAddr, "GARB4"))
	n, err = h.svc.GetArbiterCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(4), n)

	evt, ok := h.rec.Last(events.TypeArbiterAdded)
	require.True(t, ok)
	require.Equal(t, "4", evt.Attributes()["count"])
}

func TestVotesSpreadOverMonths(t *testing.T) {
	h := newHarness(t, 3)
	h.activate(t, "lease-1")
	const day = 24 * 60 * 60

	_, err := h.svc.RaiseDispute(as(tenant), tenant, "lease-1", "QmLeak")
	require.NoError(t, err)

	for i, arb := range []auth.Address{arb1, arb2, arb3} {
		h.now += 31 * day
		d, err := h.svc.CastVote(as(arb), arb, "lease-1", arb == arb3)
		require.NoError(t, err, "vote %d", i+1)
		require.Equal(t, i == 2, d.Resolved)
	}

	d, err := h.svc.GetDispute(context.Background(), "lease-1")
	require.NoError(t, err)
	require.True(t, d.Resolved)
	require.Equal(t, OutcomeFavorTenant, d.Outcome)
	require.Equal(t, []auth.Address{arb1, arb2, arb3}, d.Voters)
	require.Equal(t, agreement.StatusTerminated, h.status(t, "lease-1"))

	voted, err := h.svc.HasVoted(context.Background(), "lease-1", arb1)
	require.NoError(t, err)
	require.True(t, voted)

	n, err := h.svc.GetArbiterCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(3), n)
	err = h.svc.AddArbiter(as(adminAddr), adminAddr, arb1)
	require.ErrorIs(t, err, ErrArbiterAlreadyExists)
}

func TestAddArbiterBeforeInitialize(t *testing.T) {
	svc := NewService(ledger.NewMemStore())
	err := svc.AddArbiter(as(adminAddr), adminAddr, arb1)
	require.ErrorIs(t, err, admin.ErrNotInitialized)
}

func TestRaiseDispute(t *testing.T) {
	h := newHarness(t, 2)
	h.activate(t, "lease-1")

	d, err := h.svc.RaiseDispute(as(tenant), tenant, "lease-1", "  QmEvidence  ")
	require.NoError(t, err)
	require.Equal(t, uint32(1), d.Round)
	require.Equal(t, "QmEvidence", d.Evidence)
	require.Equal(t, OutcomePending, d.Outcome)
	require.False(t, d.Resolved)
	require.Equal(t, agreement.StatusDisputed, h.status(t, "lease-1"))
	require.Equal(t, []string{events.TypeDisputeRaised}, h.rec.Types())

	_, err = h.svc.RaiseDispute(as(landlord), landlord, "lease-1", "QmOther")
	require.ErrorIs(t, err, ErrDisputeAlreadyExists)
}

func TestRaiseDisputeGuards(t *testing.T) {
	h := newHarness(t, 2)
	h.activate(t, "lease-1")

	cases := []struct {
		name     string
		ctx      context.Context
		raiser   auth.Address
		id       string
		evidence string
		want     error
	}{
		{"unsigned", context.Background(), tenant, "lease-1", "Qm", auth.ErrUnauthorized},
		{"empty evidence", as(tenant), tenant, "lease-1", "   ", ErrInvalidEvidence},
		{"unknown agreement", as(tenant), tenant, "missing", "Qm", agreement.ErrAgreementNotFound},
		{"not a party", as(outsider), outsider, "lease-1", "Qm", agreement.ErrNotParty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.RaiseDispute(tc.ctx, tc.raiser, tc.id, tc.evidence)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Equal(t, agreement.StatusActive, h.status(t, "lease-1"))
	require.Empty(t, h.rec.Events())
}

func TestRaiseDisputeRequiresActive(t *testing.T) {
	h := newHarness(t, 2)
	_, err := h.agreements.CreateAgreement(as(tenant), agreement.CreateParams{
		ID:              "draft-1",
		Landlord:        landlord,
		Tenant:          tenant,
		MonthlyRent:     big.NewInt(1000),
		SecurityDeposit: big.NewInt(0),
		StartDate:       200,
		EndDate:         300,
		PaymentToken:    "USDC",
	})
	require.NoError(t, err)

	_, err = h.svc.RaiseDispute(as(tenant), tenant, "draft-1", "Qm")
	require.ErrorIs(t, err, agreement.ErrAgreementNotActive)
	require.Equal(t, agreement.StatusDraft, h.status(t, "draft-1"))
}

func TestCastVoteReachesQuorum(t *testing.T) {
	h := newHarness(t, 2)
	h.activate(t, "lease-1")
	_, err := h.svc.RaiseDispute(as(tenant), tenant, "lease-1", "Qm")
	require.NoError(t, err)

	d, err := h.svc.CastVote(as(arb1), arb1, "lease-1", false)
	require.NoError(t, err)
	require.False(t, d.Resolved)
	require.Equal(t, uint32(1), d.VotesFavorTenant)

	voted, err := h.svc.HasVoted(context.Background(), "lease-1", arb1)
	require.NoError(t, err)
	require.True(t, voted)

	h.now = 150
	d, err = h.svc.CastVote(as(arb2), arb2, "lease-1", false)
	require.NoError(t, err)
	require.True(t, d.Resolved)
	require.Equal(t, OutcomeFavorTenant, d.Outcome)
	require.Equal(t, []auth.Address{arb1, arb2}, d.Voters)
	require.NotNil(t, d.ResolvedAt)
	require.Equal(t, uint64(150), *d.ResolvedAt)

	// The tenant raised it and won, so the agreement ends.
	require.Equal(t, agreement.StatusTerminated, h.status(t, "lease-1"))

	evt, ok := h.rec.Last(events.TypeDisputeResolved)
	require.True(t, ok)
	require.Equal(t, "favor_tenant", evt.Attributes()["outcome"])
	require.Equal(t, "2", evt.Attributes()["votes_favor_tenant"])
	require.Equal(t, string(agreement.StatusTerminated), evt.Attributes()["agreement_status"])

	_, err = h.svc.CastVote(as(arb3), arb3, "lease-1", true)
	require.ErrorIs(t, err, ErrDisputeAlreadyResolved)
}

func TestCastVoteGuards(t *testing.T) {
	h := newHarness(t, 3)
	h.activate(t, "lease-1")

	_, err := h.svc.CastVote(as(arb1), arb1, "lease-1", true)
	require.ErrorIs(t, err, ErrDisputeNotFound)

	_, err = h.svc.RaiseDispute(as(landlord), landlord, "lease-1", "Qm")
	require.NoError(t, err)

	_, err = h.svc.CastVote(context.Background(), arb1, "lease-1", true)
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = h.svc.CastVote(as(outsider), outsider, "lease-1", true)
	require.ErrorIs(t, err, ErrNotArbiter)

	_, err = h.svc.CastVote(as(arb1), arb1, "lease-1", true)
	require.NoError(t, err)
	_, err = h.svc.CastVote(as(arb1), arb1, "lease-1", false)
	require.ErrorIs(t, err, ErrAlreadyVoted)

	d, err := h.svc.GetDispute(context.Background(), "lease-1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), d.TotalVotes())
	require.Equal(t, uint32(1), d.VotesFavorLandlord)
}

func TestOutcomeMapping(t *testing.T) {
	cases := []struct {
		name       string
		raiser     auth.Address
		votes      []bool
		wantResult Outcome
		wantStatus agreement.Status
	}{
		{"landlord raises and wins", landlord, []bool{true, true, false}, OutcomeFavorLandlord, agreement.StatusTerminated},
		{"landlord raises and loses", landlord, []bool{false, false, true}, OutcomeFavorTenant, agreement.StatusActive},
		{"tenant raises and wins", tenant, []bool{false, true, false}, OutcomeFavorTenant, agreement.StatusTerminated},
		{"tenant raises and loses", tenant, []bool{true, true, true}, OutcomeFavorLandlord, agreement.StatusActive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 3)
			h.activate(t, "lease-1")
			_, err := h.svc.RaiseDispute(as(tc.raiser), tc.raiser, "lease-1", "Qm")
			require.NoError(t, err)

			var d Dispute
			for i, a := range []auth.Address{arb1, arb2, arb3} {
				d, err = h.svc.CastVote(as(a), a, "lease-1", tc.votes[i])
				require.NoError(t, err)
			}
			require.True(t, d.Resolved)
			require.Equal(t, tc.wantResult, d.Outcome)
			require.Equal(t, tc.wantStatus, h.status(t, "lease-1"))
		})
	}
}

func TestTieIsUnresolved(t *testing.T) {
	h := newHarness(t, 2)
	h.activate(t, "lease-1")
	_, err := h.svc.RaiseDispute(as(tenant), tenant, "lease-1", "Qm")
	require.NoError(t, err)

	_, err = h.svc.CastVote(as(arb1), arb1, "lease-1", true)
	require.NoError(t, err)
	d, err := h.svc.CastVote(as(arb2), arb2, "lease-1", false)
	require.NoError(t, err)

	require.True(t, d.Resolved)
	require.Equal(t, OutcomeUnresolved, d.Outcome)
	require.Equal(t, agreement.StatusActive, h.status(t, "lease-1"))
}

func TestResolveDispute(t *testing.T) {
	h := newHarness(t, 3)
	h.activate(t, "lease-1")

	_, err := h.svc.ResolveDispute(context.Background(), "lease-1")
	require.ErrorIs(t, err, ErrDisputeNotFound)

	_, err = h.svc.RaiseDispute(as(landlord), landlord, "lease-1", "Qm")
	require.NoError(t, err)
	_, err = h.svc.CastVote(as(arb1), arb1, "lease-1", true)
	require.NoError(t, err)

	_, err = h.svc.ResolveDispute(context.Background(), "lease-1")
	require.ErrorIs(t, err, ErrInsufficientVotes)

	require.NoError(t, h.admin.UpdateConfig(as(adminAddr), adminAddr, admin.Config{FeeBps: 100, MinVotesRequired: 1}))
	d, err := h.svc.ResolveDispute(context.Background(), "lease-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeFavorLandlord, d.Outcome)
	require.Equal(t, agreement.StatusTerminated, h.status(t, "lease-1"))

	_, err = h.svc.ResolveDispute(context.Background(), "lease-1")
	require.ErrorIs(t, err, ErrDisputeAlreadyResolved)
}

func TestSecondRoundArchivesFirst(t *testing.T) {
	h := newHarness(t, 1)
	h.activate(t, "lease-1")

	_, err := h.svc.RaiseDispute(as(tenant), tenant, "lease-1", "QmFirst")
	require.NoError(t, err)
	first, err := h.svc.CastVote(as(arb1), arb1, "lease-1", true)
	require.NoError(t, err)
	require.Equal(t, agreement.StatusActive, h.status(t, "lease-1"))

	second, err := h.svc.RaiseDispute(as(landlord), landlord, "lease-1", "QmSecond")
	require.NoError(t, err)
	require.Equal(t, uint32(2), second.Round)

	// arb1 already voted in round one but may vote again.
	voted, err := h.svc.HasVoted(context.Background(), "lease-1", arb1)
	require.NoError(t, err)
	require.False(t, voted)

	history, err := h.svc.GetDisputeHistory(context.Background(), "lease-1")
	require.NoError(t, err)
	require.Equal(t, []Dispute{first}, history)
}

func TestCastVoteRollsBackWithEnclosingUnit(t *testing.T) {
	h := newHarness(t, 2)
	h.activate(t, "lease-1")
	_, err := h.svc.RaiseDispute(as(tenant), tenant, "lease-1", "Qm")
	require.NoError(t, err)
	h.rec.Reset()

	ctx := as(arb1)
	tx, err := h.store.Begin(ctx)
	require.NoError(t, err)
	_, err = h.svc.CastVote(ledger.WithTx(ctx, tx), arb1, "lease-1", true)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	voted, err := h.svc.HasVoted(context.Background(), "lease-1", arb1)
	require.NoError(t, err)
	require.False(t, voted)
	require.Empty(t, h.rec.Events())
}
