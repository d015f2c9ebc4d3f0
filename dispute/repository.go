package dispute

import (
	"context"
	"fmt"
	"strconv"

	"rentflow/auth"
	"rentflow/errcode"
	"rentflow/ledger"
)

var (
	ErrArbiterAlreadyExists   = errcode.New(200, errcode.KindConflict, "dispute: arbiter already exists")
	ErrInvalidEvidence        = errcode.New(201, errcode.KindInvalidInput, "dispute: evidence reference is empty")
	ErrDisputeAlreadyExists   = errcode.New(202, errcode.KindConflict, "dispute: open dispute already exists")
	ErrNotArbiter             = errcode.New(203, errcode.KindUnauthorized, "dispute: caller is not an arbiter")
	ErrDisputeNotFound        = errcode.New(204, errcode.KindNotFound, "dispute: not found")
	ErrDisputeAlreadyResolved = errcode.New(205, errcode.KindConflict, "dispute: already resolved")
	ErrAlreadyVoted           = errcode.New(206, errcode.KindConflict, "dispute: arbiter already voted")
	ErrInsufficientVotes      = errcode.New(207, errcode.KindConflict, "dispute: quorum not reached")
)

var arbiterCountKey = ledger.NewKey("counter", "arbiters")

func disputeKey(agreementID string) ledger.Key {
	return ledger.NewKey("dispute", agreementID)
}

func archiveKey(agreementID string, round uint32) ledger.Key {
	return ledger.NewKey("dispute_archive", agreementID, strconv.FormatUint(uint64(round), 10))
}

func voteKey(agreementID string, round uint32, arbiter auth.Address) ledger.Key {
	return ledger.NewKey("vote", agreementID, strconv.FormatUint(uint64(round), 10), arbiter.String())
}

func arbiterKey(addr auth.Address) ledger.Key {
	return ledger.NewKey("arbiter", addr.String())
}

// Repository reads and writes arbitration records inside the caller's
// ledger transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Get loads the current dispute of an agreement.
func (r *Repository) Get(ctx context.Context, tx ledger.Tx, agreementID string) (Dispute, bool, error) {
	var d Dispute
	found, err := tx.Get(ctx, disputeKey(agreementID), &d)
	if err != nil {
		return Dispute{}, false, fmt.Errorf("dispute: load %s: %w", agreementID, err)
	}
	return d, found, nil
}

func (r *Repository) Put(ctx context.Context, tx ledger.Tx, d Dispute) error {
	if err := ledger.Save(ctx, tx, disputeKey(d.AgreementID), d); err != nil {
		return fmt.Errorf("dispute: store %s: %w", d.AgreementID, err)
	}
	return nil
}

// Archive keeps a sealed dispute under its round number.
func (r *Repository) Archive(ctx context.Context, tx ledger.Tx, d Dispute) error {
	if err := ledger.Save(ctx, tx, archiveKey(d.AgreementID, d.Round), d); err != nil {
		return fmt.Errorf("dispute: archive %s round %d: %w", d.AgreementID, d.Round, err)
	}
	return nil
}

// History returns the archived rounds in order. Rounds whose entry expired
// are skipped.
func (r *Repository) History(ctx context.Context, tx ledger.Tx, agreementID string, before uint32) ([]Dispute, error) {
	out := make([]Dispute, 0, before)
	for round := uint32(1); round < before; round++ {
		var d Dispute
		found, err := tx.Get(ctx, archiveKey(agreementID, round), &d)
		if err != nil {
			return nil, fmt.Errorf("dispute: load archive %s round %d: %w", agreementID, round, err)
		}
		if found {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *Repository) HasVoted(ctx context.Context, tx ledger.Tx, agreementID string, round uint32, arbiter auth.Address) (bool, error) {
	ok, err := tx.Has(ctx, voteKey(agreementID, round, arbiter))
	if err != nil {
		return false, fmt.Errorf("dispute: lookup vote: %w", err)
	}
	return ok, nil
}

func (r *Repository) PutVote(ctx context.Context, tx ledger.Tx, agreementID string, round uint32, v Vote) error {
	if err := ledger.Save(ctx, tx, voteKey(agreementID, round, v.Arbiter), v); err != nil {
		return fmt.Errorf("dispute: store vote: %w", err)
	}
	return nil
}

func (r *Repository) IsArbiter(ctx context.Context, tx ledger.Tx, addr auth.Address) (bool, error) {
	ok, err := tx.Has(ctx, arbiterKey(addr))
	if err != nil {
		return false, fmt.Errorf("dispute: lookup arbiter: %w", err)
	}
	return ok, nil
}

// AddArbiter stores the roster entry and returns the new roster size.
func (r *Repository) AddArbiter(ctx context.Context, tx ledger.Tx, a Arbiter) (uint32, error) {
	if err := ledger.Save(ctx, tx, arbiterKey(a.Address), a); err != nil {
		return 0, fmt.Errorf("dispute: store arbiter: %w", err)
	}
	n, err := r.ArbiterCount(ctx, tx)
	if err != nil {
		return 0, err
	}
	n++
	if err := ledger.Save(ctx, tx, arbiterCountKey, n); err != nil {
		return 0, fmt.Errorf("dispute: store arbiter count: %w", err)
	}
	return n, nil
}

func (r *Repository) ArbiterCount(ctx context.Context, tx ledger.Tx) (uint32, error) {
	var n uint32
	if _, err := tx.Get(ctx, arbiterCountKey, &n); err != nil {
		return 0, fmt.Errorf("dispute: load arbiter count: %w", err)
	}
	return n, nil
}
