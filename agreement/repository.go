package agreement

import (
	"context"
	"fmt"

	"rentflow/errcode"
	"rentflow/ledger"
)

var (
	ErrAgreementAlreadyExists = errcode.New(4, errcode.KindConflict, "agreement: already exists")
	ErrInvalidAmount          = errcode.New(5, errcode.KindInvalidInput, "agreement: invalid amount")
	ErrInvalidDate            = errcode.New(6, errcode.KindInvalidInput, "agreement: invalid date")
	ErrInvalidCommissionRate  = errcode.New(7, errcode.KindInvalidInput, "agreement: invalid commission rate")
	ErrAgreementNotActive     = errcode.New(10, errcode.KindConflict, "agreement: not active")
	ErrAgreementNotFound      = errcode.New(13, errcode.KindNotFound, "agreement: not found")
	ErrNotTenant              = errcode.New(14, errcode.KindUnauthorized, "agreement: caller is not the tenant")
	ErrInvalidState           = errcode.New(15, errcode.KindConflict, "agreement: invalid state")
	ErrExpired                = errcode.New(16, errcode.KindTiming, "agreement: expired")
	ErrInvalidAgreementID     = errcode.New(19, errcode.KindInvalidInput, "agreement: invalid id")
	ErrInvalidParty           = errcode.New(20, errcode.KindInvalidInput, "agreement: invalid party")
	ErrAgentNotRegistered     = errcode.New(21, errcode.KindNotFound, "agreement: agent not registered")
	ErrNotLandlord            = errcode.New(22, errcode.KindUnauthorized, "agreement: caller is not the landlord")
	ErrNotParty               = errcode.New(23, errcode.KindUnauthorized, "agreement: caller is not a party")
	ErrAgreementNotEnded      = errcode.New(24, errcode.KindTiming, "agreement: term has not ended")
)

var countKey = ledger.NewKey("counter", "agreements")

// Key is the ledger key of an agreement record.
func Key(id string) ledger.Key {
	return ledger.NewKey("agreement", id)
}

// Repository reads and writes agreement records inside the caller's ledger
// transaction. Escrow and arbitration share it so all status writes land on
// the same record.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Get loads the agreement or returns ErrAgreementNotFound.
func (r *Repository) Get(ctx context.Context, tx ledger.Tx, id string) (Agreement, error) {
	var a Agreement
	found, err := tx.Get(ctx, Key(id), &a)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: load %s: %w", id, err)
	}
	if !found {
		return Agreement{}, ErrAgreementNotFound
	}
	if a.PaymentHistory == nil {
		a.PaymentHistory = make(map[uint32]PaymentSplit)
	}
	return a, nil
}

// Exists reports whether a live record is stored under id.
func (r *Repository) Exists(ctx context.Context, tx ledger.Tx, id string) (bool, error) {
	ok, err := tx.Has(ctx, Key(id))
	if err != nil {
		return false, fmt.Errorf("agreement: lookup %s: %w", id, err)
	}
	return ok, nil
}

// Put writes the whole record and renews its TTL.
func (r *Repository) Put(ctx context.Context, tx ledger.Tx, a Agreement) error {
	if err := ledger.Save(ctx, tx, Key(a.ID), a); err != nil {
		return fmt.Errorf("agreement: store %s: %w", a.ID, err)
	}
	return nil
}

// Count returns the number of agreements ever created.
func (r *Repository) Count(ctx context.Context, tx ledger.Tx) (uint64, error) {
	var n uint64
	if _, err := tx.Get(ctx, countKey, &n); err != nil {
		return 0, fmt.Errorf("agreement: load count: %w", err)
	}
	return n, nil
}

func (r *Repository) incrementCount(ctx context.Context, tx ledger.Tx) (uint64, error) {
	n, err := r.Count(ctx, tx)
	if err != nil {
		return 0, err
	}
	n++
	if err := ledger.Save(ctx, tx, countKey, n); err != nil {
		return 0, fmt.Errorf("agreement: store count: %w", err)
	}
	return n, nil
}
