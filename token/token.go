// Package token provides the value-transfer primitive used to settle rent.
package token

import (
	"context"
	"fmt"
	"math/big"

	"rentflow/auth"
	"rentflow/errcode"
	"rentflow/ledger"
)

var (
	ErrInvalidTransferAmount = errcode.New(400, errcode.KindInvalidInput, "token: invalid transfer amount")
	ErrInsufficientBalance   = errcode.New(401, errcode.KindConflict, "token: insufficient balance")
)

// Transferer moves amount of medium from one address to another. A transfer
// either changes both balances or neither.
type Transferer interface {
	Transfer(ctx context.Context, from, to auth.Address, amount *big.Int, medium auth.Address) error
}

// Bank keeps balances in the ledger. Transfers join the ledger transaction
// carried by ctx, so they roll back together with the enclosing operation.
type Bank struct {
	store ledger.Store
}

// NewBank returns a ledger-backed Transferer.
func NewBank(store ledger.Store) *Bank {
	return &Bank{store: store}
}

func balanceKey(medium, addr auth.Address) ledger.Key {
	return ledger.NewKey("balance", medium.String(), addr.String())
}

func loadBalance(ctx context.Context, tx ledger.Tx, medium, addr auth.Address) (*big.Int, error) {
	bal := new(big.Int)
	if _, err := tx.Get(ctx, balanceKey(medium, addr), bal); err != nil {
		return nil, fmt.Errorf("token: load balance: %w", err)
	}
	return bal, nil
}

func validate(addrs ...auth.Address) error {
	for _, a := range addrs {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bank) Transfer(ctx context.Context, from, to auth.Address, amount *big.Int, medium auth.Address) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidTransferAmount
	}
	if err := validate(from, to, medium); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}

	return ledger.RunInTx(ctx, b.store, func(ctx context.Context, tx ledger.Tx) error {
		fromBal, err := loadBalance(ctx, tx, medium, from)
		if err != nil {
			return err
		}
		if fromBal.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from, fromBal, amount)
		}
		if from == to {
			return nil
		}
		toBal, err := loadBalance(ctx, tx, medium, to)
		if err != nil {
			return err
		}

		if err := ledger.Save(ctx, tx, balanceKey(medium, from), new(big.Int).Sub(fromBal, amount)); err != nil {
			return err
		}
		return ledger.Save(ctx, tx, balanceKey(medium, to), new(big.Int).Add(toBal, amount))
	})
}

// Mint credits amount of medium to addr.
func (b *Bank) Mint(ctx context.Context, to auth.Address, amount *big.Int, medium auth.Address) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidTransferAmount
	}
	if err := validate(to, medium); err != nil {
		return err
	}
	return ledger.RunInTx(ctx, b.store, func(ctx context.Context, tx ledger.Tx) error {
		bal, err := loadBalance(ctx, tx, medium, to)
		if err != nil {
			return err
		}
		return ledger.Save(ctx, tx, balanceKey(medium, to), bal.Add(bal, amount))
	})
}

// Balance returns addr's holdings of medium.
func (b *Bank) Balance(ctx context.Context, addr, medium auth.Address) (*big.Int, error) {
	var bal *big.Int
	err := ledger.RunInTx(ctx, b.store, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		bal, err = loadBalance(ctx, tx, medium, addr)
		return err
	})
	return bal, err
}
