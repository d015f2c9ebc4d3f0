package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps accounts in process memory. It backs the API when
// the ledger runs without PostgreSQL.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[Address]Account
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{accounts: map[Address]Account{}, now: time.Now}
}

func (r *MemoryRepository) CreateAccount(_ context.Context, params CreateAccountParams) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[params.Address]; ok {
		return Account{}, ErrDuplicateAddress
	}
	now := r.now().UTC()
	account := Account{
		ID:           uuid.NewString(),
		Address:      params.Address,
		DisplayName:  params.DisplayName,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.accounts[params.Address] = account
	return account, nil
}

func (r *MemoryRepository) GetAccountByAddress(_ context.Context, addr Address) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[addr]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}
