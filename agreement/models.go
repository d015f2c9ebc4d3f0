package agreement

import (
	"math/big"

	"rentflow/auth"
)

// Status is the lifecycle position of an agreement.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusTerminated Status = "terminated"
	StatusDisputed   Status = "disputed"
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTerminated:
		return true
	default:
		return false
	}
}

// MaxCommissionRate is the upper bound of AgentCommissionRate, in percent.
const MaxCommissionRate = 100

// Agreement is the stored rental contract. Money fields are never nil once
// the record has been created.
type Agreement struct {
	ID                  string                  `json:"id"`
	Landlord            auth.Address            `json:"landlord"`
	Tenant              auth.Address            `json:"tenant"`
	Agent               *auth.Address           `json:"agent,omitempty"`
	MonthlyRent         *big.Int                `json:"monthly_rent"`
	SecurityDeposit     *big.Int                `json:"security_deposit"`
	StartDate           uint64                  `json:"start_date"`
	EndDate             uint64                  `json:"end_date"`
	AgentCommissionRate uint32                  `json:"agent_commission_rate"`
	Status              Status                  `json:"status"`
	TotalRentPaid       *big.Int                `json:"total_rent_paid"`
	PaymentCount        uint32                  `json:"payment_count"`
	SignedAt            *uint64                 `json:"signed_at,omitempty"`
	PaymentToken        auth.Address            `json:"payment_token"`
	NextPaymentDue      uint64                  `json:"next_payment_due"`
	PaymentHistory      map[uint32]PaymentSplit `json:"payment_history"`
}

// IsParty reports whether addr is the landlord or the tenant.
func (a Agreement) IsParty(addr auth.Address) bool {
	return addr != "" && (addr == a.Landlord || addr == a.Tenant)
}

// PaymentSplit records how one rent payment was divided. Immutable once
// written.
type PaymentSplit struct {
	LandlordAmount *big.Int     `json:"landlord_amount"`
	PlatformAmount *big.Int     `json:"platform_amount"`
	Token          auth.Address `json:"token"`
	PaymentDate    uint64       `json:"payment_date"`
}

// CreateParams carries the caller-supplied fields of a new agreement.
type CreateParams struct {
	ID                  string        `json:"id"`
	Landlord            auth.Address  `json:"landlord"`
	Tenant              auth.Address  `json:"tenant"`
	Agent               *auth.Address `json:"agent,omitempty"`
	MonthlyRent         *big.Int      `json:"monthly_rent"`
	SecurityDeposit     *big.Int      `json:"security_deposit"`
	StartDate           uint64        `json:"start_date"`
	EndDate             uint64        `json:"end_date"`
	AgentCommissionRate uint32        `json:"agent_commission_rate"`
	PaymentToken        auth.Address  `json:"payment_token"`
}
