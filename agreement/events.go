package agreement

import (
	"math/big"
	"strconv"

	"rentflow/auth"
	"rentflow/events"
)

// Created is emitted when a Draft agreement is stored.
type Created struct {
	Agreement Agreement
	At        uint64
}

func (Created) EventType() string { return events.TypeAgreementCreated }

func (e Created) Attributes() map[string]string {
	a := e.Agreement
	attrs := map[string]string{
		"agreement_id":     a.ID,
		"landlord":         a.Landlord.String(),
		"tenant":           a.Tenant.String(),
		"monthly_rent":     events.FormatAmount(a.MonthlyRent),
		"security_deposit": events.FormatAmount(a.SecurityDeposit),
		"start_date":       events.FormatTime(a.StartDate),
		"end_date":         events.FormatTime(a.EndDate),
		"payment_token":    a.PaymentToken.String(),
		"timestamp":        events.FormatTime(e.At),
	}
	if a.Agent != nil {
		attrs["agent"] = a.Agent.String()
		attrs["agent_commission_rate"] = strconv.FormatUint(uint64(a.AgentCommissionRate), 10)
	}
	return attrs
}

// Submitted is emitted when the landlord offers a Draft for signature.
type Submitted struct {
	AgreementID string
	Landlord    auth.Address
	At          uint64
}

func (Submitted) EventType() string { return events.TypeAgreementSubmitted }

func (e Submitted) Attributes() map[string]string {
	return map[string]string{
		"agreement_id": e.AgreementID,
		"landlord":     e.Landlord.String(),
		"timestamp":    events.FormatTime(e.At),
	}
}

// Signed is emitted when the tenant activates the agreement.
type Signed struct {
	AgreementID string
	Landlord    auth.Address
	Tenant      auth.Address
	At          uint64
}

func (Signed) EventType() string { return events.TypeAgreementSigned }

func (e Signed) Attributes() map[string]string {
	return map[string]string{
		"agreement_id": e.AgreementID,
		"landlord":     e.Landlord.String(),
		"tenant":       e.Tenant.String(),
		"signed_at":    events.FormatTime(e.At),
	}
}

type Cancelled struct {
	AgreementID string
	By          auth.Address
	At          uint64
}

func (Cancelled) EventType() string { return events.TypeAgreementCancelled }

func (e Cancelled) Attributes() map[string]string {
	return map[string]string{
		"agreement_id": e.AgreementID,
		"by":           e.By.String(),
		"timestamp":    events.FormatTime(e.At),
	}
}

type Completed struct {
	AgreementID   string
	By            auth.Address
	TotalRentPaid *big.Int
	PaymentCount  uint32
	At            uint64
}

func (Completed) EventType() string { return events.TypeAgreementCompleted }

func (e Completed) Attributes() map[string]string {
	return map[string]string{
		"agreement_id":    e.AgreementID,
		"by":              e.By.String(),
		"total_rent_paid": events.FormatAmount(e.TotalRentPaid),
		"payment_count":   strconv.FormatUint(uint64(e.PaymentCount), 10),
		"timestamp":       events.FormatTime(e.At),
	}
}
