package escrow

import (
	"math/big"
	"strconv"

	"rentflow/auth"
	"rentflow/events"
)

// PaymentMade is emitted after a rent payment committed.
type PaymentMade struct {
	AgreementID    string
	Payer          auth.Address
	Landlord       auth.Address
	Collector      auth.Address
	Amount         *big.Int
	LandlordAmount *big.Int
	PlatformFee    *big.Int
	Medium         auth.Address
	Cycle          uint32
	At             uint64
}

func (PaymentMade) EventType() string { return events.TypePaymentMade }

func (e PaymentMade) Attributes() map[string]string {
	return map[string]string{
		"agreement_id":    e.AgreementID,
		"payer":           e.Payer.String(),
		"landlord":        e.Landlord.String(),
		"collector":       e.Collector.String(),
		"amount":          events.FormatAmount(e.Amount),
		"landlord_amount": events.FormatAmount(e.LandlordAmount),
		"platform_fee":    events.FormatAmount(e.PlatformFee),
		"token":           e.Medium.String(),
		"cycle":           strconv.FormatUint(uint64(e.Cycle), 10),
		"timestamp":       events.FormatTime(e.At),
	}
}

// FeeCollectorUpdated is emitted when the platform collector changes.
type FeeCollectorUpdated struct {
	Previous  auth.Address
	Collector auth.Address
	At        uint64
}

func (FeeCollectorUpdated) EventType() string { return events.TypeFeeCollectorUpdated }

func (e FeeCollectorUpdated) Attributes() map[string]string {
	attrs := map[string]string{
		"collector": e.Collector.String(),
		"timestamp": events.FormatTime(e.At),
	}
	if e.Previous != "" {
		attrs["previous"] = e.Previous.String()
	}
	return attrs
}
