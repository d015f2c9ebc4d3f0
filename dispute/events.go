package dispute

import (
	"strconv"

	"rentflow/agreement"
	"rentflow/auth"
	"rentflow/events"
)

type ArbiterAdded struct {
	Arbiter auth.Address
	Admin   auth.Address
	Count   uint32
	At      uint64
}

func (ArbiterAdded) EventType() string { return events.TypeArbiterAdded }

func (e ArbiterAdded) Attributes() map[string]string {
	return map[string]string{
		"arbiter":   e.Arbiter.String(),
		"admin":     e.Admin.String(),
		"count":     strconv.FormatUint(uint64(e.Count), 10),
		"timestamp": events.FormatTime(e.At),
	}
}

type Raised struct {
	Dispute Dispute
}

func (Raised) EventType() string { return events.TypeDisputeRaised }

func (e Raised) Attributes() map[string]string {
	return map[string]string{
		"agreement_id": e.Dispute.AgreementID,
		"round":        strconv.FormatUint(uint64(e.Dispute.Round), 10),
		"raised_by":    e.Dispute.RaisedBy.String(),
		"details_hash": e.Dispute.Evidence,
		"timestamp":    events.FormatTime(e.Dispute.RaisedAt),
	}
}

type VoteCast struct {
	AgreementID   string
	Round         uint32
	Arbiter       auth.Address
	FavorLandlord bool
	At            uint64
}

func (VoteCast) EventType() string { return events.TypeDisputeVoteCast }

func (e VoteCast) Attributes() map[string]string {
	return map[string]string{
		"agreement_id":   e.AgreementID,
		"round":          strconv.FormatUint(uint64(e.Round), 10),
		"arbiter":        e.Arbiter.String(),
		"favor_landlord": strconv.FormatBool(e.FavorLandlord),
		"timestamp":      events.FormatTime(e.At),
	}
}

// Resolved carries the sealed outcome with both tallies.
type Resolved struct {
	Dispute         Dispute
	AgreementStatus agreement.Status
}

func (Resolved) EventType() string { return events.TypeDisputeResolved }

func (e Resolved) Attributes() map[string]string {
	d := e.Dispute
	attrs := map[string]string{
		"agreement_id":         d.AgreementID,
		"round":                strconv.FormatUint(uint64(d.Round), 10),
		"outcome":              string(d.Outcome),
		"votes_favor_landlord": strconv.FormatUint(uint64(d.VotesFavorLandlord), 10),
		"votes_favor_tenant":   strconv.FormatUint(uint64(d.VotesFavorTenant), 10),
		"agreement_status":     string(e.AgreementStatus),
	}
	if d.ResolvedAt != nil {
		attrs["timestamp"] = events.FormatTime(*d.ResolvedAt)
	}
	return attrs
}
