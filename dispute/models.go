package dispute

import "rentflow/auth"

// Outcome is the sealed verdict of a dispute.
type Outcome string

const (
	OutcomePending       Outcome = "pending"
	OutcomeFavorLandlord Outcome = "favor_landlord"
	OutcomeFavorTenant   Outcome = "favor_tenant"
	// OutcomeUnresolved seals a dispute whose tallies are equal at quorum.
	OutcomeUnresolved Outcome = "unresolved"
)

// Dispute mirrors the stored dispute record of one agreement. Round counts
// how many disputes the agreement has seen; earlier rounds are archived.
type Dispute struct {
	AgreementID        string         `json:"agreement_id"`
	Round              uint32         `json:"round"`
	RaisedBy           auth.Address   `json:"raised_by"`
	Evidence           string         `json:"evidence"`
	VotesFavorLandlord uint32         `json:"votes_favor_landlord"`
	VotesFavorTenant   uint32         `json:"votes_favor_tenant"`
	Voters             []auth.Address `json:"voters"`
	Resolved           bool           `json:"resolved"`
	Outcome            Outcome        `json:"outcome"`
	RaisedAt           uint64         `json:"raised_at"`
	ResolvedAt         *uint64        `json:"resolved_at,omitempty"`
}

// TotalVotes is the number of votes cast so far.
func (d Dispute) TotalVotes() uint32 {
	return d.VotesFavorLandlord + d.VotesFavorTenant
}

// Vote is the per-arbiter ballot of one dispute round.
type Vote struct {
	Arbiter       auth.Address `json:"arbiter"`
	FavorLandlord bool         `json:"favor_landlord"`
	CastAt        uint64       `json:"cast_at"`
}

// Arbiter is a roster entry.
type Arbiter struct {
	Address auth.Address `json:"address"`
	AddedBy auth.Address `json:"added_by"`
	AddedAt uint64       `json:"added_at"`
}

// decide applies the strict-majority rule to the tallies.
func decide(favorLandlord, favorTenant uint32) Outcome {
	switch {
	case favorLandlord > favorTenant:
		return OutcomeFavorLandlord
	case favorTenant > favorLandlord:
		return OutcomeFavorTenant
	default:
		return OutcomeUnresolved
	}
}
