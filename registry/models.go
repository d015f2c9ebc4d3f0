package registry

import (
	"time"

	"rentflow/auth"
)

// AgentProfile captures the reputation record of an intermediary.
type AgentProfile struct {
	Address             auth.Address
	ProfileHash         string
	Verified            bool
	RegisteredAt        time.Time
	VerifiedAt          *time.Time
	TotalRatings        uint32
	TotalScore          uint32
	CompletedAgreements uint32
}

// AverageRating returns the mean score, or zero for an unrated agent.
func (p AgentProfile) AverageRating() float64 {
	if p.TotalRatings == 0 {
		return 0
	}
	return float64(p.TotalScore) / float64(p.TotalRatings)
}

// Rating is one party's score for an agent on a given agreement.
type Rating struct {
	Agent       auth.Address
	Rater       auth.Address
	AgreementID string
	Score       uint32
	CreatedAt   time.Time
}
