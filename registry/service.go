package registry

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"rentflow/auth"
	"rentflow/errcode"
	"rentflow/logging"
)

var (
	ErrInvalidRatingScore = errcode.New(300, errcode.KindInvalidInput, "registry: rating score out of range")
	ErrAgentNotFound      = errcode.New(301, errcode.KindNotFound, "registry: agent not found")
	ErrAgentNotVerified   = errcode.New(302, errcode.KindConflict, "registry: agent not verified")
	ErrAlreadyRated       = errcode.New(303, errcode.KindConflict, "registry: agent already rated by this party")
)

const (
	MinScore = 1
	MaxScore = 5
)

// ProfileStore abstracts repository operations for the service.
type ProfileStore interface {
	GetByAddress(ctx context.Context, addr auth.Address) (AgentProfile, error)
	List(ctx context.Context, limit int) ([]AgentProfile, error)
	AddRating(ctx context.Context, rating Rating) (AgentProfile, error)
}

// Service exposes agent lookups to the agreement core and the rating
// operation to the HTTP layer.
type Service struct {
	repo ProfileStore
	log  *logrus.Entry
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileStore) *Service {
	return &Service{repo: repo, log: logging.Discard()}
}

func (s *Service) WithLogger(log *logrus.Entry) *Service {
	if log != nil {
		s.log = log
	}
	return s
}

// Get returns the profile for addr.
func (s *Service) Get(ctx context.Context, addr auth.Address) (AgentProfile, error) {
	return s.repo.GetByAddress(ctx, addr)
}

// List returns up to limit profiles.
func (s *Service) List(ctx context.Context, limit int) ([]AgentProfile, error) {
	return s.repo.List(ctx, limit)
}

func (s *Service) AgentExists(ctx context.Context, addr auth.Address) (bool, error) {
	_, err := s.repo.GetByAddress(ctx, addr)
	if errors.Is(err, ErrAgentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) AgentVerified(ctx context.Context, addr auth.Address) (bool, error) {
	p, err := s.repo.GetByAddress(ctx, addr)
	if errors.Is(err, ErrAgentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Verified, nil
}

// Rate records rater's score for a verified agent. The score range is
// checked before anything is read or written.
func (s *Service) Rate(ctx context.Context, rater, agent auth.Address, agreementID string, score uint32) (AgentProfile, error) {
	p, err := s.rate(ctx, rater, agent, agreementID, score)
	logging.Outcome(s.log, "rate_agent", err, logrus.Fields{"agent": agent, "rater": rater, "score": score})
	return p, err
}

func (s *Service) rate(ctx context.Context, rater, agent auth.Address, agreementID string, score uint32) (AgentProfile, error) {
	if score < MinScore || score > MaxScore {
		return AgentProfile{}, ErrInvalidRatingScore
	}
	if err := auth.Require(ctx, rater); err != nil {
		return AgentProfile{}, err
	}
	p, err := s.repo.GetByAddress(ctx, agent)
	if err != nil {
		return AgentProfile{}, err
	}
	if !p.Verified {
		return AgentProfile{}, ErrAgentNotVerified
	}
	return s.repo.AddRating(ctx, Rating{Agent: agent, Rater: rater, AgreementID: agreementID, Score: score})
}
