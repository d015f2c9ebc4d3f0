package dispute

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"rentflow/admin"
	"rentflow/agreement"
	"rentflow/auth"
	"rentflow/events"
	"rentflow/ledger"
	"rentflow/logging"
)

// Service runs the arbiter roster and quorum voting. Resolutions are fed back
// into the agreement record in the same unit of work.
type Service struct {
	store      ledger.Store
	repo       *Repository
	agreements *agreement.Repository
	emitter    events.Emitter
	log        *logrus.Entry
}

func NewService(store ledger.Store) *Service {
	return &Service{
		store:      store,
		repo:       NewRepository(),
		agreements: agreement.NewRepository(),
		emitter:    events.NoopEmitter{},
		log:        logging.Discard(),
	}
}

func (s *Service) WithEmitter(em events.Emitter) *Service {
	if em != nil {
		s.emitter = em
	}
	return s
}

func (s *Service) WithLogger(log *logrus.Entry) *Service {
	if log != nil {
		s.log = log
	}
	return s
}

// AddArbiter appends arbiter to the roster. Administrator only.
func (s *Service) AddArbiter(ctx context.Context, adminAddr, arbiter auth.Address) error {
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := admin.RequireAdmin(ctx, tx, adminAddr); err != nil {
			return err
		}
		if err := arbiter.Validate(); err != nil {
			return err
		}
		exists, err := s.repo.IsArbiter(ctx, tx, arbiter)
		if err != nil {
			return err
		}
		if exists {
			return ErrArbiterAlreadyExists
		}
		count, err := s.repo.AddArbiter(ctx, tx, Arbiter{Address: arbiter, AddedBy: adminAddr, AddedAt: tx.Timestamp()})
		if err != nil {
			return err
		}
		if err := events.Publish(ctx, tx, s.emitter, ArbiterAdded{Arbiter: arbiter, Admin: adminAddr, Count: count, At: tx.Timestamp()}); err != nil {
			return err
		}
		return nil
	})
	logging.Outcome(s.log, "add_arbiter", err, logrus.Fields{"arbiter": arbiter})
	return err
}

// IsArbiter reports roster membership.
func (s *Service) IsArbiter(ctx context.Context, addr auth.Address) (bool, error) {
	var ok bool
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		ok, err = s.repo.IsArbiter(ctx, tx, addr)
		return err
	})
	return ok, err
}

// GetArbiterCount returns the roster size.
func (s *Service) GetArbiterCount(ctx context.Context) (uint32, error) {
	var n uint32
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		n, err = s.repo.ArbiterCount(ctx, tx)
		return err
	})
	return n, err
}

// RaiseDispute opens a dispute on an Active agreement and pauses it. A
// sealed dispute from an earlier round is archived first.
func (s *Service) RaiseDispute(ctx context.Context, raiser auth.Address, agreementID, evidence string) (Dispute, error) {
	var opened Dispute
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		if err := auth.Require(ctx, raiser); err != nil {
			return err
		}
		evidence = strings.TrimSpace(evidence)
		if evidence == "" {
			return ErrInvalidEvidence
		}
		a, err := s.agreements.Get(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		if !a.IsParty(raiser) {
			return agreement.ErrNotParty
		}
		prev, found, err := s.repo.Get(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		if found && !prev.Resolved {
			return ErrDisputeAlreadyExists
		}
		if a.Status != agreement.StatusActive {
			return agreement.ErrAgreementNotActive
		}

		round := uint32(1)
		if found {
			if err := s.repo.Archive(ctx, tx, prev); err != nil {
				return err
			}
			round = prev.Round + 1
		}
		now := tx.Timestamp()
		opened = Dispute{
			AgreementID: agreementID,
			Round:       round,
			RaisedBy:    raiser,
			Evidence:    evidence,
			Voters:      []auth.Address{},
			Outcome:     OutcomePending,
			RaisedAt:    now,
		}
		if err := agreement.Transition(&a, agreement.StatusDisputed); err != nil {
			return err
		}
		if err := s.repo.Put(ctx, tx, opened); err != nil {
			return err
		}
		if err := s.agreements.Put(ctx, tx, a); err != nil {
			return err
		}
		if err := events.Publish(ctx, tx, s.emitter, Raised{Dispute: opened}); err != nil {
			return err
		}
		return nil
	})
	logging.Outcome(s.log, "raise_dispute", err, logrus.Fields{"agreement_id": agreementID, "raiser": raiser})
	if err != nil {
		return Dispute{}, err
	}
	return opened, nil
}

// CastVote records one arbiter's ballot. Reaching the configured quorum
// seals the dispute in the same call.
func (s *Service) CastVote(ctx context.Context, arbiter auth.Address, agreementID string, favorLandlord bool) (Dispute, error) {
	var out Dispute
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		if err := auth.Require(ctx, arbiter); err != nil {
			return err
		}
		isArbiter, err := s.repo.IsArbiter(ctx, tx, arbiter)
		if err != nil {
			return err
		}
		if !isArbiter {
			return ErrNotArbiter
		}
		d, found, err := s.repo.Get(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		if !found {
			return ErrDisputeNotFound
		}
		if d.Resolved {
			return ErrDisputeAlreadyResolved
		}
		voted, err := s.repo.HasVoted(ctx, tx, agreementID, d.Round, arbiter)
		if err != nil {
			return err
		}
		if voted {
			return ErrAlreadyVoted
		}
		st, initialized, err := admin.Load(ctx, tx)
		if err != nil {
			return err
		}
		if !initialized {
			return admin.ErrNotInitialized
		}

		now := tx.Timestamp()
		if err := s.repo.PutVote(ctx, tx, agreementID, d.Round, Vote{Arbiter: arbiter, FavorLandlord: favorLandlord, CastAt: now}); err != nil {
			return err
		}
		if favorLandlord {
			d.VotesFavorLandlord++
		} else {
			d.VotesFavorTenant++
		}
		d.Voters = append(d.Voters, arbiter)
		if err := events.Publish(ctx, tx, s.emitter, VoteCast{AgreementID: agreementID, Round: d.Round, Arbiter: arbiter, FavorLandlord: favorLandlord, At: now}); err != nil {
			return err
		}

		if d.TotalVotes() >= st.Config.MinVotesRequired {
			if err := s.seal(ctx, tx, &d); err != nil {
				return err
			}
		}
		if err := s.repo.Put(ctx, tx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	logging.Outcome(s.log, "cast_vote", err, logrus.Fields{"agreement_id": agreementID, "arbiter": arbiter})
	if err != nil {
		return Dispute{}, err
	}
	return out, nil
}

// ResolveDispute seals a dispute whose tally already meets the current
// quorum, for example after the administrator lowered it.
func (s *Service) ResolveDispute(ctx context.Context, agreementID string) (Dispute, error) {
	var out Dispute
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		d, found, err := s.repo.Get(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		if !found {
			return ErrDisputeNotFound
		}
		if d.Resolved {
			return ErrDisputeAlreadyResolved
		}
		st, initialized, err := admin.Load(ctx, tx)
		if err != nil {
			return err
		}
		if !initialized {
			return admin.ErrNotInitialized
		}
		if d.TotalVotes() < st.Config.MinVotesRequired {
			return ErrInsufficientVotes
		}
		if err := s.seal(ctx, tx, &d); err != nil {
			return err
		}
		if err := s.repo.Put(ctx, tx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	logging.Outcome(s.log, "resolve_dispute", err, logrus.Fields{"agreement_id": agreementID})
	if err != nil {
		return Dispute{}, err
	}
	return out, nil
}

// seal fixes the outcome and moves the agreement out of Disputed. A verdict
// for the side that raised the dispute upholds it and terminates the
// agreement; any other verdict, including a tie, restores Active.
func (s *Service) seal(ctx context.Context, tx ledger.Tx, d *Dispute) error {
	a, err := s.agreements.Get(ctx, tx, d.AgreementID)
	if err != nil {
		return err
	}

	outcome := decide(d.VotesFavorLandlord, d.VotesFavorTenant)
	upheld := (outcome == OutcomeFavorLandlord && d.RaisedBy == a.Landlord) ||
		(outcome == OutcomeFavorTenant && d.RaisedBy == a.Tenant)
	next := agreement.StatusActive
	if upheld {
		next = agreement.StatusTerminated
	}
	if err := agreement.Transition(&a, next); err != nil {
		return err
	}
	if err := s.agreements.Put(ctx, tx, a); err != nil {
		return err
	}

	now := tx.Timestamp()
	d.Resolved = true
	d.Outcome = outcome
	d.ResolvedAt = &now
	return events.Publish(ctx, tx, s.emitter, Resolved{Dispute: *d, AgreementStatus: next})
}

// GetDispute returns the current dispute of an agreement.
func (s *Service) GetDispute(ctx context.Context, agreementID string) (Dispute, error) {
	var d Dispute
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		got, found, err := s.repo.Get(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		if !found {
			return ErrDisputeNotFound
		}
		d = got
		return nil
	})
	return d, err
}

// GetDisputeHistory lists the sealed rounds that preceded the current one.
func (s *Service) GetDisputeHistory(ctx context.Context, agreementID string) ([]Dispute, error) {
	var out []Dispute
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		d, found, err := s.repo.Get(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		if !found {
			return ErrDisputeNotFound
		}
		out, err = s.repo.History(ctx, tx, agreementID, d.Round)
		return err
	})
	return out, err
}

// HasVoted reports whether arbiter voted in the current round.
func (s *Service) HasVoted(ctx context.Context, agreementID string, arbiter auth.Address) (bool, error) {
	var voted bool
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		d, found, err := s.repo.Get(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		if !found {
			return ErrDisputeNotFound
		}
		voted, err = s.repo.HasVoted(ctx, tx, agreementID, d.Round, arbiter)
		return err
	})
	return voted, err
}
