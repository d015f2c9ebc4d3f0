package agreement

import (
	"context"
	"math/big"
	"strings"

	"github.com/sirupsen/logrus"

	"rentflow/auth"
	"rentflow/events"
	"rentflow/ledger"
	"rentflow/logging"
)

// AgentDirectory answers whether an intermediary is known to the registry.
type AgentDirectory interface {
	AgentExists(ctx context.Context, addr auth.Address) (bool, error)
}

// Service owns the agreement lifecycle.
type Service struct {
	store   ledger.Store
	repo    *Repository
	agents  AgentDirectory
	emitter events.Emitter
	log     *logrus.Entry
}

func NewService(store ledger.Store) *Service {
	return &Service{
		store:   store,
		repo:    NewRepository(),
		emitter: events.NoopEmitter{},
		log:     logging.Discard(),
	}
}

// WithAgentDirectory makes CreateAgreement reject unknown agents.
func (s *Service) WithAgentDirectory(dir AgentDirectory) *Service {
	s.agents = dir
	return s
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

// CreateAgreement stores a new Draft agreement on behalf of the tenant.
func (s *Service) CreateAgreement(ctx context.Context, params CreateParams) (Agreement, error) {
	var created Agreement
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		if err := auth.Require(ctx, params.Tenant); err != nil {
			return err
		}
		if strings.TrimSpace(params.ID) == "" {
			return ErrInvalidAgreementID
		}
		// A taken id is rejected before the other fields are looked at so a
		// replay always fails the same way.
		exists, err := s.repo.Exists(ctx, tx, params.ID)
		if err != nil {
			return err
		}
		if exists {
			return ErrAgreementAlreadyExists
		}
		if err := validateCreate(params); err != nil {
			return err
		}
		if params.Agent != nil && s.agents != nil {
			ok, err := s.agents.AgentExists(ctx, *params.Agent)
			if err != nil {
				return err
			}
			if !ok {
				return ErrAgentNotRegistered
			}
		}

		created = Agreement{
			ID:                  params.ID,
			Landlord:            params.Landlord,
			Tenant:              params.Tenant,
			Agent:               params.Agent,
			MonthlyRent:         new(big.Int).Set(params.MonthlyRent),
			SecurityDeposit:     new(big.Int).Set(params.SecurityDeposit),
			StartDate:           params.StartDate,
			EndDate:             params.EndDate,
			AgentCommissionRate: params.AgentCommissionRate,
			Status:              StatusDraft,
			TotalRentPaid:       new(big.Int),
			PaymentToken:        params.PaymentToken,
			NextPaymentDue:      params.StartDate,
			PaymentHistory:      make(map[uint32]PaymentSplit),
		}
		if err := s.repo.Put(ctx, tx, created); err != nil {
			return err
		}
		if _, err := s.repo.incrementCount(ctx, tx); err != nil {
			return err
		}
		if err := events.Publish(ctx, tx, s.emitter, Created{Agreement: created, At: tx.Timestamp()}); err != nil {
			return err
		}
		return nil
	})
	logging.Outcome(s.log, "create_agreement", err, logrus.Fields{"agreement_id": params.ID})
	if err != nil {
		return Agreement{}, err
	}
	return created, nil
}

func validateCreate(p CreateParams) error {
	for _, addr := range []auth.Address{p.Landlord, p.Tenant, p.PaymentToken} {
		if err := addr.Validate(); err != nil {
			return ErrInvalidParty.Wrap(err)
		}
	}
	if p.Landlord == p.Tenant {
		return ErrInvalidParty
	}
	if p.Agent != nil {
		if err := p.Agent.Validate(); err != nil {
			return ErrInvalidParty.Wrap(err)
		}
	}
	if p.MonthlyRent == nil || p.MonthlyRent.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if p.SecurityDeposit == nil || p.SecurityDeposit.Sign() < 0 {
		return ErrInvalidAmount
	}
	if p.StartDate >= p.EndDate {
		return ErrInvalidDate
	}
	if p.AgentCommissionRate > MaxCommissionRate {
		return ErrInvalidCommissionRate
	}
	return nil
}

// SubmitAgreement moves a Draft to Pending so the tenant can sign it.
func (s *Service) SubmitAgreement(ctx context.Context, landlord auth.Address, id string) error {
	err := s.mutate(ctx, landlord, id, func(ctx context.Context, tx ledger.Tx, a *Agreement) (events.Event, error) {
		if a.Landlord != landlord {
			return nil, ErrNotLandlord
		}
		if a.Status != StatusDraft {
			return nil, ErrInvalidState
		}
		if err := Transition(a, StatusPending); err != nil {
			return nil, err
		}
		return Submitted{AgreementID: a.ID, Landlord: landlord, At: tx.Timestamp()}, nil
	})
	logging.Outcome(s.log, "submit_agreement", err, logrus.Fields{"agreement_id": id})
	return err
}

// SignAgreement activates a Pending agreement. Only the stored tenant may
// sign, and only before the term ends.
func (s *Service) SignAgreement(ctx context.Context, tenant auth.Address, id string) error {
	err := s.mutate(ctx, tenant, id, func(ctx context.Context, tx ledger.Tx, a *Agreement) (events.Event, error) {
		if a.Tenant != tenant {
			return nil, ErrNotTenant
		}
		if a.Status != StatusPending {
			return nil, ErrInvalidState
		}
		now := tx.Timestamp()
		if now > a.EndDate {
			return nil, ErrExpired
		}
		if err := Transition(a, StatusActive); err != nil {
			return nil, err
		}
		a.SignedAt = &now
		return Signed{AgreementID: a.ID, Landlord: a.Landlord, Tenant: tenant, At: now}, nil
	})
	logging.Outcome(s.log, "sign_agreement", err, logrus.Fields{"agreement_id": id})
	return err
}

// CancelAgreement withdraws an agreement that has not been signed yet.
func (s *Service) CancelAgreement(ctx context.Context, caller auth.Address, id string) error {
	err := s.mutate(ctx, caller, id, func(ctx context.Context, tx ledger.Tx, a *Agreement) (events.Event, error) {
		if !a.IsParty(caller) {
			return nil, ErrNotParty
		}
		if a.Status != StatusDraft && a.Status != StatusPending {
			return nil, ErrInvalidState
		}
		if err := Transition(a, StatusCancelled); err != nil {
			return nil, err
		}
		return Cancelled{AgreementID: a.ID, By: caller, At: tx.Timestamp()}, nil
	})
	logging.Outcome(s.log, "cancel_agreement", err, logrus.Fields{"agreement_id": id})
	return err
}

// CompleteAgreement closes an Active agreement whose term is over.
func (s *Service) CompleteAgreement(ctx context.Context, caller auth.Address, id string) error {
	err := s.mutate(ctx, caller, id, func(ctx context.Context, tx ledger.Tx, a *Agreement) (events.Event, error) {
		if !a.IsParty(caller) {
			return nil, ErrNotParty
		}
		if a.Status != StatusActive {
			return nil, ErrAgreementNotActive
		}
		if tx.Timestamp() <= a.EndDate {
			return nil, ErrAgreementNotEnded
		}
		if err := Transition(a, StatusCompleted); err != nil {
			return nil, err
		}
		return Completed{AgreementID: a.ID, By: caller, TotalRentPaid: a.TotalRentPaid, PaymentCount: a.PaymentCount, At: tx.Timestamp()}, nil
	})
	logging.Outcome(s.log, "complete_agreement", err, logrus.Fields{"agreement_id": id})
	return err
}

// mutate checks caller's authorization, loads the record, lets fn apply
// guards and changes, then writes the whole record back in one step.
func (s *Service) mutate(ctx context.Context, caller auth.Address, id string, fn func(ctx context.Context, tx ledger.Tx, a *Agreement) (events.Event, error)) error {
	return ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		if err := auth.Require(ctx, caller); err != nil {
			return err
		}
		a, err := s.repo.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		evt, err := fn(ctx, tx, &a)
		if err != nil {
			return err
		}
		if err := s.repo.Put(ctx, tx, a); err != nil {
			return err
		}
		if err := events.Publish(ctx, tx, s.emitter, evt); err != nil {
			return err
		}
		return nil
	})
}

// GetAgreement returns the stored record.
func (s *Service) GetAgreement(ctx context.Context, id string) (Agreement, error) {
	var a Agreement
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		a, err = s.repo.Get(ctx, tx, id)
		return err
	})
	return a, err
}

// HasAgreement reports whether id is taken.
func (s *Service) HasAgreement(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		ok, err = s.repo.Exists(ctx, tx, id)
		return err
	})
	return ok, err
}

// GetAgreementCount returns how many agreements were ever created.
func (s *Service) GetAgreementCount(ctx context.Context) (uint64, error) {
	var n uint64
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		n, err = s.repo.Count(ctx, tx)
		return err
	})
	return n, err
}
