// Package admin owns the administrator and platform configuration record
// shared by the escrow and arbitration engines.
package admin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"rentflow/auth"
	"rentflow/errcode"
	"rentflow/events"
	"rentflow/ledger"
	"rentflow/logging"
)

// MaxFeeBps is 100% expressed in basis points.
const MaxFeeBps = 10_000

var (
	ErrAlreadyInitialized = errcode.New(100, errcode.KindConflict, "admin: already initialized")
	ErrInvalidConfig      = errcode.New(101, errcode.KindInvalidInput, "admin: invalid config")
	ErrNotInitialized     = errcode.New(102, errcode.KindConflict, "admin: not initialized")
	ErrNotAdmin           = errcode.New(103, errcode.KindUnauthorized, "admin: caller is not the administrator")
)

var stateKey = ledger.NewKey("state")

// Config holds the tunable platform parameters.
type Config struct {
	FeeBps           uint32 `json:"fee_bps"`
	MinVotesRequired uint32 `json:"min_votes_required"`
}

// Validate rejects fees above 100% and a zero quorum.
func (c Config) Validate() error {
	if c.FeeBps > MaxFeeBps {
		return fmt.Errorf("%w: fee_bps %d exceeds %d", ErrInvalidConfig, c.FeeBps, MaxFeeBps)
	}
	if c.MinVotesRequired == 0 {
		return fmt.Errorf("%w: min_votes_required must be positive", ErrInvalidConfig)
	}
	return nil
}

// State is the singleton root record.
type State struct {
	Admin       auth.Address `json:"admin"`
	Config      Config       `json:"config"`
	Initialized bool         `json:"initialized"`
}

// Load reads the root record inside tx.
func Load(ctx context.Context, tx ledger.Tx) (State, bool, error) {
	var st State
	found, err := tx.Get(ctx, stateKey, &st)
	if err != nil {
		return State{}, false, fmt.Errorf("admin: load state: %w", err)
	}
	if !found || !st.Initialized {
		return State{}, false, nil
	}
	return st, true, nil
}

// RequireAdmin fails unless the record exists, caller authorized the request
// and caller is the recorded administrator.
func RequireAdmin(ctx context.Context, tx ledger.Tx, caller auth.Address) (State, error) {
	st, found, err := Load(ctx, tx)
	if err != nil {
		return State{}, err
	}
	if !found {
		return State{}, ErrNotInitialized
	}
	if err := auth.Require(ctx, caller); err != nil {
		return State{}, err
	}
	if caller != st.Admin {
		return State{}, ErrNotAdmin
	}
	return st, nil
}

// Service manages the root record.
type Service struct {
	store   ledger.Store
	emitter events.Emitter
	log     *logrus.Entry
}

// NewService wires the admin service to the ledger.
func NewService(store ledger.Store) *Service {
	return &Service{store: store, emitter: events.NoopEmitter{}, log: logging.Discard()}
}

// WithEmitter sets the event sink.
func (s *Service) WithEmitter(em events.Emitter) *Service {
	if em != nil {
		s.emitter = em
	}
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(log *logrus.Entry) *Service {
	if log != nil {
		s.log = log
	}
	return s
}

// Initialize creates the root record. It can succeed only once.
func (s *Service) Initialize(ctx context.Context, adminAddr auth.Address, cfg Config) error {
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		if err := auth.Require(ctx, adminAddr); err != nil {
			return err
		}
		if err := adminAddr.Validate(); err != nil {
			return err
		}
		if _, found, err := Load(ctx, tx); err != nil {
			return err
		} else if found {
			return ErrAlreadyInitialized
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		st := State{Admin: adminAddr, Config: cfg, Initialized: true}
		if err := ledger.Save(ctx, tx, stateKey, st); err != nil {
			return err
		}
		if err := events.Publish(ctx, tx, s.emitter, Initialized{Admin: adminAddr, Config: cfg}); err != nil {
			return err
		}
		return nil
	})
	logging.Outcome(s.log, "initialize", err, logrus.Fields{"admin": adminAddr})
	return err
}

// UpdateConfig replaces the configuration. Only the administrator may call it.
func (s *Service) UpdateConfig(ctx context.Context, caller auth.Address, cfg Config) error {
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		st, err := RequireAdmin(ctx, tx, caller)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		prev := st.Config
		st.Config = cfg
		if err := ledger.Save(ctx, tx, stateKey, st); err != nil {
			return err
		}
		if err := events.Publish(ctx, tx, s.emitter, ConfigUpdated{Admin: caller, Old: prev, New: cfg}); err != nil {
			return err
		}
		return nil
	})
	logging.Outcome(s.log, "update_config", err, logrus.Fields{"caller": caller})
	return err
}

// GetState returns the root record or ErrNotInitialized.
func (s *Service) GetState(ctx context.Context) (State, error) {
	var st State
	err := ledger.RunInTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		loaded, found, err := Load(ctx, tx)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotInitialized
		}
		st = loaded
		return nil
	})
	return st, err
}

// Initialized is emitted once the root record exists.
type Initialized struct {
	Admin  auth.Address
	Config Config
}

func (Initialized) EventType() string { return events.TypeContractInitialized }

func (e Initialized) Attributes() map[string]string {
	return map[string]string{
		"admin":              e.Admin.String(),
		"fee_bps":            strconv.FormatUint(uint64(e.Config.FeeBps), 10),
		"min_votes_required": strconv.FormatUint(uint64(e.Config.MinVotesRequired), 10),
	}
}

// ConfigUpdated carries both the replaced and the new configuration.
type ConfigUpdated struct {
	Admin auth.Address
	Old   Config
	New   Config
}

func (ConfigUpdated) EventType() string { return events.TypeConfigUpdated }

func (e ConfigUpdated) Attributes() map[string]string {
	return map[string]string{
		"admin":                  e.Admin.String(),
		"old_fee_bps":            strconv.FormatUint(uint64(e.Old.FeeBps), 10),
		"new_fee_bps":            strconv.FormatUint(uint64(e.New.FeeBps), 10),
		"old_min_votes_required": strconv.FormatUint(uint64(e.Old.MinVotesRequired), 10),
		"new_min_votes_required": strconv.FormatUint(uint64(e.New.MinVotesRequired), 10),
	}
}
