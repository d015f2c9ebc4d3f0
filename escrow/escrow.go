// Package escrow settles rent payments: it validates timing and amount,
// records the landlord/platform split on the agreement and then moves the
// funds through a token.Transferer.
package escrow

import (
	"context"
	"math/big"

	"github.com/sirupsen/logrus"

	"rentflow/admin"
	"rentflow/agreement"
	"rentflow/auth"
	"rentflow/errcode"
	"rentflow/events"
	"rentflow/ledger"
	"rentflow/logging"
	"rentflow/token"
)

const (
	// PaymentInterval is the fixed length of a payment cycle, in seconds.
	PaymentInterval uint64 = 2_592_000
	// LandlordSharePercent of each payment goes to the landlord; the
	// remainder goes to the platform fee collector.
	LandlordSharePercent = 90
)

var (
	ErrPaymentNotFound        = errcode.New(11, errcode.KindNotFound, "escrow: payment not found")
	ErrPaymentFailed          = errcode.New(12, errcode.KindInternal, "escrow: payment transfer failed")
	ErrInvalidPaymentAmount   = errcode.New(17, errcode.KindInvalidInput, "escrow: payment must equal the monthly rent")
	ErrPaymentNotDue          = errcode.New(18, errcode.KindTiming, "escrow: payment not due yet")
	ErrFeeCollectorNotSet     = errcode.New(25, errcode.KindConflict, "escrow: platform fee collector not set")
	ErrPaymentAlreadyRecorded = errcode.New(26, errcode.KindConflict, "escrow: payment cycle already recorded")
)

var feeCollectorKey = ledger.NewKey("fee_collector")

// Split divides amount into the landlord share, floor(amount*90/100), and
// the platform share, which takes the remainder so nothing is lost to
// rounding.
func Split(amount *big.Int) (landlordShare, platformShare *big.Int) {
	landlordShare = new(big.Int).Mul(amount, big.NewInt(LandlordSharePercent))
	landlordShare.Div(landlordShare, big.NewInt(100))
	platformShare = new(big.Int).Sub(amount, landlordShare)
	return landlordShare, platformShare
}

// Engine runs rent payments against agreement records.
type Engine struct {
	store    ledger.Store
	repo     *agreement.Repository
	transfer token.Transferer
	emitter  events.Emitter
	log      *logrus.Entry
}

// NewEngine wires the payment engine to the ledger and a transfer primitive.
func NewEngine(store ledger.Store, transfer token.Transferer) *Engine {
	return &Engine{
		store:    store,
		repo:     agreement.NewRepository(),
		transfer: transfer,
		emitter:  events.NoopEmitter{},
		log:      logging.Discard(),
	}
}

func (e *Engine) WithEmitter(em events.Emitter) *Engine {
	if em != nil {
		e.emitter = em
	}
	return e
}

func (e *Engine) WithLogger(log *logrus.Entry) *Engine {
	if log != nil {
		e.log = log
	}
	return e
}

// PayRent settles one cycle. All guards run before anything is written; the
// split and the advanced due date are written before any transfer so a
// reentrant call for the same cycle sees the new due date and fails with
// ErrPaymentNotDue. A failed transfer undoes the whole payment.
func (e *Engine) PayRent(ctx context.Context, payer auth.Address, id string, amount *big.Int) (agreement.PaymentSplit, error) {
	var split agreement.PaymentSplit
	err := ledger.RunInTx(ctx, e.store, func(ctx context.Context, tx ledger.Tx) error {
		if err := auth.Require(ctx, payer); err != nil {
			return err
		}
		a, err := e.repo.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status != agreement.StatusActive {
			return agreement.ErrAgreementNotActive
		}
		if payer != a.Tenant {
			return agreement.ErrNotTenant
		}
		if amount == nil || amount.Cmp(a.MonthlyRent) != 0 {
			return ErrInvalidPaymentAmount
		}
		now := tx.Timestamp()
		if now < a.NextPaymentDue {
			return ErrPaymentNotDue
		}
		collector, err := loadCollector(ctx, tx)
		if err != nil {
			return err
		}

		// effects
		cycle := uint32(len(a.PaymentHistory))
		if _, taken := a.PaymentHistory[cycle]; taken {
			return ErrPaymentAlreadyRecorded
		}
		landlordShare, platformShare := Split(amount)
		split = agreement.PaymentSplit{
			LandlordAmount: landlordShare,
			PlatformAmount: platformShare,
			Token:          a.PaymentToken,
			PaymentDate:    now,
		}
		a.PaymentHistory[cycle] = split
		a.NextPaymentDue += PaymentInterval
		a.TotalRentPaid = new(big.Int).Add(a.TotalRentPaid, amount)
		a.PaymentCount++
		if err := e.repo.Put(ctx, tx, a); err != nil {
			return err
		}

		// interactions
		if err := e.transfer.Transfer(ctx, a.Tenant, a.Landlord, landlordShare, a.PaymentToken); err != nil {
			return ErrPaymentFailed.Wrap(err)
		}
		if err := e.transfer.Transfer(ctx, a.Tenant, collector, platformShare, a.PaymentToken); err != nil {
			return ErrPaymentFailed.Wrap(err)
		}

		if err := events.Publish(ctx, tx, e.emitter, PaymentMade{
			AgreementID:    a.ID,
			Payer:          payer,
			Landlord:       a.Landlord,
			Collector:      collector,
			Amount:         new(big.Int).Set(amount),
			LandlordAmount: landlordShare,
			PlatformFee:    platformShare,
			Medium:         a.PaymentToken,
			Cycle:          cycle,
			At:             now,
		}); err != nil {
			return err
		}
		return nil
	})
	logging.Outcome(e.log, "pay_rent", err, logrus.Fields{"agreement_id": id, "payer": payer})
	if err != nil {
		return agreement.PaymentSplit{}, err
	}
	return split, nil
}

// GetPaymentSplit returns the split recorded for cycle.
func (e *Engine) GetPaymentSplit(ctx context.Context, id string, cycle uint32) (agreement.PaymentSplit, error) {
	var split agreement.PaymentSplit
	err := e.read(ctx, id, func(a agreement.Agreement) error {
		s, ok := a.PaymentHistory[cycle]
		if !ok {
			return ErrPaymentNotFound
		}
		split = s
		return nil
	})
	return split, err
}

// GetPaymentCount returns how many cycles have been paid.
func (e *Engine) GetPaymentCount(ctx context.Context, id string) (uint32, error) {
	var n uint32
	err := e.read(ctx, id, func(a agreement.Agreement) error {
		n = a.PaymentCount
		return nil
	})
	return n, err
}

// GetTotalPaid returns the accumulated rent paid on the agreement.
func (e *Engine) GetTotalPaid(ctx context.Context, id string) (*big.Int, error) {
	var total *big.Int
	err := e.read(ctx, id, func(a agreement.Agreement) error {
		total = new(big.Int).Set(a.TotalRentPaid)
		return nil
	})
	return total, err
}

func (e *Engine) read(ctx context.Context, id string, fn func(agreement.Agreement) error) error {
	return ledger.RunInTx(ctx, e.store, func(ctx context.Context, tx ledger.Tx) error {
		a, err := e.repo.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		return fn(a)
	})
}

// SetPlatformFeeCollector records where platform shares are paid. The
// collector must authorize the call; once the admin record exists the
// administrator must co-sign as well.
func (e *Engine) SetPlatformFeeCollector(ctx context.Context, collector auth.Address) error {
	err := ledger.RunInTx(ctx, e.store, func(ctx context.Context, tx ledger.Tx) error {
		if err := auth.Require(ctx, collector); err != nil {
			return err
		}
		if err := collector.Validate(); err != nil {
			return err
		}
		st, initialized, err := admin.Load(ctx, tx)
		if err != nil {
			return err
		}
		if initialized {
			if err := auth.Require(ctx, st.Admin); err != nil {
				return admin.ErrNotAdmin
			}
		}

		var previous auth.Address
		if _, err := tx.Get(ctx, feeCollectorKey, &previous); err != nil {
			return err
		}
		if err := ledger.Save(ctx, tx, feeCollectorKey, collector); err != nil {
			return err
		}
		if err := events.Publish(ctx, tx, e.emitter, FeeCollectorUpdated{Previous: previous, Collector: collector, At: tx.Timestamp()}); err != nil {
			return err
		}
		return nil
	})
	logging.Outcome(e.log, "set_platform_fee_collector", err, logrus.Fields{"collector": collector})
	return err
}

// GetPlatformFeeCollector returns the configured collector.
func (e *Engine) GetPlatformFeeCollector(ctx context.Context) (auth.Address, error) {
	var collector auth.Address
	err := ledger.RunInTx(ctx, e.store, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		collector, err = loadCollector(ctx, tx)
		return err
	})
	return collector, err
}

func loadCollector(ctx context.Context, tx ledger.Tx) (auth.Address, error) {
	var collector auth.Address
	found, err := tx.Get(ctx, feeCollectorKey, &collector)
	if err != nil {
		return "", err
	}
	if !found || collector == "" {
		return "", ErrFeeCollectorNotSet
	}
	return collector, nil
}
