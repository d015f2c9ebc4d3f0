// Package events carries the observable event stream of the rental core.
//
// Events are published against a ledger transaction. Plain emitters see them
// only after the outermost unit commits, so observers never see an event for
// an operation that failed. A TxEmitter writes them inside the unit instead,
// so a durable copy commits or rolls back together with the operation.
package events

import (
	"context"
	"math/big"
	"strconv"
	"sync"
)

const (
	TypeContractInitialized = "contract.initialized"
	TypeConfigUpdated       = "config.updated"
	TypeAgreementCreated    = "agreement.created"
	TypeAgreementSubmitted  = "agreement.submitted"
	TypeAgreementSigned     = "agreement.signed"
	TypeAgreementCancelled  = "agreement.cancelled"
	TypeAgreementCompleted  = "agreement.completed"
	TypePaymentMade         = "payment.made"
	TypeFeeCollectorUpdated = "fee_collector.updated"
	TypeArbiterAdded        = "arbiter.added"
	TypeDisputeRaised       = "dispute.raised"
	TypeDisputeVoteCast     = "dispute.vote_cast"
	TypeDisputeResolved     = "dispute.resolved"
)

// Event is a structured notification with indexed attributes.
type Event interface {
	EventType() string
	Attributes() map[string]string
}

// Emitter receives committed events.
type Emitter interface {
	Emit(ctx context.Context, evt Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, Event) {}

// Committer is the part of a ledger transaction events need.
type Committer interface {
	AfterCommit(fn func(context.Context))
}

// TxEmitter is an Emitter that records events as part of the producing
// transaction. An error aborts the operation.
type TxEmitter interface {
	Emitter
	EmitTx(ctx context.Context, tx Committer, evt Event) error
}

// Publish hands evt to em. A TxEmitter gets it inside tx; any other emitter
// gets it once tx's outermost unit commits.
func Publish(ctx context.Context, tx Committer, em Emitter, evt Event) error {
	if tx == nil || em == nil || evt == nil {
		return nil
	}
	if te, ok := em.(TxEmitter); ok {
		return te.EmitTx(ctx, tx, evt)
	}
	tx.AfterCommit(func(ctx context.Context) {
		em.Emit(ctx, evt)
	})
	return nil
}

// Multi fans events out to every emitter in order.
func Multi(emitters ...Emitter) Emitter {
	out := make(multi, 0, len(emitters))
	for _, em := range emitters {
		if em != nil {
			out = append(out, em)
		}
	}
	return out
}

type multi []Emitter

func (m multi) Emit(ctx context.Context, evt Event) {
	for _, em := range m {
		em.Emit(ctx, evt)
	}
}

func (m multi) EmitTx(ctx context.Context, tx Committer, evt Event) error {
	for _, em := range m {
		if err := Publish(ctx, tx, em, evt); err != nil {
			return err
		}
	}
	return nil
}

// Recorder keeps every event in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists the recorded event types in emission order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.EventType()
	}
	return out
}

// Last returns the most recent event of the given type.
func (r *Recorder) Last(eventType string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType() == eventType {
			return r.events[i], true
		}
	}
	return nil, false
}

// Reset forgets the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// FormatAmount renders a money value for attributes.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// FormatTime renders a ledger timestamp for attributes.
func FormatTime(ts uint64) string {
	return strconv.FormatUint(ts, 10)
}
