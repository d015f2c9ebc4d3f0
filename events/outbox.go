package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// Execer is satisfied by pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// OutboxEmitter appends events to the outbox table for relays. Inside a
// transaction that can run SQL the row is written by that transaction, so an
// event exists exactly when its operation committed.
type OutboxEmitter struct {
	db    Execer
	log   *logrus.Entry
	newID func() uuid.UUID
}

// NewOutboxEmitter writes events through db when no transaction carries them.
func NewOutboxEmitter(db Execer, log *logrus.Entry) *OutboxEmitter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &OutboxEmitter{db: db, log: log, newID: uuid.New}
}

// EmitTx inserts evt through tx when it is a SQL transaction. Other
// transactions fall back to Emit after commit.
func (e *OutboxEmitter) EmitTx(ctx context.Context, tx Committer, evt Event) error {
	if db, ok := tx.(Execer); ok {
		return e.insert(ctx, db, evt)
	}
	tx.AfterCommit(func(ctx context.Context) {
		e.Emit(ctx, evt)
	})
	return nil
}

// Emit never fails the caller: the operation already committed. Insert
// errors are logged with the event so the gap is visible.
func (e *OutboxEmitter) Emit(ctx context.Context, evt Event) {
	if err := e.Enqueue(ctx, evt); err != nil {
		e.log.WithError(err).WithField("event", evt.EventType()).Error("outbox enqueue failed")
	}
}

// Enqueue inserts evt as a pending outbox message through the emitter's db.
func (e *OutboxEmitter) Enqueue(ctx context.Context, evt Event) error {
	return e.insert(ctx, e.db, evt)
}

func (e *OutboxEmitter) insert(ctx context.Context, db Execer, evt Event) error {
	payload, err := json.Marshal(evt.Attributes())
	if err != nil {
		return fmt.Errorf("events: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (id, topic, payload)
VALUES ($1, $2, $3);
`
	if _, err := db.Exec(ctx, insertSQL, e.newID(), evt.EventType(), payload); err != nil {
		return fmt.Errorf("events: insert outbox message: %w", err)
	}
	return nil
}
