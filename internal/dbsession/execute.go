package dbsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// TransactionOptions asks Execute to run the work inside a transaction.
type TransactionOptions struct {
	IsolationLevel sql.IsolationLevel
	// ExecuteRollbackAndCommit makes Execute commit on success and roll back on failure.
	// Without it the work is expected to finalize the transaction itself; whatever is
	// still open when the work returns is rolled back.
	ExecuteRollbackAndCommit bool
}

type ambientKey struct{}

// AmbientConnectionID returns the id of the connection the current unit of work owns,
// or "" outside of Execute.
func AmbientConnectionID(ctx context.Context) string {
	id, _ := ctx.Value(ambientKey{}).(string)
	return id
}

func withAmbient(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ambientKey{}, connID)
}

// Run is Execute for work without a result
func Run(ctx context.Context, c *Coordinator, h Handle, work func(ctx context.Context) error, opts *TransactionOptions) error {
	_, err := Execute(ctx, c, h, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	}, opts)
	return err
}

// Execute runs work against h's connection.
//
// A call made with a ctx that already owns h's connection (one handed to an enclosing
// work function) is nested: it runs work directly and leaves claim and transaction to the
// enclosing call. Otherwise the record is claimed for the duration of the call, failing
// with ErrConnectionAlreadyInUse if another unit of work holds it, and work runs inside
// the record's live transaction, a new one when opts is set, or on the bare connection.
// Work must use the ctx it is given for nested calls to be recognised.
func Execute[T any](ctx context.Context, c *Coordinator, h Handle, work func(ctx context.Context) (T, error), opts *TransactionOptions) (T, error) {
	var zero T

	rec := h.Record()
	if rec == nil {
		return zero, fmt.Errorf("execute: handle has no connection record")
	}
	if rec.session.coordinator() != c {
		return zero, ErrForeignHandle
	}

	if AmbientConnectionID(ctx) == rec.ID() {
		return work(ctx)
	}

	if err := rec.claim(); err != nil {
		return zero, err
	}
	defer rec.release()

	return executeClaimed(withAmbient(ctx, rec.ID()), rec, h.binding(), work, opts)
}

func executeClaimed[T any](ctx context.Context, rec *ConnectionRecord, b *ContextBinding, work func(ctx context.Context) (T, error), opts *TransactionOptions) (T, error) {
	var zero T

	if rec.conn.State() == StateBroken {
		return zero, fmt.Errorf("%w: %s in session %s", ErrBrokenConnection, rec.key, rec.session.id)
	}

	if b != nil {
		if err := b.verify(rec); err != nil {
			return zero, err
		}
	}

	live, err := rec.liveTransaction()
	if err != nil {
		return zero, err
	}
	if live != nil {
		// Someone else opened it and will finish it. Isolation is not compared.
		if rec.conn.State() != StateOpen {
			return zero, invariant(ErrDirtyConnection, "%s in session %s holds transaction %s on a %s connection",
				rec.key, rec.session.id, live.id, rec.conn.State())
		}
		return work(ctx)
	}

	if opts == nil {
		return work(ctx)
	}
	return executeInTransaction(ctx, rec, work, opts)
}

func executeInTransaction[T any](ctx context.Context, rec *ConnectionRecord, work func(ctx context.Context) (T, error), opts *TransactionOptions) (result T, err error) {
	var zero T

	if err := rec.conn.Open(ctx); err != nil {
		return zero, err
	}

	tx, err := rec.attach(opts.IsolationLevel)
	if err != nil {
		return zero, err
	}

	finished := false
	defer func() {
		rec.detach(tx)
		tx.dispose()
		if !finished {
			if p := recover(); p != nil {
				log.Error().Str("key", rec.key).Str("tx", tx.id).Interface("panic", p).Msg("Unit of work panicked, transaction rolled back")
				panic(p)
			}
		}
	}()

	result, err = work(ctx)
	finished = true

	if !opts.ExecuteRollbackAndCommit {
		return result, err
	}

	// Finalization must run even if the caller's context was cancelled.
	finalCtx := context.WithoutCancel(ctx)

	if err != nil {
		if saveErr := rec.session.saveChanges(finalCtx, rec); saveErr != nil {
			log.Warn().Err(saveErr).Str("key", rec.key).Msg("Failed to save pending changes before rollback")
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Str("key", rec.key).Str("tx", tx.id).Msg("Failed to rollback transaction")
		}
		return result, err
	}

	if tx.Dead() {
		return result, nil
	}
	if err := rec.session.saveChanges(finalCtx, rec); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Str("key", rec.key).Str("tx", tx.id).Msg("Failed to rollback transaction")
		}
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, err
	}
	return result, nil
}
