package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type txKey struct{}

type txState struct {
	tx          *sqlx.Tx
	afterCommit []func(context.Context)
}

// Transaction runs fn inside a database transaction carried by the context.
//
// Repositories pick the transaction up through Conn, so a service can compose
// several repository calls into one atomic unit:
//
//	err := db.Transaction(ctx, func(ctx context.Context) error {
//	    if _, err := batches.LockForUpdate(ctx, id); err != nil {
//	        return err
//	    }
//	    ...
//	})
//
// When ctx already carries a transaction, fn joins it and the outer call owns
// commit and rollback. Every transaction opened here sets a local
// lock_timeout so row-lock waits are bounded. Hooks registered with
// AfterCommit run only once the outermost transaction has committed.
func (db *DB) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if stateFrom(ctx) != nil {
		return fn(ctx)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return MapError(fmt.Errorf("begin transaction: %w", err))
	}

	if db.lockTimeout > 0 {
		// SET LOCAL does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", db.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			db.rollback(tx)
			return MapError(fmt.Errorf("set lock_timeout: %w", err))
		}
	}

	state := &txState{tx: tx}
	txCtx := context.WithValue(ctx, txKey{}, state)

	if err := fn(txCtx); err != nil {
		db.rollback(tx)
		return MapError(err)
	}

	if err := tx.Commit(); err != nil {
		return MapError(fmt.Errorf("commit transaction: %w", err))
	}

	hookCtx := context.WithoutCancel(ctx)
	for _, hook := range state.afterCommit {
		hook(hookCtx)
	}

	return nil
}

func (db *DB) rollback(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && db.logger != nil {
		db.logger.Error().Err(err).Msg("failed to rollback transaction")
	}
}

// AfterCommit schedules fn to run after the transaction in ctx commits.
// Without a transaction fn runs immediately. Hooks never run on rollback.
func AfterCommit(ctx context.Context, fn func(context.Context)) {
	if state := stateFrom(ctx); state != nil {
		state.afterCommit = append(state.afterCommit, fn)
		return
	}
	fn(ctx)
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	return stateFrom(ctx) != nil
}

// Conn returns the transaction carried by ctx, or the pool when there is none.
func (db *DB) Conn(ctx context.Context) sqlx.ExtContext {
	if state := stateFrom(ctx); state != nil {
		return state.tx
	}
	return db.DB
}

func stateFrom(ctx context.Context) *txState {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		return state
	}
	return nil
}
