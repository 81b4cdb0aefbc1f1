package dbsession

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Tx is one physical transaction bound to exactly one Conn. Once committed,
// rolled back or disposed it is dead and every further use returns sql.ErrTxDone.
type Tx struct {
	id    string
	conn  *Conn
	level sql.IsolationLevel

	mu   sync.Mutex
	raw  *sql.Tx
	dead bool
}

func beginTx(conn *Conn, level sql.IsolationLevel) (*Tx, error) {
	raw, err := conn.beginTx(&sql.TxOptions{Isolation: conn.backend.isolation(level)})
	if err != nil {
		return nil, err
	}

	tx := &Tx{
		id:    uuid.NewString(),
		conn:  conn,
		level: level,
		raw:   raw,
	}
	log.Debug().Str("key", conn.key).Str("tx", tx.id).Str("isolation", level.String()).Msg("Transaction started")
	return tx, nil
}

// ID returns the transaction identity
func (t *Tx) ID() string {
	return t.id
}

// Conn returns the connection the transaction runs on
func (t *Tx) Conn() *Conn {
	return t.conn
}

// IsolationLevel returns the level requested at begin
func (t *Tx) IsolationLevel() sql.IsolationLevel {
	return t.level
}

// Dead reports whether the transaction has ended
func (t *Tx) Dead() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dead
}

// Commit commits the transaction. The transaction is dead afterwards even if commit fails.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dead {
		return sql.ErrTxDone
	}
	t.dead = true

	err := t.raw.Commit()
	t.conn.observe(err)
	if err == nil {
		log.Debug().Str("key", t.conn.key).Str("tx", t.id).Msg("Transaction committed")
	}
	return err
}

// Rollback aborts the transaction
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackLocked()
}

func (t *Tx) rollbackLocked() error {
	if t.dead {
		return sql.ErrTxDone
	}
	t.dead = true

	err := t.raw.Rollback()
	t.conn.observe(err)
	if err == nil {
		log.Debug().Str("key", t.conn.key).Str("tx", t.id).Msg("Transaction rolled back")
	}
	return err
}

// dispose ends the transaction if it is still live
func (t *Tx) dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dead {
		return
	}
	if err := t.rollbackLocked(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Error().Err(err).Str("key", t.conn.key).Str("tx", t.id).Msg("Failed to rollback disposed transaction")
	}
}

// ExecContext runs a statement inside the transaction
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if t.Dead() {
		return nil, sql.ErrTxDone
	}
	res, err := t.raw.ExecContext(ctx, query, args...)
	t.conn.observe(err)
	return res, err
}

// QueryContext runs a query inside the transaction
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if t.Dead() {
		return nil, sql.ErrTxDone
	}
	rows, err := t.raw.QueryContext(ctx, query, args...)
	t.conn.observe(err)
	return rows, err
}
