package dbsession

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handle is anything Execute can run work against: a ConnectionRecord or a ContextBinding.
type Handle interface {
	Record() *ConnectionRecord
	binding() *ContextBinding
}

// ConnectionRecord is the coordinator's bookkeeping for one Conn inside a Session.
// Only the coordinator mutates it, always under mu.
type ConnectionRecord struct {
	key     string
	session *Session
	conn    *Conn

	mu      sync.Mutex
	claimed bool
	retired bool
	tx      *Tx
}

// ID returns the identity of the underlying connection
func (r *ConnectionRecord) ID() string {
	return r.conn.id
}

// Key returns the logical connection key
func (r *ConnectionRecord) Key() string {
	return r.key
}

// SessionID returns the id of the owning session
func (r *ConnectionRecord) SessionID() string {
	return r.session.id
}

// Conn returns the physical connection
func (r *ConnectionRecord) Conn() *Conn {
	return r.conn
}

// Record implements Handle
func (r *ConnectionRecord) Record() *ConnectionRecord {
	return r
}

func (r *ConnectionRecord) binding() *ContextBinding {
	return nil
}

// Claimed reports whether a unit of work currently owns the record
func (r *ConnectionRecord) Claimed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimed
}

// Transaction returns the attached transaction when it is still live
func (r *ConnectionRecord) Transaction() *Tx {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tx == nil || r.tx.Dead() {
		return nil
	}
	return r.tx
}

// ExecContext runs a statement inside the attached transaction, or on the
// connection when there is none.
func (r *ConnectionRecord) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx := r.Transaction(); tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the attached transaction, or on the
// connection when there is none.
func (r *ConnectionRecord) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := r.Transaction(); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return r.conn.QueryContext(ctx, query, args...)
}

func (r *ConnectionRecord) claim() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retired {
		return fmt.Errorf("%w: %s in session %s", ErrConnectionReplaced, r.key, r.session.id)
	}
	if r.claimed {
		return fmt.Errorf("%w: %s in session %s", ErrConnectionAlreadyInUse, r.key, r.session.id)
	}
	r.claimed = true

	log.Trace().Str("key", r.key).Str("session", r.session.id).Str("conn", r.conn.id).Msg("Connection claimed")
	return nil
}

func (r *ConnectionRecord) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed = false

	log.Trace().Str("key", r.key).Str("session", r.session.id).Str("conn", r.conn.id).Msg("Connection released")
}

// liveTransaction drops a dead transaction left on the record and returns the live one, if any
func (r *ConnectionRecord) liveTransaction() (*Tx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx == nil {
		return nil, nil
	}
	if !r.tx.Dead() {
		return r.tx, nil
	}

	log.Debug().Str("key", r.key).Str("tx", r.tx.id).Msg("Discarding dead transaction")
	r.tx = nil
	return nil, r.session.updateContexts(r)
}

// attach begins a transaction and publishes it to every bound context
func (r *ConnectionRecord) attach(level sql.IsolationLevel) (*Tx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := beginTx(r.conn, level)
	if err != nil {
		return nil, err
	}
	r.tx = tx

	if err := r.session.updateContexts(r); err != nil {
		r.tx = nil
		if syncErr := r.session.updateContexts(r); syncErr != nil {
			log.Error().Err(syncErr).Str("key", r.key).Msg("Failed to detach transaction from contexts")
		}
		tx.dispose()
		return nil, err
	}
	return tx, nil
}

// detach removes tx from the record and its contexts
func (r *ConnectionRecord) detach(tx *Tx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx != tx {
		return
	}
	r.tx = nil
	if err := r.session.updateContexts(r); err != nil {
		log.Error().Err(err).Str("key", r.key).Msg("Failed to detach transaction from contexts")
	}
}

func (r *ConnectionRecord) snapshot() RecordSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := RecordSnapshot{
		ConnectionID: r.conn.id,
		Key:          r.key,
		Backend:      r.conn.backend.String(),
		State:        r.conn.State().String(),
		Claimed:      r.claimed,
	}
	if r.tx != nil && !r.tx.Dead() {
		s.TransactionID = r.tx.id
		s.IsolationLevel = r.tx.level.String()
	}
	return s
}
