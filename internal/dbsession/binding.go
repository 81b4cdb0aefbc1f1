package dbsession

import (
	"context"
	"reflect"
	"sync/atomic"

	"github.com/google/uuid"
)

// DataContext is an ORM-style context that reads and writes through a
// connection and transaction chosen by the coordinator.
type DataContext interface {
	Connection() *Conn
	Transaction() *Tx
	UseConnection(conn *Conn)
	UseTransaction(tx *Tx)
	// SaveChanges writes pending changes through the current transaction or connection.
	SaveChanges(ctx context.Context) error
}

// ContextBinding pairs a DataContext with the ConnectionRecord it must track
type ContextBinding struct {
	id          string
	contextType reflect.Type
	key         string
	session     *Session
	ctx         DataContext
	record      atomic.Pointer[ConnectionRecord]
}

func newBinding(contextType reflect.Type, rec *ConnectionRecord, dc DataContext) *ContextBinding {
	b := &ContextBinding{
		id:          uuid.NewString(),
		contextType: contextType,
		key:         rec.key,
		session:     rec.session,
		ctx:         dc,
	}
	b.record.Store(rec)
	return b
}

// ID returns the binding identity
func (b *ContextBinding) ID() string {
	return b.id
}

// Key returns the logical connection key
func (b *ContextBinding) Key() string {
	return b.key
}

// ContextType returns the name of the bound context type
func (b *ContextBinding) ContextType() string {
	return b.contextType.String()
}

// DataContext returns the bound context
func (b *ContextBinding) DataContext() DataContext {
	return b.ctx
}

// Record implements Handle
func (b *ContextBinding) Record() *ConnectionRecord {
	if b == nil {
		return nil
	}
	return b.record.Load()
}

func (b *ContextBinding) binding() *ContextBinding {
	return b
}

// Transaction returns the transaction the context currently holds
func (b *ContextBinding) Transaction() *Tx {
	return b.ctx.Transaction()
}

// verify checks that the context holds exactly what the record says it should
func (b *ContextBinding) verify(rec *ConnectionRecord) error {
	rec.mu.Lock()
	expectedTx := rec.tx
	rec.mu.Unlock()

	actualConn := b.ctx.Connection()
	if actualConn != rec.conn {
		return invariant(ErrDirtyContextState, "%s for %s is bound to connection %s, record holds %s",
			b.contextType, b.key, connID(actualConn), rec.conn.id)
	}

	actualTx := b.ctx.Transaction()
	if (actualTx == nil) != (expectedTx == nil) {
		return invariant(ErrDirtyContextState, "%s for %s holds transaction %s, record holds %s",
			b.contextType, b.key, txID(actualTx), txID(expectedTx))
	}
	if actualTx != nil && actualTx.conn != rec.conn {
		return invariant(ErrDirtyContextState, "%s for %s holds transaction %s on connection %s, record holds %s",
			b.contextType, b.key, actualTx.id, actualTx.conn.id, rec.conn.id)
	}
	return nil
}

func (b *ContextBinding) snapshot() BindingSnapshot {
	s := BindingSnapshot{
		ID:          b.id,
		Key:         b.key,
		ContextType: b.contextType.String(),
	}
	if conn := b.ctx.Connection(); conn != nil {
		s.ConnectionID = conn.id
	}
	if tx := b.ctx.Transaction(); tx != nil {
		s.TransactionID = tx.id
	}
	return s
}

// Bound is a typed view of a ContextBinding
type Bound[T DataContext] struct {
	*ContextBinding
}

// Context returns the bound context as its concrete type
func (b Bound[T]) Context() T {
	return b.ctx.(T)
}

type contextFactory func(conn *Conn) (DataContext, error)

// RegisterContext installs the factory GetContext uses to build contexts of type T.
// Registering again for the same T replaces the factory for bindings created afterwards.
func RegisterContext[T DataContext](c *Coordinator, factory func(conn *Conn) (T, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[reflect.TypeFor[T]()] = func(conn *Conn) (DataContext, error) {
		dc, err := factory(conn)
		if err != nil {
			return nil, err
		}
		return dc, nil
	}
}

func connID(c *Conn) string {
	if c == nil {
		return "<none>"
	}
	return c.id
}

func txID(t *Tx) string {
	if t == nil {
		return "<none>"
	}
	return t.id
}
