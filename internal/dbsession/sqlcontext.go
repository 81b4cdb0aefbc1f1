package dbsession

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

type stagedStatement struct {
	query string
	args  []any
}

// SQLContext is a unit-of-work context for the SQL backends. Writes are staged with
// Stage and only reach the database on SaveChanges; reads go straight through.
type SQLContext struct {
	mu      sync.Mutex
	conn    *Conn
	tx      *Tx
	pending []stagedStatement
}

// NewSQLContext creates a context on conn
func NewSQLContext(conn *Conn) (*SQLContext, error) {
	switch conn.Backend() {
	case BackendSQLite, BackendPostgres, BackendMySQL, BackendSQLServer:
		return &SQLContext{conn: conn}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContextBackend, conn.Backend())
	}
}

func (s *SQLContext) Connection() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *SQLContext) Transaction() *Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

func (s *SQLContext) UseConnection(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *SQLContext) UseTransaction(tx *Tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx = tx
}

// Stage queues a write for the next SaveChanges
func (s *SQLContext) Stage(query string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, stagedStatement{query: query, args: args})
}

// Pending returns the number of staged writes
func (s *SQLContext) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SaveChanges writes the staged statements in order. The queue is cleared whether or not they succeed.
func (s *SQLContext) SaveChanges(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i, stmt := range pending {
		if _, err := s.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			return fmt.Errorf("staged statement %d of %d failed: %w", i+1, len(pending), err)
		}
	}
	return nil
}

// ExecContext runs a statement through the current transaction or connection
func (s *SQLContext) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	conn, tx := s.conn, s.tx
	s.mu.Unlock()

	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query through the current transaction or connection
func (s *SQLContext) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	s.mu.Lock()
	conn, tx := s.conn, s.tx
	s.mu.Unlock()

	if tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return conn.QueryContext(ctx, query, args...)
}
