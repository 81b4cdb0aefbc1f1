package dbsession

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ConnState is the wire state of a physical connection
type ConnState int

const (
	StateClosed ConnState = iota
	StateOpen
	StateBroken
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateBroken:
		return "broken"
	default:
		return "closed"
	}
}

// Conn is one physical database connection pinned out of a pool.
// It is created closed; the wire connection is acquired on Open or on the first statement.
type Conn struct {
	id      string
	key     string
	backend Backend
	pool    *sql.DB

	mu    sync.Mutex
	raw   *sql.Conn
	state ConnState
}

func newConn(key string, backend Backend, pool *sql.DB) *Conn {
	return &Conn{
		id:      uuid.NewString(),
		key:     key,
		backend: backend,
		pool:    pool,
	}
}

// ID returns the connection identity
func (c *Conn) ID() string {
	return c.id
}

// Key returns the logical connection key
func (c *Conn) Key() string {
	return c.key
}

// Backend returns the database technology of the connection
func (c *Conn) Backend() Backend {
	return c.backend
}

// State returns the current wire state
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open acquires the wire connection if it is not open yet
func (c *Conn) Open(ctx context.Context) error {
	_, err := c.acquire(ctx)
	return err
}

func (c *Conn) acquire(ctx context.Context) (*sql.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen:
		return c.raw, nil
	case StateBroken:
		return nil, fmt.Errorf("%w: %s", ErrBrokenConnection, c.key)
	}

	raw, err := c.pool.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection %s: %w", c.backend, c.key, err)
	}
	c.raw = raw
	c.state = StateOpen

	log.Debug().Str("key", c.key).Str("conn", c.id).Str("backend", c.backend.String()).Msg("Connection opened")
	return raw, nil
}

// Close returns the wire connection to its pool. A closed Conn may be opened again.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.raw == nil {
		if c.state != StateBroken {
			c.state = StateClosed
		}
		return nil
	}

	err := c.raw.Close()
	c.raw = nil
	if c.state != StateBroken {
		c.state = StateClosed
	}
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("failed to close connection %s: %w", c.key, err)
	}

	log.Debug().Str("key", c.key).Str("conn", c.id).Msg("Connection closed")
	return nil
}

// ExecContext runs a statement outside any transaction
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	raw, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	res, err := raw.ExecContext(ctx, query, args...)
	c.observe(err)
	return res, err
}

// QueryContext runs a query outside any transaction
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	raw, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := raw.QueryContext(ctx, query, args...)
	c.observe(err)
	return rows, err
}

func (c *Conn) beginTx(opts *sql.TxOptions) (*sql.Tx, error) {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	if raw == nil {
		return nil, fmt.Errorf("connection %s is not open", c.key)
	}

	// The transaction's lifetime belongs to the coordinator, not to the caller's context.
	tx, err := raw.BeginTx(context.Background(), opts)
	c.observe(err)
	return tx, err
}

// observe marks the connection broken when the driver reports it unusable
func (c *Conn) observe(err error) {
	if err == nil || !errors.Is(err, driver.ErrBadConn) {
		return
	}
	c.markBroken()
}

func (c *Conn) markBroken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateBroken {
		log.Warn().Str("key", c.key).Str("conn", c.id).Msg("Connection marked broken")
	}
	c.state = StateBroken
}
