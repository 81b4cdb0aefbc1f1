package dbsession

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectionStringStore persists connection strings by logical key
type ConnectionStringStore interface {
	PutConnectionString(key, connectionString string) error
	// ConnectionString returns false when nothing is registered for key.
	ConnectionString(key string) (string, bool, error)
	ListConnectionKeys() ([]string, error)
}

// Options configures a Coordinator
type Options struct {
	// Store holds registered connection strings. Defaults to an in-memory store.
	Store ConnectionStringStore

	// Pool settings applied to every backend pool. Each record pins one pooled
	// connection for the lifetime of its session, so MaxOpenConns bounds the number
	// of sessions that can open a given key at once.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Coordinator hands out session-scoped connections and contexts and runs units of work on them
type Coordinator struct {
	opts  Options
	store ConnectionStringStore

	mu        sync.Mutex
	sessions  map[string]*Session
	pools     map[string]*sql.DB
	factories map[reflect.Type]contextFactory
}

// New creates a coordinator. *SQLContext is registered as a context type.
func New(opts Options) *Coordinator {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	c := &Coordinator{
		opts:      opts,
		store:     opts.Store,
		sessions:  make(map[string]*Session),
		pools:     make(map[string]*sql.DB),
		factories: make(map[reflect.Type]contextFactory),
	}
	RegisterContext(c, NewSQLContext)
	return c
}

// RegisterConnectionString stores a connection string under key. Registering the
// same key again replaces the string for records created afterwards.
func (c *Coordinator) RegisterConnectionString(key, connectionString string) error {
	if key == "" {
		return fmt.Errorf("connection key must not be empty")
	}
	if _, _, err := ParseConnectionString(connectionString); err != nil {
		return fmt.Errorf("register %s: %w", key, err)
	}
	if err := c.store.PutConnectionString(key, connectionString); err != nil {
		return fmt.Errorf("failed to store connection string %s: %w", key, err)
	}

	log.Debug().Str("key", key).Msg("Connection string registered")
	return nil
}

// ConnectionKeys lists every registered key
func (c *Coordinator) ConnectionKeys() ([]string, error) {
	return c.store.ListConnectionKeys()
}

// GetConnection returns the session's record for key, creating it on first use.
// The returned record's connection is not opened until it is needed.
func (c *Coordinator) GetConnection(key, sessionID string) (*ConnectionRecord, error) {
	s := c.session(sessionID)
	if rec := s.record(key); rec != nil {
		return rec, nil
	}

	rec, err := c.newRecord(s, key)
	if err != nil {
		return nil, err
	}
	return s.insertRecord(rec), nil
}

func (c *Coordinator) newRecord(s *Session, key string) (*ConnectionRecord, error) {
	connectionString, ok, err := c.store.ConnectionString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve connection string %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnectionKey, key)
	}

	backend, dsn, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}

	pool, err := c.pool(backend, dsn)
	if err != nil {
		return nil, err
	}

	rec := &ConnectionRecord{
		key:     key,
		session: s,
		conn:    newConn(key, backend, pool),
	}
	log.Debug().Str("key", key).Str("session", s.id).Str("conn", rec.conn.id).Msg("Connection record created")
	return rec, nil
}

// pool returns the shared *sql.DB for a driver/DSN pair. sql.Open does not dial.
func (c *Coordinator) pool(backend Backend, dsn string) (*sql.DB, error) {
	poolKey := backend.DriverName() + "|" + dsn

	c.mu.Lock()
	defer c.mu.Unlock()

	if db := c.pools[poolKey]; db != nil {
		return db, nil
	}

	db, err := sql.Open(backend.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s pool: %w", backend, err)
	}
	if c.opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.opts.MaxOpenConns)
	}
	if c.opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.opts.MaxIdleConns)
	}
	if c.opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.opts.ConnMaxLifetime)
	}

	c.pools[poolKey] = db
	return db, nil
}

// GetContext returns the session's binding of a T to key, creating the context on first use
func GetContext[T DataContext](c *Coordinator, key, sessionID string) (Bound[T], error) {
	contextType := reflect.TypeFor[T]()
	s := c.session(sessionID)

	if b := s.findBinding(contextType, key); b != nil {
		return Bound[T]{b}, nil
	}

	c.mu.Lock()
	factory := c.factories[contextType]
	c.mu.Unlock()
	if factory == nil {
		return Bound[T]{}, fmt.Errorf("%w: %s", ErrUnknownContextType, contextType)
	}

	rec, err := c.GetConnection(key, sessionID)
	if err != nil {
		return Bound[T]{}, err
	}

	// The factory runs unlocked so it may use the coordinator itself. A binding created
	// concurrently for the same type and key wins and this context is dropped.
	dc, err := factory(rec.conn)
	if err != nil {
		return Bound[T]{}, fmt.Errorf("create %s for %s: %w", contextType, key, err)
	}

	s.mu.Lock()
	b := s.findBindingLocked(contextType, key)
	if b == nil {
		if cur := s.records[key]; cur != nil {
			rec = cur
		}
		b = newBinding(contextType, rec, dc)
		s.bindings = append(s.bindings, b)
	}
	s.mu.Unlock()

	// Sync outside s.mu so the record lock is never taken under the session lock.
	rec = b.Record()
	rec.mu.Lock()
	b.ctx.UseConnection(rec.conn)
	b.ctx.UseTransaction(rec.tx)
	rec.mu.Unlock()

	log.Debug().Str("key", key).Str("session", s.id).Str("context", contextType.String()).Msg("Context bound")
	return Bound[T]{b}, nil
}

// ResetConnection replaces the session's record for key with a fresh connection and
// moves every context bound to it onto the new record. The old record must be idle.
func (c *Coordinator) ResetConnection(key, sessionID string) (*ConnectionRecord, error) {
	s := c.session(sessionID)
	old := s.record(key)
	if old == nil {
		return c.GetConnection(key, sessionID)
	}

	old.mu.Lock()
	defer old.mu.Unlock()

	if old.retired {
		return nil, fmt.Errorf("%w: %s in session %s", ErrConnectionReplaced, key, s.id)
	}
	if old.claimed {
		return nil, fmt.Errorf("%w: %s in session %s", ErrConnectionAlreadyInUse, key, s.id)
	}
	if old.tx != nil && !old.tx.Dead() {
		return nil, invariant(ErrDirtyConnection, "%s in session %s is unclaimed but holds transaction %s", key, s.id, old.tx.id)
	}

	fresh, err := c.newRecord(s, key)
	if err != nil {
		return nil, err
	}
	old.retired = true

	// fresh stays locked until its contexts are moved over, so a unit of work that
	// finds it through a binding cannot claim it early.
	fresh.mu.Lock()
	s.mu.Lock()
	s.records[key] = fresh
	for _, b := range s.bindings {
		if b.key == key {
			b.record.Store(fresh)
		}
	}
	s.mu.Unlock()

	err = s.updateContexts(fresh)
	fresh.mu.Unlock()

	if cerr := old.conn.Close(); cerr != nil {
		log.Warn().Err(cerr).Str("key", key).Msg("Failed to close replaced connection")
	}
	if err != nil {
		return nil, err
	}

	log.Debug().Str("key", key).Str("session", s.id).Str("old", old.conn.id).Str("new", fresh.conn.id).Msg("Connection record replaced")
	return fresh, nil
}

func (c *Coordinator) session(id string) *Session {
	if id == "" {
		id = DefaultSession
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sessions[id]
	if s == nil {
		s = newSession(c, id)
		c.sessions[id] = s
	}
	return s
}

// Snapshot returns the bookkeeping state of every session, ordered by id
func (c *Coordinator) Snapshot() []SessionSnapshot {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })

	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Close closes every pinned connection and pool
func (c *Coordinator) Close() error {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	pools := c.pools
	c.pools = make(map[string]*sql.DB)
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		s.mu.Lock()
		records := make([]*ConnectionRecord, 0, len(s.records))
		for _, rec := range s.records {
			records = append(records, rec)
		}
		s.mu.Unlock()

		for _, rec := range records {
			if tx := rec.Transaction(); tx != nil {
				tx.dispose()
			}
			if err := rec.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, db := range pools {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
