package dbsession

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultSession is used when a caller passes an empty session id
const DefaultSession = "default"

// Session groups the connection records and context bindings that belong together.
// Lock order: a record's mu may be held while taking a session's mu, never the reverse.
type Session struct {
	id    string
	coord *Coordinator

	mu       sync.Mutex
	records  map[string]*ConnectionRecord
	bindings []*ContextBinding
}

func newSession(coord *Coordinator, id string) *Session {
	return &Session{
		id:      id,
		coord:   coord,
		records: make(map[string]*ConnectionRecord),
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

func (s *Session) coordinator() *Coordinator {
	return s.coord
}

func (s *Session) record(key string) *ConnectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key]
}

// insertRecord stores rec unless another record for the key won the race
func (s *Session) insertRecord(rec *ConnectionRecord) *ConnectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.records[rec.key]; existing != nil {
		return existing
	}
	s.records[rec.key] = rec
	return rec
}

func (s *Session) findBinding(contextType reflect.Type, key string) *ContextBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findBindingLocked(contextType, key)
}

func (s *Session) findBindingLocked(contextType reflect.Type, key string) *ContextBinding {
	for _, b := range s.bindings {
		if b.contextType == contextType && b.key == key {
			return b
		}
	}
	return nil
}

func (s *Session) bindingsFor(key string) []*ContextBinding {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ContextBinding
	for _, b := range s.bindings {
		if b.key == key {
			out = append(out, b)
		}
	}
	return out
}

// updateContexts pushes rec's connection and transaction into every context bound to
// rec's key, then checks that each of them took it. Caller must hold rec.mu.
func (s *Session) updateContexts(rec *ConnectionRecord) error {
	bindings := s.bindingsFor(rec.key)

	for _, b := range bindings {
		if other := b.Record(); other != rec {
			return invariant(ErrCrossConnectionLeak, "%s for %s in session %s tracks connection %s, current record is %s",
				b.contextType, rec.key, s.id, other.conn.id, rec.conn.id)
		}
	}

	for _, b := range bindings {
		b.ctx.UseConnection(rec.conn)
		b.ctx.UseTransaction(rec.tx)
	}

	for _, b := range bindings {
		if actual := b.ctx.Connection(); actual != rec.conn {
			return invariant(ErrCrossConnectionLeak, "%s for %s in session %s kept connection %s after update to %s",
				b.contextType, rec.key, s.id, connID(actual), rec.conn.id)
		}
	}
	return nil
}

// saveChanges flushes every context bound to rec's key
func (s *Session) saveChanges(ctx context.Context, rec *ConnectionRecord) error {
	for _, b := range s.bindingsFor(rec.key) {
		if err := b.ctx.SaveChanges(ctx); err != nil {
			log.Debug().Err(err).Str("key", rec.key).Str("context", b.contextType.String()).Msg("Failed to save context changes")
			return err
		}
	}
	return nil
}

func (s *Session) snapshot() SessionSnapshot {
	s.mu.Lock()
	records := make([]*ConnectionRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	bindings := append([]*ContextBinding(nil), s.bindings...)
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].key < records[j].key })

	snap := SessionSnapshot{ID: s.id}
	for _, rec := range records {
		snap.Connections = append(snap.Connections, rec.snapshot())
	}
	for _, b := range bindings {
		snap.Contexts = append(snap.Contexts, b.snapshot())
	}
	return snap
}
