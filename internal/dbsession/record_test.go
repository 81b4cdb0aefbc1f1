package dbsession

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestAttach_FailedSyncRollsBackAndLogs(t *testing.T) {
	c := newTestCoordinator(t)
	RegisterContext(c, newPinnedContext)

	bound, err := GetContext[*pinnedContext](c, testKey, "S1")
	if err != nil {
		t.Fatalf("GetContext returned error: %v", err)
	}
	rec := bound.Record()
	if err := rec.Conn().Open(context.Background()); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	// Move the pinned context off the record's connection; it ignores every update after this.
	bound.Context().conn = newConn(testKey, BackendSQLite, nil)

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	_, err = rec.attach(sql.LevelDefault)
	if !errors.Is(err, ErrCrossConnectionLeak) {
		t.Fatalf("expected ErrCrossConnectionLeak, got %v", err)
	}
	if rec.Transaction() != nil {
		t.Fatal("expected no transaction left on the record")
	}
	if bound.Context().Transaction() != nil {
		t.Fatal("expected the context's transaction to be cleared")
	}
	if !strings.Contains(buf.String(), "Failed to detach transaction from contexts") {
		t.Fatalf("expected the failed context sync to be logged, got %s", buf.String())
	}
}
