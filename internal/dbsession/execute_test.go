package dbsession

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

var autoSerializable = &TransactionOptions{
	IsolationLevel:           sql.LevelSerializable,
	ExecuteRollbackAndCommit: true,
}

func TestExecute_CommitsAndDetachesTransaction(t *testing.T) {
	c := newTestCoordinator(t)
	createCasesTable(t, c)

	bound, err := GetContext[*SQLContext](c, testKey, "S1")
	if err != nil {
		t.Fatalf("GetContext returned error: %v", err)
	}
	rec := bound.Record()

	var seen *Tx
	id, err := Execute(context.Background(), c, bound, func(ctx context.Context) (int64, error) {
		seen = rec.Transaction()
		if seen == nil {
			t.Error("expected a live transaction on the record")
		}
		if bound.Context().Transaction() != seen {
			t.Error("expected the context to share the record's transaction")
		}
		bound.Context().Stage(`INSERT INTO cases (title) VALUES (?)`, "staged")

		res, err := bound.Context().ExecContext(ctx, `INSERT INTO cases (title) VALUES (?)`, "direct")
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}, autoSerializable)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected insert id 1, got %d", id)
	}

	if !seen.Dead() {
		t.Fatal("expected transaction to be dead after commit")
	}
	if rec.Transaction() != nil || bound.Context().Transaction() != nil {
		t.Fatal("expected transaction detached from record and context")
	}
	if rec.Claimed() {
		t.Fatal("expected claim to be released")
	}
	if bound.Context().Pending() != 0 {
		t.Fatalf("expected staged writes to be flushed, %d pending", bound.Context().Pending())
	}
	if n := countCases(t, c); n != 2 {
		t.Fatalf("expected 2 committed rows, got %d", n)
	}
}

func TestExecute_RollsBackAndReturnsOriginalError(t *testing.T) {
	c := newTestCoordinator(t)
	createCasesTable(t, c)

	first, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	if first != rec {
		t.Fatal("expected identical record")
	}

	var seen *Tx
	err = Run(context.Background(), c, rec, func(ctx context.Context) error {
		seen = rec.Transaction()
		if _, err := rec.ExecContext(ctx, `INSERT INTO cases (title) VALUES (?)`, "doomed"); err != nil {
			return err
		}
		return errBoom
	}, autoSerializable)

	if err != errBoom {
		t.Fatalf("expected the original error unchanged, got %v", err)
	}
	if seen == nil || !seen.Dead() {
		t.Fatal("expected transaction rolled back")
	}
	if rec.Claimed() {
		t.Fatal("expected claim to be released")
	}
	if rec.Transaction() != nil {
		t.Fatal("expected transaction detached")
	}
	if n := countCases(t, c); n != 0 {
		t.Fatalf("expected rollback to discard the insert, got %d rows", n)
	}
}

func TestExecute_StagedChangesDiscardedOnFailure(t *testing.T) {
	c := newTestCoordinator(t)
	createCasesTable(t, c)

	bound, err := GetContext[*SQLContext](c, testKey, "S1")
	if err != nil {
		t.Fatalf("GetContext returned error: %v", err)
	}

	err = Run(context.Background(), c, bound, func(ctx context.Context) error {
		bound.Context().Stage(`INSERT INTO cases (title) VALUES (?)`, "staged")
		return errBoom
	}, autoSerializable)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if bound.Context().Pending() != 0 {
		t.Fatalf("expected staged writes cleared, %d pending", bound.Context().Pending())
	}
	if n := countCases(t, c); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
}

func TestExecute_NestedCallSharesOuterTransaction(t *testing.T) {
	c := newTestCoordinator(t)
	createCasesTable(t, c)

	bound, err := GetContext[*SQLContext](c, testKey, "S1")
	if err != nil {
		t.Fatalf("GetContext returned error: %v", err)
	}
	rec := bound.Record()

	err = Run(context.Background(), c, rec, func(ctx context.Context) error {
		outer := rec.Transaction()
		if AmbientConnectionID(ctx) != rec.ID() {
			t.Errorf("expected ambient id %s, got %q", rec.ID(), AmbientConnectionID(ctx))
		}

		// Nested through the binding, with options of its own.
		err := Run(ctx, c, bound, func(ctx context.Context) error {
			if rec.Transaction() != outer {
				t.Error("expected nested call to reuse the outer transaction")
			}
			_, err := bound.Context().ExecContext(ctx, `INSERT INTO cases (title) VALUES (?)`, "nested")
			return err
		}, &TransactionOptions{IsolationLevel: sql.LevelReadCommitted, ExecuteRollbackAndCommit: true})
		if err != nil {
			return err
		}

		if outer.Dead() {
			t.Error("expected nested call to leave the outer transaction open")
		}
		if !rec.Claimed() {
			t.Error("expected nested call to leave the claim in place")
		}

		// A failing nested call does not roll the outer transaction back either.
		if err := Run(ctx, c, rec, func(ctx context.Context) error { return errBoom }, autoSerializable); !errors.Is(err, errBoom) {
			t.Errorf("expected errBoom from nested call, got %v", err)
		}
		if outer.Dead() {
			t.Error("expected outer transaction to survive a failing nested call")
		}
		return nil
	}, autoSerializable)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if n := countCases(t, c); n != 1 {
		t.Fatalf("expected the nested insert to commit with the outer call, got %d rows", n)
	}
}

func TestExecute_ConcurrentOuterCallFailsImmediately(t *testing.T) {
	c := newTestCoordinator(t)

	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}

	type outcome struct {
		value int
		err   error
	}
	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan outcome, 1)

	go func() {
		v, err := Execute(context.Background(), c, rec, func(ctx context.Context) (int, error) {
			close(started)
			<-finish
			return 42, nil
		}, nil)
		done <- outcome{v, err}
	}()

	<-started

	ran := false
	begin := time.Now()
	_, err = Execute(context.Background(), c, rec, func(ctx context.Context) (int, error) {
		ran = true
		return 0, nil
	}, nil)
	if !errors.Is(err, ErrConnectionAlreadyInUse) {
		t.Fatalf("expected ErrConnectionAlreadyInUse, got %v", err)
	}
	if ran {
		t.Fatal("expected the second unit of work not to run")
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("expected immediate failure, took %s", elapsed)
	}

	close(finish)
	first := <-done
	if first.err != nil || first.value != 42 {
		t.Fatalf("expected first call to return 42, got %d, %v", first.value, first.err)
	}
	if rec.Claimed() {
		t.Fatal("expected claim released after first call")
	}
}

func TestExecute_AmbientIdentityDoesNotCrossDetachedContexts(t *testing.T) {
	c := newTestCoordinator(t)

	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}

	err = Run(context.Background(), c, rec, func(ctx context.Context) error {
		// A fresh context is a different unit of work.
		return Run(context.Background(), c, rec, func(ctx context.Context) error { return nil }, nil)
	}, nil)
	if !errors.Is(err, ErrConnectionAlreadyInUse) {
		t.Fatalf("expected ErrConnectionAlreadyInUse, got %v", err)
	}
}

func TestExecute_DirtyContextStateBeforeWork(t *testing.T) {
	c := newTestCoordinator(t)

	bound, err := GetContext[*SQLContext](c, testKey, "S1")
	if err != nil {
		t.Fatalf("GetContext returned error: %v", err)
	}
	foreign, err := c.GetConnection(testKey, "S2")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}

	// Swapped behind the coordinator's back.
	bound.Context().UseConnection(foreign.Conn())

	ran := false
	err = Run(context.Background(), c, bound, func(ctx context.Context) error {
		ran = true
		return nil
	}, autoSerializable)
	if !errors.Is(err, ErrDirtyContextState) {
		t.Fatalf("expected ErrDirtyContextState, got %v", err)
	}
	if !IsInvariantViolation(err) {
		t.Fatalf("expected an invariant violation, got %T", err)
	}
	if ran {
		t.Fatal("expected work not to run")
	}
	if bound.Record().Claimed() {
		t.Fatal("expected claim released after failure")
	}
}

func TestExecute_DirtyContextStateOnForeignTransaction(t *testing.T) {
	c := newTestCoordinator(t)

	bound, err := GetContext[*SQLContext](c, testKey, "S1")
	if err != nil {
		t.Fatalf("GetContext returned error: %v", err)
	}

	bound.Context().UseTransaction(&Tx{id: "stray", conn: bound.Record().Conn()})

	err = Run(context.Background(), c, bound, func(ctx context.Context) error { return nil }, nil)
	if !errors.Is(err, ErrDirtyContextState) {
		t.Fatalf("expected ErrDirtyContextState, got %v", err)
	}
}

func TestExecute_BrokenConnection(t *testing.T) {
	c := newTestCoordinator(t)

	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	rec.Conn().markBroken()

	err = Run(context.Background(), c, rec, func(ctx context.Context) error { return nil }, nil)
	if !errors.Is(err, ErrBrokenConnection) {
		t.Fatalf("expected ErrBrokenConnection, got %v", err)
	}
	if IsInvariantViolation(err) {
		t.Fatal("expected a broken connection not to be an invariant violation")
	}
	if rec.Claimed() {
		t.Fatal("expected claim released")
	}

	fresh, err := c.ResetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("ResetConnection returned error: %v", err)
	}
	if err := Run(context.Background(), c, fresh, func(ctx context.Context) error { return fresh.Conn().Open(ctx) }, nil); err != nil {
		t.Fatalf("expected the replacement to work, got %v", err)
	}
}

func TestExecute_ReusesLiveTransactionWithoutEndingIt(t *testing.T) {
	c := newTestCoordinator(t)
	createCasesTable(t, c)

	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	if err := rec.Conn().Open(context.Background()); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	tx, err := rec.attach(sql.LevelDefault)
	if err != nil {
		t.Fatalf("attach returned error: %v", err)
	}

	err = Run(context.Background(), c, rec, func(ctx context.Context) error {
		if rec.Transaction() != tx {
			t.Error("expected the existing transaction to be used")
		}
		_, err := rec.ExecContext(ctx, `INSERT INTO cases (title) VALUES (?)`, "inside")
		return err
	}, autoSerializable)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if tx.Dead() {
		t.Fatal("expected the existing transaction to stay open")
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	rec.detach(tx)
	if n := countCases(t, c); n != 1 {
		t.Fatalf("expected 1 row after commit, got %d", n)
	}
}

func TestExecute_DiscardsDeadTransaction(t *testing.T) {
	c := newTestCoordinator(t)

	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	if err := rec.Conn().Open(context.Background()); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	stale, err := rec.attach(sql.LevelDefault)
	if err != nil {
		t.Fatalf("attach returned error: %v", err)
	}
	if err := stale.Rollback(); err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}

	err = Run(context.Background(), c, rec, func(ctx context.Context) error {
		if tx := rec.Transaction(); tx == nil || tx == stale {
			t.Error("expected a new transaction in place of the dead one")
		}
		return nil
	}, autoSerializable)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestExecute_DirtyConnection(t *testing.T) {
	c := newTestCoordinator(t)

	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	if err := rec.Conn().Open(context.Background()); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	tx, err := rec.attach(sql.LevelDefault)
	if err != nil {
		t.Fatalf("attach returned error: %v", err)
	}
	t.Cleanup(func() {
		rec.detach(tx)
		tx.dispose()
	})

	rec.conn.mu.Lock()
	rec.conn.state = StateClosed
	rec.conn.mu.Unlock()
	t.Cleanup(func() {
		rec.conn.mu.Lock()
		rec.conn.state = StateOpen
		rec.conn.mu.Unlock()
	})

	err = Run(context.Background(), c, rec, func(ctx context.Context) error { return nil }, nil)
	if !errors.Is(err, ErrDirtyConnection) {
		t.Fatalf("expected ErrDirtyConnection, got %v", err)
	}
	if !IsInvariantViolation(err) {
		t.Fatalf("expected an invariant violation, got %T", err)
	}
}

func TestExecute_CancelledWorkRollsBack(t *testing.T) {
	c := newTestCoordinator(t)
	createCasesTable(t, c)

	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err = Run(ctx, c, rec, func(ctx context.Context) error {
		if _, err := rec.ExecContext(ctx, `INSERT INTO cases (title) VALUES (?)`, "cancelled"); err != nil {
			return err
		}
		cancel()
		return ctx.Err()
	}, autoSerializable)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rec.Claimed() {
		t.Fatal("expected claim released")
	}
	if n := countCases(t, c); n != 0 {
		t.Fatalf("expected rollback after cancellation, got %d rows", n)
	}
}

func TestExecute_PanicReleasesClaimAndRollsBack(t *testing.T) {
	c := newTestCoordinator(t)
	createCasesTable(t, c)

	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}

	var seen *Tx
	func() {
		defer func() {
			if p := recover(); p != "kaboom" {
				t.Fatalf("expected panic to propagate, got %v", p)
			}
		}()
		_ = Run(context.Background(), c, rec, func(ctx context.Context) error {
			seen = rec.Transaction()
			if _, err := rec.ExecContext(ctx, `INSERT INTO cases (title) VALUES (?)`, "panicked"); err != nil {
				return err
			}
			panic("kaboom")
		}, autoSerializable)
	}()

	if rec.Claimed() {
		t.Fatal("expected claim released after panic")
	}
	if seen == nil || !seen.Dead() || rec.Transaction() != nil {
		t.Fatal("expected transaction disposed and detached after panic")
	}
	if n := countCases(t, c); n != 0 {
		t.Fatalf("expected rollback after panic, got %d rows", n)
	}
}

func TestExecute_ManualFinalization(t *testing.T) {
	c := newTestCoordinator(t)
	createCasesTable(t, c)

	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	manual := &TransactionOptions{IsolationLevel: sql.LevelDefault}

	// Left open by the work: disposed, so nothing persists.
	err = Run(context.Background(), c, rec, func(ctx context.Context) error {
		_, err := rec.ExecContext(ctx, `INSERT INTO cases (title) VALUES (?)`, "abandoned")
		return err
	}, manual)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if n := countCases(t, c); n != 0 {
		t.Fatalf("expected unfinished transaction to be discarded, got %d rows", n)
	}

	// Committed by the work itself.
	err = Run(context.Background(), c, rec, func(ctx context.Context) error {
		if _, err := rec.ExecContext(ctx, `INSERT INTO cases (title) VALUES (?)`, "kept"); err != nil {
			return err
		}
		return rec.Transaction().Commit()
	}, manual)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if n := countCases(t, c); n != 1 {
		t.Fatalf("expected manually committed row, got %d rows", n)
	}
}

func TestExecute_NoTransactionOpensLazily(t *testing.T) {
	c := newTestCoordinator(t)

	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}

	err = Run(context.Background(), c, rec, func(ctx context.Context) error {
		if rec.Transaction() != nil {
			t.Error("expected no transaction without options")
		}
		if rec.Conn().State() != StateClosed {
			t.Error("expected connection still closed before first statement")
		}
		_, err := rec.ExecContext(ctx, `CREATE TABLE notes (body TEXT)`)
		return err
	}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if rec.Conn().State() != StateOpen {
		t.Fatalf("expected connection open after use, got %s", rec.Conn().State())
	}
}

func TestExecute_RejectsForeignHandle(t *testing.T) {
	c := newTestCoordinator(t)
	other := New(Options{})

	rec, err := c.GetConnection(testKey, "S1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}

	err = Run(context.Background(), other, rec, func(ctx context.Context) error { return nil }, nil)
	if !errors.Is(err, ErrForeignHandle) {
		t.Fatalf("expected ErrForeignHandle, got %v", err)
	}

	if err := Run(context.Background(), c, Bound[*SQLContext]{}, func(ctx context.Context) error { return nil }, nil); err == nil {
		t.Fatal("expected error for an empty handle")
	}
}
