package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestPool(t *testing.T, limit int, dialer *scriptDialer) *Pool {
	t.Helper()
	pool, err := NewPool(context.Background(), testPoolConfig(limit), dialer.dial)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.CloseAll)
	return pool
}

func assertOccupancy(t *testing.T, pool *Pool, limit, wantCheckedOut, wantFree int) {
	t.Helper()
	checkedOut, free := pool.Stats()
	if checkedOut != wantCheckedOut || free != wantFree {
		t.Fatalf("pool occupancy = (%d checked out, %d free), want (%d, %d)",
			checkedOut, free, wantCheckedOut, wantFree)
	}
	if checkedOut+free > limit {
		t.Fatalf("invariant violated: checked_out(%d) + free(%d) > limit(%d)",
			checkedOut, free, limit)
	}
}

func TestPoolOccupancyInvariant(t *testing.T) {
	const limit = 3
	pool := newTestPool(t, limit, &scriptDialer{})
	assertOccupancy(t, pool, limit, 0, limit)

	ctx := context.Background()
	var conns []Conn
	for i := 0; i < limit; i++ {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		conns = append(conns, conn)
		assertOccupancy(t, pool, limit, i+1, limit-i-1)
	}
	for i, conn := range conns {
		pool.Release(conn)
		assertOccupancy(t, pool, limit, limit-i-1, i+1)
	}
}

func TestAcquireTimesOutAtCapacity(t *testing.T) {
	pool := newTestPool(t, 1, &scriptDialer{})
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer pool.Release(conn)

	if _, err := pool.Acquire(ctx); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second acquire error = %v, want ErrAcquireTimeout", err)
	}
	checkedOut, _ := pool.Stats()
	if checkedOut != 1 {
		t.Fatalf("checked out = %d after timeout, want 1", checkedOut)
	}
}

func TestAcquireReplacesClosedConnection(t *testing.T) {
	dialer := &scriptDialer{}
	pool := newTestPool(t, 1, dialer)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn.(*fakeConn).closed.Store(true)
	pool.Release(conn) // replaced on release

	replacement, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire replacement: %v", err)
	}
	if replacement == conn {
		t.Fatalf("acquired the closed connection back")
	}
	if replacement.Closed() {
		t.Fatalf("replacement reports closed")
	}
	pool.Release(replacement)
}

func TestAcquireReplaceRaceWaitsForRelease(t *testing.T) {
	dialer := &scriptDialer{}
	pool := newTestPool(t, 1, dialer)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Release(conn)
	conn.(*fakeConn).closed.Store(true) // dies while sitting in the free set

	// A concurrent acquire holds the slot freed by dropping the dead
	// connection, then releases its connection mid-wait.
	pool.mu.Lock()
	pool.created++
	pool.mu.Unlock()
	winner := &fakeConn{}
	go func() {
		time.Sleep(20 * time.Millisecond)
		pool.free <- winner
	}()

	got, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire during replacement race: %v", err)
	}
	if got != winner {
		t.Fatalf("acquired %v, want the connection released mid-wait", got)
	}
	pool.Release(got)
}

func TestAcquireDoesNotLeakOnReplaceFailure(t *testing.T) {
	dead := &fakeConn{}
	dead.closed.Store(true)
	dialer := &scriptDialer{}
	dialer.push(func() (Conn, error) { return dead, nil }) // initial fill
	dialer.push(failingDial("replace fail"))               // replacement attempt

	pool := newTestPool(t, 1, dialer)
	ctx := context.Background()

	if _, err := pool.Acquire(ctx); err == nil {
		t.Fatalf("expected acquire to fail when replacement dial fails")
	}
	checkedOut, _ := pool.Stats()
	if checkedOut != 0 {
		t.Fatalf("checked out = %d after failed acquire, want 0", checkedOut)
	}

	// The dropped slot is recreated on demand once dialing recovers.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
	pool.Release(conn)
}

func TestReleaseUntrackedConnectionIgnored(t *testing.T) {
	pool := newTestPool(t, 2, &scriptDialer{})
	before, freeBefore := pool.Stats()

	pool.Release(&fakeConn{}) // never acquired from this pool

	after, freeAfter := pool.Stats()
	if before != after || freeBefore != freeAfter {
		t.Fatalf("pool state changed by untracked release: (%d,%d) -> (%d,%d)",
			before, freeBefore, after, freeAfter)
	}

	// Pool still functions.
	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after untracked release: %v", err)
	}
	pool.Release(conn)
}

func TestReleaseDropsSlotWhenReplacementFails(t *testing.T) {
	dialer := &scriptDialer{}
	pool := newTestPool(t, 1, dialer)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn.(*fakeConn).closed.Store(true)
	dialer.push(failingDial("still down"))
	pool.Release(conn)

	assertOccupancy(t, pool, 1, 0, 0)

	// On-demand creation restores the slot.
	recovered, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after slot drop: %v", err)
	}
	pool.Release(recovered)
	assertOccupancy(t, pool, 1, 0, 1)
}

func TestConnectFailuresTriggerBoundedRebuild(t *testing.T) {
	dialer := &scriptDialer{}
	pool := newTestPool(t, 1, dialer)
	ctx := context.Background()

	// Shrink the pool: closed connection, failed replacement.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn.(*fakeConn).closed.Store(true)
	dialer.push(failingDial("down"))
	pool.Release(conn)

	// Two more consecutive connect failures reach the rebuild threshold;
	// the rebuild itself dials successfully and refills the pool.
	dialer.push(failingDial("down"))
	if _, err := pool.Acquire(ctx); err == nil {
		t.Fatalf("expected connect failure")
	}
	dialer.push(failingDial("down"))
	if _, err := pool.Acquire(ctx); err == nil {
		t.Fatalf("expected connect failure")
	}

	_, free := pool.Stats()
	if free != 1 {
		t.Fatalf("free = %d after rebuild, want 1", free)
	}
}

func TestCloseAllIsIdempotent(t *testing.T) {
	pool := newTestPool(t, 2, &scriptDialer{})
	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	pool.CloseAll()
	pool.CloseAll()

	if !conn.Closed() {
		t.Fatalf("checked-out connection not closed by CloseAll")
	}
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("acquire after close error = %v, want ErrPoolClosed", err)
	}
	assertOccupancy(t, pool, 2, 0, 0)
}

func TestInitialFillFailurePropagates(t *testing.T) {
	dialer := &scriptDialer{}
	dialer.push(healthyConn())
	dialer.push(failingDial("no server"))

	if _, err := NewPool(context.Background(), testPoolConfig(2), dialer.dial); err == nil {
		t.Fatalf("expected pool construction to fail")
	}
}
