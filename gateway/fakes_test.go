package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// fakeConn is a scriptable Conn for pool and executor tests.
type fakeConn struct {
	id       int
	closed   atomic.Bool
	cursor   *fakeCursor
	cursorMu sync.Mutex
}

func (c *fakeConn) Cursor(ctx context.Context) (Cursor, error) {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	if c.cursor == nil {
		c.cursor = &fakeCursor{}
	}
	return c.cursor, nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("connection closed")
	}
	return nil
}

func (c *fakeConn) Closed() bool { return c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeRowSet serves scripted rows in batches.
type fakeRowSet struct {
	cols []string
	rows [][]any
	pos  int
}

func (r *fakeRowSet) Columns() ([]string, error) { return r.cols, nil }

func (r *fakeRowSet) FetchBatch(n int) ([][]any, error) {
	if r.pos >= len(r.rows) {
		return nil, nil
	}
	end := len(r.rows)
	if n >= 0 && r.pos+n < end {
		end = r.pos + n
	}
	batch := r.rows[r.pos:end]
	r.pos = end
	return batch, nil
}

func (r *fakeRowSet) FetchAll() ([][]any, error) { return r.FetchBatch(-1) }

func (r *fakeRowSet) Close() error { return nil }

func (r *fakeRowSet) Err() error { return nil }

// fakeCursor records statements and serves scripted results in order.
type fakeCursor struct {
	mu         sync.Mutex
	queries    []string
	execs      []string
	copies     []string
	copyData   []string
	results    []*fakeRowSet
	queryErr   error
	execErr    error
	copyErr    error
	affected   int64
	committed  bool
	rolledBack bool
}

func (cur *fakeCursor) Query(ctx context.Context, query string, args ...any) (RowSet, error) {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	cur.queries = append(cur.queries, query)
	if cur.queryErr != nil {
		return nil, cur.queryErr
	}
	if len(cur.results) == 0 {
		return &fakeRowSet{}, nil
	}
	rs := cur.results[0]
	cur.results = cur.results[1:]
	return rs, nil
}

func (cur *fakeCursor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	cur.execs = append(cur.execs, query)
	if cur.execErr != nil {
		return 0, cur.execErr
	}
	return cur.affected, nil
}

func (cur *fakeCursor) Copy(ctx context.Context, command string, data io.Reader) error {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	cur.copies = append(cur.copies, command)
	buf, _ := io.ReadAll(data)
	cur.copyData = append(cur.copyData, string(buf))
	return cur.copyErr
}

func (cur *fakeCursor) Commit() error {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	cur.committed = true
	return nil
}

func (cur *fakeCursor) Rollback() error {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	cur.rolledBack = true
	return nil
}

func (cur *fakeCursor) Close() error { return nil }

// scriptDialer serves scripted dial outcomes in order, then falls back to
// fresh healthy connections.
type scriptDialer struct {
	mu    sync.Mutex
	queue []func() (Conn, error)
	dials int
	next  int
}

func (d *scriptDialer) push(fn func() (Conn, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, fn)
}

func (d *scriptDialer) dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.dials++
	var fn func() (Conn, error)
	if len(d.queue) > 0 {
		fn = d.queue[0]
		d.queue = d.queue[1:]
	}
	id := d.next
	d.next++
	d.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return &fakeConn{id: id}, nil
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func healthyConn() func() (Conn, error) {
	return func() (Conn, error) { return &fakeConn{}, nil }
}

func failingDial(msg string) func() (Conn, error) {
	return func() (Conn, error) { return nil, fmt.Errorf("%s", msg) }
}

func testPoolConfig(limit int) Config {
	cfg := DefaultConfig()
	cfg.ConnectionLimit = limit
	cfg.AcquireTimeout = 100 * time.Millisecond
	return cfg
}

// testManager builds an initialized manager whose every connection shares
// one scripted cursor.
func testManager(t interface {
	Helper()
	Fatalf(string, ...any)
}, cfg Config, cursor *fakeCursor) *Manager {
	t.Helper()
	m := NewManager(func(Config) Dialer {
		return func(ctx context.Context) (Conn, error) {
			return &fakeConn{cursor: cursor}, nil
		}
	})
	if err := m.InitializeDefault(context.Background(), cfg); err != nil {
		t.Fatalf("initialize manager: %v", err)
	}
	return m
}
