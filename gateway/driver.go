package gateway

import (
	"context"
	"io"
)

// Conn is one physical database session. A Conn is in exactly one of three
// states at a time: free (held by the pool), checked out (lent to a caller),
// or closed (terminated, never reused).
type Conn interface {
	// Cursor opens an execution handle scoped to one transaction.
	Cursor(ctx context.Context) (Cursor, error)
	// Ping verifies the session is alive.
	Ping(ctx context.Context) error
	// Closed reports whether the session has terminated.
	Closed() bool
	Close() error
}

// Cursor is a transaction-scoped execution handle. Commit or Rollback ends
// the transaction; Close releases any open result set and is safe to call
// after either.
type Cursor interface {
	// Query executes a statement expected to produce a result set.
	Query(ctx context.Context, query string, args ...any) (RowSet, error)
	// Exec executes a statement with no result set and reports the
	// affected row count.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// Copy issues a bulk-load command, streaming data as its input.
	Copy(ctx context.Context, command string, data io.Reader) error
	Commit() error
	Rollback() error
	Close() error
}

// RowSet is a set of rows from a query result.
type RowSet interface {
	Columns() ([]string, error)
	// FetchBatch returns up to n rows, or nil when exhausted.
	FetchBatch(n int) ([][]any, error)
	// FetchAll drains the remaining rows.
	FetchAll() ([][]any, error)
	Close() error
	Err() error
}

// Dialer creates one physical connection. The pool depends only on this,
// which keeps connection lifecycle tests free of a real server.
type Dialer func(ctx context.Context) (Conn, error)
