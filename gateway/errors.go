package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrNotInitialized is returned when the manager is used before
	// InitializeDefault has installed a pool.
	ErrNotInitialized = errors.New("connection pool has not been initialized")

	// ErrAcquireTimeout is returned when no connection became free within
	// the acquisition deadline. Distinct from ErrTooManyQueries.
	ErrAcquireTimeout = errors.New("timed out waiting for a database connection")

	// ErrTooManyQueries is returned by the admission limiter when the
	// concurrency ceiling is saturated past the bounded wait. Transports
	// must map this to a rate-limit response, never a generic failure.
	ErrTooManyQueries = errors.New("too many concurrent queries")

	// ErrPoolClosed is returned when acquiring from a pool after CloseAll.
	ErrPoolClosed = errors.New("connection pool is closed")
)

// PermissionError reports an authorization denial for one schema/operation
// pair. It is never retried and surfaces verbatim to the caller.
type PermissionError struct {
	Schema    string
	Operation Operation
}

func (e *PermissionError) Error() string {
	schema := e.Schema
	if schema == "" {
		schema = "__default__"
	}
	return fmt.Sprintf("operation %s not allowed for schema %s", e.Operation, schema)
}

// ConnectError wraps a failure of the underlying connect primitive.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ExecError wraps a statement the database rejected, carrying enough of the
// statement text for diagnosis.
type ExecError struct {
	Statement string
	Err       error
}

const execErrorStatementPreview = 120

func (e *ExecError) Error() string {
	stmt := e.Statement
	if len(stmt) > execErrorStatementPreview {
		stmt = stmt[:execErrorStatementPreview] + "..."
	}
	return fmt.Sprintf("execute %q: %v", stmt, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// InvalidIdentifierError reports a schema or table name that failed the
// strict identifier pattern before any SQL was constructed.
type InvalidIdentifierError struct {
	Name string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid identifier: %q", e.Name)
}
