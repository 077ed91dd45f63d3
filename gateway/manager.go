package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Manager is the facade over one active pool: scoped cursor acquisition,
// the permission-check entry point, and hot re-initialization. It is built
// explicitly at the process composition point and passed by reference.
type Manager struct {
	mu   sync.Mutex
	pool *Pool
	cfg  *Config
	dial func(Config) Dialer
}

// NewManager returns an uninitialized manager. dialFor builds the dialer for
// a configuration; nil selects the Vertica driver binding.
func NewManager(dialFor func(Config) Dialer) *Manager {
	if dialFor == nil {
		dialFor = VerticaDialer
	}
	return &Manager{dial: dialFor}
}

// InitializeDefault replaces any existing pool, closing it first, with a new
// one built from cfg. Callers already holding connections from the old pool
// complete against it. Not safe to call concurrently with itself.
func (m *Manager) InitializeDefault(ctx context.Context, cfg Config) error {
	pool, err := NewPool(ctx, cfg, m.dial(cfg))
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.pool
	m.pool = pool
	m.cfg = &cfg
	m.mu.Unlock()

	if old != nil {
		slog.Debug("Re-initializing connection pool.")
		old.CloseAll()
	}
	return nil
}

// CloseAll tears down the active pool. Idempotent.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	pool := m.pool
	m.pool = nil
	m.cfg = nil
	m.mu.Unlock()
	if pool != nil {
		pool.CloseAll()
	}
}

func (m *Manager) activePool() (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool == nil {
		return nil, ErrNotInitialized
	}
	return m.pool, nil
}

// Config returns the active configuration snapshot.
func (m *Manager) Config() (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == nil {
		return Config{}, ErrNotInitialized
	}
	return *m.cfg, nil
}

// GetConnection lends a pooled connection to the caller.
func (m *Manager) GetConnection(ctx context.Context) (Conn, error) {
	pool, err := m.activePool()
	if err != nil {
		return nil, err
	}
	return pool.Acquire(ctx)
}

// ReleaseConnection returns a lent connection to its pool.
func (m *Manager) ReleaseConnection(conn Conn) error {
	pool, err := m.activePool()
	if err != nil {
		return err
	}
	pool.Release(conn)
	return nil
}

// WithCursor acquires a connection, opens a transaction-scoped cursor, and
// runs fn. The transaction commits when fn returns nil and rolls back
// otherwise; the connection goes back to the pool on every exit path.
func (m *Manager) WithCursor(ctx context.Context, fn func(Cursor) error) (err error) {
	pool, err := m.activePool()
	if err != nil {
		return err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(conn)

	cursor, err := conn.Cursor(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cursor.Close() }()

	if err = fn(cursor); err != nil {
		if rbErr := cursor.Rollback(); rbErr != nil {
			slog.Warn("Rollback failed after statement error.", "error", rbErr)
		}
		return err
	}
	return cursor.Commit()
}

// IsOperationAllowed evaluates the permission policy for one schema and
// operation against the active configuration. The decision is a pure
// function of the snapshot: read-only first, then a per-schema override,
// then the global flags. The empty schema sentinel never matches an
// override and falls through to the globals.
func (m *Manager) IsOperationAllowed(schema string, op Operation) bool {
	cfg, err := m.Config()
	if err != nil {
		return false
	}
	return OperationAllowed(cfg, schema, op)
}

// OperationAllowed is the permission engine over an explicit snapshot.
func OperationAllowed(cfg Config, schema string, op Operation) bool {
	if cfg.ReadOnly && op != OpSelect {
		return false
	}
	if schema != "" {
		if perm, ok := cfg.SchemaPermissions[strings.ToLower(schema)]; ok {
			return perm.allowed(op)
		}
	}
	return cfg.globalAllowed(op)
}

// SchemaSnapshot returns the effective permission view per schema plus a
// __global__ entry, for operational visibility endpoints.
func (m *Manager) SchemaSnapshot() map[string]map[string]bool {
	cfg, err := m.Config()
	if err != nil {
		return map[string]map[string]bool{}
	}
	snapshot := make(map[string]map[string]bool, len(cfg.SchemaPermissions)+1)
	for schema, perm := range cfg.SchemaPermissions {
		snapshot[schema] = perm.AsMap()
	}
	snapshot["__global__"] = map[string]bool{
		"select":    cfg.AllowSelect,
		"insert":    cfg.AllowInsert,
		"update":    cfg.AllowUpdate,
		"delete":    cfg.AllowDelete,
		"ddl":       cfg.AllowDDL,
		"read_only": cfg.ReadOnly,
	}
	return snapshot
}

// PoolStats reports checked-out and free counts of the active pool.
func (m *Manager) PoolStats() (checkedOut, free int) {
	pool, err := m.activePool()
	if err != nil {
		return 0, 0
	}
	return pool.Stats()
}
