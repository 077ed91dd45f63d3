package gateway

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/vertigate/vertigate/classifier"
)

// Operation aliases the classifier's statement class so permission callers
// need only this package.
type Operation = classifier.Operation

const (
	OpNone   = classifier.OpNone
	OpSelect = classifier.OpSelect
	OpInsert = classifier.OpInsert
	OpUpdate = classifier.OpUpdate
	OpDelete = classifier.OpDelete
	OpDDL    = classifier.OpDDL
)

// SchemaPermissions holds one allow flag per governed operation class.
type SchemaPermissions struct {
	Select bool
	Insert bool
	Update bool
	Delete bool
	DDL    bool
}

func (p SchemaPermissions) allowed(op Operation) bool {
	switch op {
	case OpSelect:
		return p.Select
	case OpInsert:
		return p.Insert
	case OpUpdate:
		return p.Update
	case OpDelete:
		return p.Delete
	case OpDDL:
		return p.DDL
	default:
		return false
	}
}

// AsMap returns the flags keyed by lower-case operation name, for the
// diagnostic schema snapshot.
func (p SchemaPermissions) AsMap() map[string]bool {
	return map[string]bool{
		"select": p.Select,
		"insert": p.Insert,
		"update": p.Update,
		"delete": p.Delete,
		"ddl":    p.DDL,
	}
}

// Config is an immutable connection and permission snapshot. All mutation
// happens by constructing a new Config and re-initializing the pool.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// ConnectionLimit caps concurrent physical connections. Always >= 1.
	ConnectionLimit int

	TLS       bool
	TLSVerify bool

	// ReadOnly forces deny for every non-SELECT operation, overriding both
	// global and per-schema flags.
	ReadOnly bool

	AllowSelect bool
	AllowInsert bool
	AllowUpdate bool
	AllowDelete bool
	AllowDDL    bool

	// SchemaPermissions overrides the global flags per lower-cased schema.
	SchemaPermissions map[string]SchemaPermissions

	// AcquireTimeout bounds the wait for a free pooled connection.
	AcquireTimeout time.Duration
}

func (c Config) globalAllowed(op Operation) bool {
	switch op {
	case OpSelect:
		return c.AllowSelect
	case OpInsert:
		return c.AllowInsert
	case OpUpdate:
		return c.AllowUpdate
	case OpDelete:
		return c.AllowDelete
	case OpDDL:
		return c.AllowDDL
	default:
		return false
	}
}

// DefaultConfig returns the baseline configuration before environment and
// file overrides: SELECT-only against a local server.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5433,
		Database:          "VMart",
		User:              "dbadmin",
		ConnectionLimit:   5,
		TLSVerify:         true,
		AllowSelect:       true,
		SchemaPermissions: map[string]SchemaPermissions{},
		AcquireTimeout:    30 * time.Second,
	}
}

// ConfigFromEnv builds a Config from the process environment over the
// defaults. getenv is injected so resolution stays testable without mutating
// the real environment.
func ConfigFromEnv(getenv func(string) string) Config {
	return ApplyEnv(DefaultConfig(), getenv)
}

// ApplyEnv layers the environment over an existing configuration. Unset
// variables leave the base value alone; malformed entries are logged and
// skipped, never fatal.
func ApplyEnv(cfg Config, getenv func(string) string) Config {
	if v := getenv("VERTICA_HOST"); v != "" {
		cfg.Host = v
	}
	if v := getenv("VERTICA_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		} else {
			slog.Warn("Invalid VERTICA_PORT, keeping default.", "value", v)
		}
	}
	if v := getenv("VERTICA_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := getenv("VERTICA_USER"); v != "" {
		cfg.User = v
	}
	if v := getenv("VERTICA_PASSWORD"); v != "" {
		cfg.Password = v
	}

	if v := getenv("VERTICA_CONNECTION_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if n < 1 {
				n = 1
			}
			cfg.ConnectionLimit = n
		} else {
			slog.Warn("Invalid VERTICA_CONNECTION_LIMIT, keeping default.", "value", v)
		}
	}

	cfg.TLS = envBool(getenv, "VERTICA_SSL", cfg.TLS)
	cfg.TLSVerify = envBool(getenv, "VERTICA_SSL_REJECT_UNAUTHORIZED", cfg.TLSVerify)

	cfg.AllowSelect = envBool(getenv, "ALLOW_SELECT_OPERATION", cfg.AllowSelect)
	cfg.AllowInsert = envBool(getenv, "ALLOW_INSERT_OPERATION", cfg.AllowInsert)
	cfg.AllowUpdate = envBool(getenv, "ALLOW_UPDATE_OPERATION", cfg.AllowUpdate)
	cfg.AllowDelete = envBool(getenv, "ALLOW_DELETE_OPERATION", cfg.AllowDelete)
	cfg.AllowDDL = envBool(getenv, "ALLOW_DDL_OPERATION", cfg.AllowDDL)
	cfg.ReadOnly = envBool(getenv, "VERTIGATE_READ_ONLY", cfg.ReadOnly)

	for schema, perm := range schemaPermissionsFromEnv(getenv) {
		if cfg.SchemaPermissions == nil {
			cfg.SchemaPermissions = map[string]SchemaPermissions{}
		}
		cfg.SchemaPermissions[schema] = perm
	}

	return cfg
}

var schemaPermissionEnvs = []struct {
	envVar string
	set    func(*SchemaPermissions, bool)
}{
	{"SCHEMA_SELECT_PERMISSIONS", func(p *SchemaPermissions, v bool) { p.Select = v }},
	{"SCHEMA_INSERT_PERMISSIONS", func(p *SchemaPermissions, v bool) { p.Insert = v }},
	{"SCHEMA_UPDATE_PERMISSIONS", func(p *SchemaPermissions, v bool) { p.Update = v }},
	{"SCHEMA_DELETE_PERMISSIONS", func(p *SchemaPermissions, v bool) { p.Delete = v }},
	{"SCHEMA_DDL_PERMISSIONS", func(p *SchemaPermissions, v bool) { p.DDL = v }},
}

// schemaPermissionsFromEnv parses the five SCHEMA_<OP>_PERMISSIONS lists.
// Each is a comma-separated sequence of schema:true|false pairs.
func schemaPermissionsFromEnv(getenv func(string) string) map[string]SchemaPermissions {
	perms := map[string]SchemaPermissions{}
	for _, pe := range schemaPermissionEnvs {
		raw := strings.TrimSpace(getenv(pe.envVar))
		if raw == "" {
			continue
		}
		for _, pair := range strings.Split(raw, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			schema, value, ok := strings.Cut(pair, ":")
			if !ok {
				slog.Warn("Invalid schema permission entry.", "entry", pair, "env", pe.envVar)
				continue
			}
			schema = strings.ToLower(strings.TrimSpace(schema))
			p := perms[schema]
			pe.set(&p, parseBool(strings.TrimSpace(value)))
			perms[schema] = p
		}
	}
	return perms
}

func envBool(getenv func(string) string, key string, def bool) bool {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	return parseBool(v)
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
