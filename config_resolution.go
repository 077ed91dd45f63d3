package main

import (
	"strconv"
	"time"

	"github.com/vertigate/vertigate/gateway"
	"github.com/vertigate/vertigate/httpapi"
)

// configCLIInputs carries the flag values together with which flags were
// actually set, so an explicit zero value still overrides.
type configCLIInputs struct {
	Set map[string]bool

	Listen          string
	Host            string
	Port            int
	Database        string
	User            string
	ConnectionLimit int
	ReadOnly        bool
}

type resolvedConfig struct {
	Gateway gateway.Config
	Listen  string

	QuerySlots  int
	QueryWait   time.Duration
	HTTPToken   string
	Origins     []string
	HTTPLimits  httpapi.RateLimitConfig
	OllamaHost  string
	OllamaModel string
}

const defaultListen = ":8080"

// resolveEffectiveConfig layers configuration sources in precedence order:
// CLI flags > environment > config file > defaults. Invalid values are
// reported through warn and the lower-precedence value survives.
func resolveEffectiveConfig(fileCfg *FileConfig, cli configCLIInputs, getenv func(string) string, warn func(string)) resolvedConfig {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if warn == nil {
		warn = func(string) {}
	}
	if cli.Set == nil {
		cli.Set = map[string]bool{}
	}

	cfg := gateway.DefaultConfig()
	resolved := resolvedConfig{
		Listen:     defaultListen,
		QuerySlots: 4,
		QueryWait:  5 * time.Second,
		HTTPLimits: httpapi.DefaultRateLimitConfig(),
	}

	if fileCfg != nil {
		if fileCfg.Listen != "" {
			resolved.Listen = fileCfg.Listen
		}

		v := fileCfg.Vertica
		if v.Host != "" {
			cfg.Host = v.Host
		}
		if v.Port != 0 {
			cfg.Port = v.Port
		}
		if v.Database != "" {
			cfg.Database = v.Database
		}
		if v.User != "" {
			cfg.User = v.User
		}
		if v.Password != "" {
			cfg.Password = v.Password
		}
		if v.ConnectionLimit != 0 {
			cfg.ConnectionLimit = v.ConnectionLimit
		}
		if v.SSL != nil {
			cfg.TLS = *v.SSL
		}
		if v.SSLVerify != nil {
			cfg.TLSVerify = *v.SSLVerify
		}

		p := fileCfg.Permissions
		if p.ReadOnly != nil {
			cfg.ReadOnly = *p.ReadOnly
		}
		for op, allowed := range p.Allow {
			switch op {
			case "select":
				cfg.AllowSelect = allowed
			case "insert":
				cfg.AllowInsert = allowed
			case "update":
				cfg.AllowUpdate = allowed
			case "delete":
				cfg.AllowDelete = allowed
			case "ddl":
				cfg.AllowDDL = allowed
			default:
				warn("Unknown operation in permissions.allow: " + op)
			}
		}
		for schema, flags := range p.Schemas {
			perm := gateway.SchemaPermissions{}
			for op, allowed := range flags {
				switch op {
				case "select":
					perm.Select = allowed
				case "insert":
					perm.Insert = allowed
				case "update":
					perm.Update = allowed
				case "delete":
					perm.Delete = allowed
				case "ddl":
					perm.DDL = allowed
				default:
					warn("Unknown operation in permissions.schemas." + schema + ": " + op)
				}
			}
			cfg.SchemaPermissions[schema] = perm
		}

		l := fileCfg.Limits
		if l.MaxConcurrentQueries > 0 {
			resolved.QuerySlots = l.MaxConcurrentQueries
		}
		if l.MaxQueryWait != "" {
			if d, err := time.ParseDuration(l.MaxQueryWait); err == nil && d > 0 {
				resolved.QueryWait = d
			} else {
				warn("Invalid limits.max_query_wait duration: " + l.MaxQueryWait)
			}
		}
		if l.AcquireTimeout != "" {
			if d, err := time.ParseDuration(l.AcquireTimeout); err == nil && d > 0 {
				cfg.AcquireTimeout = d
			} else {
				warn("Invalid limits.acquire_timeout duration: " + l.AcquireTimeout)
			}
		}

		h := fileCfg.HTTP
		if h.Token != "" {
			resolved.HTTPToken = h.Token
		}
		if len(h.AllowedOrigins) > 0 {
			resolved.Origins = h.AllowedOrigins
		}
		rl := h.RateLimit
		if rl.MaxFailedAttempts > 0 {
			resolved.HTTPLimits.MaxFailedAttempts = rl.MaxFailedAttempts
		}
		if rl.MaxInFlightPerIP > 0 {
			resolved.HTTPLimits.MaxInFlightPerIP = rl.MaxInFlightPerIP
		}
		if rl.FailedAttemptWindow != "" {
			if d, err := time.ParseDuration(rl.FailedAttemptWindow); err == nil {
				resolved.HTTPLimits.FailedAttemptWindow = d
			} else {
				warn("Invalid http.rate_limit.failed_attempt_window duration: " + rl.FailedAttemptWindow)
			}
		}
		if rl.BanDuration != "" {
			if d, err := time.ParseDuration(rl.BanDuration); err == nil {
				resolved.HTTPLimits.BanDuration = d
			} else {
				warn("Invalid http.rate_limit.ban_duration duration: " + rl.BanDuration)
			}
		}

		if fileCfg.Ollama.Host != "" {
			resolved.OllamaHost = fileCfg.Ollama.Host
		}
		if fileCfg.Ollama.Model != "" {
			resolved.OllamaModel = fileCfg.Ollama.Model
		}
	}

	cfg = gateway.ApplyEnv(cfg, getenv)
	if v := getenv("VERTIGATE_LISTEN"); v != "" {
		resolved.Listen = v
	}
	if v := getenv("VERTIGATE_MAX_CONCURRENT_QUERIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			resolved.QuerySlots = n
		} else {
			warn("Invalid VERTIGATE_MAX_CONCURRENT_QUERIES: " + v)
		}
	}
	if v := getenv("VERTIGATE_MAX_QUERY_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			resolved.QueryWait = d
		} else {
			warn("Invalid VERTIGATE_MAX_QUERY_WAIT duration: " + v)
		}
	}
	if v := getenv("VERTIGATE_HTTP_TOKEN"); v != "" {
		resolved.HTTPToken = v
	}
	if origins := httpapi.AllowedOriginsFromEnv(getenv); origins != nil {
		resolved.Origins = origins
	}
	if v := getenv("OLLAMA_HOST"); v != "" {
		resolved.OllamaHost = v
	}
	if v := getenv("OLLAMA_MODEL"); v != "" {
		resolved.OllamaModel = v
	}

	if cli.Set["listen"] {
		resolved.Listen = cli.Listen
	}
	if cli.Set["host"] {
		cfg.Host = cli.Host
	}
	if cli.Set["port"] {
		cfg.Port = cli.Port
	}
	if cli.Set["database"] {
		cfg.Database = cli.Database
	}
	if cli.Set["user"] {
		cfg.User = cli.User
	}
	if cli.Set["connection-limit"] {
		cfg.ConnectionLimit = cli.ConnectionLimit
	}
	if cli.Set["read-only"] {
		cfg.ReadOnly = cli.ReadOnly
	}

	if cfg.ConnectionLimit < 1 {
		warn("connection limit below 1, using 1")
		cfg.ConnectionLimit = 1
	}

	resolved.Gateway = cfg
	return resolved
}
