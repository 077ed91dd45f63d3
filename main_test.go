package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envFromMap(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func boolPtr(v bool) *bool { return &v }

func TestResolveEffectiveConfigPrecedence(t *testing.T) {
	fileCfg := &FileConfig{
		Listen: ":7000",
		Vertica: VerticaFileConfig{
			Host:            "file-host",
			Port:            5000,
			Database:        "filedb",
			User:            "fileuser",
			ConnectionLimit: 3,
		},
	}

	env := map[string]string{
		"VERTIGATE_LISTEN": ":7100",
		"VERTICA_HOST":     "env-host",
		"VERTICA_PORT":     "6000",
		"VERTICA_DATABASE": "envdb",
	}

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{
		Set: map[string]bool{
			"listen": true,
			"host":   true,
			"port":   true,
		},
		Listen: ":7200",
		Host:   "cli-host",
		Port:   7000,
	}, envFromMap(env), nil)

	if resolved.Listen != ":7200" {
		t.Fatalf("listen precedence mismatch: got %q", resolved.Listen)
	}
	if resolved.Gateway.Host != "cli-host" {
		t.Fatalf("host precedence mismatch: got %q", resolved.Gateway.Host)
	}
	if resolved.Gateway.Port != 7000 {
		t.Fatalf("port precedence mismatch: got %d", resolved.Gateway.Port)
	}
	// Env beats file where no flag was set.
	if resolved.Gateway.Database != "envdb" {
		t.Fatalf("database precedence mismatch: got %q", resolved.Gateway.Database)
	}
	// File beats defaults where neither env nor flag was set.
	if resolved.Gateway.User != "fileuser" {
		t.Fatalf("user precedence mismatch: got %q", resolved.Gateway.User)
	}
	if resolved.Gateway.ConnectionLimit != 3 {
		t.Fatalf("connection limit precedence mismatch: got %d", resolved.Gateway.ConnectionLimit)
	}
}

func TestResolveEffectiveConfigDefaults(t *testing.T) {
	resolved := resolveEffectiveConfig(nil, configCLIInputs{}, nil, nil)

	if resolved.Listen != defaultListen {
		t.Fatalf("default listen mismatch: got %q", resolved.Listen)
	}
	if resolved.Gateway.Host != "localhost" || resolved.Gateway.Port != 5433 {
		t.Fatalf("default vertica endpoint mismatch: %s:%d", resolved.Gateway.Host, resolved.Gateway.Port)
	}
	if !resolved.Gateway.AllowSelect || resolved.Gateway.AllowInsert {
		t.Fatalf("default permissions not select-only")
	}
	if resolved.QuerySlots != 4 || resolved.QueryWait != 5*time.Second {
		t.Fatalf("default admission limits mismatch: %d/%s", resolved.QuerySlots, resolved.QueryWait)
	}
}

func TestResolveEffectiveConfigFilePermissions(t *testing.T) {
	fileCfg := &FileConfig{
		Permissions: PermissionsFileConfig{
			ReadOnly: boolPtr(false),
			Allow:    map[string]bool{"insert": true, "ddl": true},
			Schemas: map[string]map[string]bool{
				"staging": {"select": true, "insert": true},
			},
		},
	}

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{}, nil, nil)

	if !resolved.Gateway.AllowInsert || !resolved.Gateway.AllowDDL {
		t.Fatalf("file allow flags not applied: %+v", resolved.Gateway)
	}
	perm, ok := resolved.Gateway.SchemaPermissions["staging"]
	if !ok || !perm.Select || !perm.Insert || perm.DDL {
		t.Fatalf("file schema override not applied: %+v", resolved.Gateway.SchemaPermissions)
	}
}

func TestResolveEffectiveConfigEnvPermissionsOverrideFile(t *testing.T) {
	fileCfg := &FileConfig{
		Permissions: PermissionsFileConfig{
			Allow: map[string]bool{"insert": true},
			Schemas: map[string]map[string]bool{
				"staging": {"insert": true},
			},
		},
	}
	env := map[string]string{
		"ALLOW_INSERT_OPERATION":    "false",
		"SCHEMA_INSERT_PERMISSIONS": "staging:false",
	}

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{}, envFromMap(env), nil)

	if resolved.Gateway.AllowInsert {
		t.Fatalf("env should override the file's global insert flag")
	}
	if resolved.Gateway.SchemaPermissions["staging"].Insert {
		t.Fatalf("env should override the file's schema insert flag")
	}
}

func TestResolveEffectiveConfigInvalidValuesWarnAndKeep(t *testing.T) {
	fileCfg := &FileConfig{
		Limits: LimitsFileConfig{
			MaxQueryWait:   "not-a-duration",
			AcquireTimeout: "10s",
		},
	}
	env := map[string]string{
		"VERTIGATE_MAX_CONCURRENT_QUERIES": "many",
		"VERTIGATE_MAX_QUERY_WAIT":         "soon",
	}

	var warnings []string
	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{}, envFromMap(env), func(msg string) {
		warnings = append(warnings, msg)
	})

	if resolved.QueryWait != 5*time.Second {
		t.Fatalf("invalid wait should keep the default, got %s", resolved.QueryWait)
	}
	if resolved.QuerySlots != 4 {
		t.Fatalf("invalid slot count should keep the default, got %d", resolved.QuerySlots)
	}
	if resolved.Gateway.AcquireTimeout != 10*time.Second {
		t.Fatalf("valid file acquire timeout lost: %s", resolved.Gateway.AcquireTimeout)
	}
	if len(warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %v", warnings)
	}
	for _, w := range warnings {
		if !strings.Contains(w, "Invalid") {
			t.Fatalf("unexpected warning: %q", w)
		}
	}
}

func TestResolveEffectiveConfigConnectionLimitFloor(t *testing.T) {
	var warnings []string
	resolved := resolveEffectiveConfig(nil, configCLIInputs{
		Set:             map[string]bool{"connection-limit": true},
		ConnectionLimit: -2,
	}, nil, func(msg string) { warnings = append(warnings, msg) })

	if resolved.Gateway.ConnectionLimit != 1 {
		t.Fatalf("connection limit floor mismatch: got %d", resolved.Gateway.ConnectionLimit)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected a warning, got %v", warnings)
	}
}

func TestResolveEffectiveConfigHTTPSettings(t *testing.T) {
	fileCfg := &FileConfig{
		HTTP: HTTPFileConfig{
			Token:          "file-token",
			AllowedOrigins: []string{"https://file.example"},
			RateLimit: RateLimitFileConfig{
				MaxFailedAttempts:   9,
				FailedAttemptWindow: "2m",
				BanDuration:         "30m",
				MaxInFlightPerIP:    7,
			},
		},
	}
	env := map[string]string{
		"VERTIGATE_HTTP_TOKEN": "env-token",
		"ALLOWED_ORIGINS":      "https://env.example",
	}

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{}, envFromMap(env), nil)

	if resolved.HTTPToken != "env-token" {
		t.Fatalf("token precedence mismatch: got %q", resolved.HTTPToken)
	}
	if len(resolved.Origins) != 1 || resolved.Origins[0] != "https://env.example" {
		t.Fatalf("origins precedence mismatch: got %v", resolved.Origins)
	}
	if resolved.HTTPLimits.MaxFailedAttempts != 9 || resolved.HTTPLimits.MaxInFlightPerIP != 7 {
		t.Fatalf("file rate limit lost: %+v", resolved.HTTPLimits)
	}
	if resolved.HTTPLimits.FailedAttemptWindow != 2*time.Minute || resolved.HTTPLimits.BanDuration != 30*time.Minute {
		t.Fatalf("file rate limit durations lost: %+v", resolved.HTTPLimits)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vertigate.yaml")
	content := `
listen: ":9090"
vertica:
  host: vertica.internal
  port: 5433
  database: itsm
  connection_limit: 8
  ssl: true
permissions:
  read_only: true
  allow:
    select: true
limits:
  max_concurrent_queries: 6
  max_query_wait: 10s
http:
  token: topsecret
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if cfg.Listen != ":9090" || cfg.Vertica.Host != "vertica.internal" {
		t.Fatalf("parsed config = %+v", cfg)
	}
	if cfg.Vertica.SSL == nil || !*cfg.Vertica.SSL {
		t.Fatalf("ssl flag not parsed")
	}
	if cfg.Permissions.ReadOnly == nil || !*cfg.Permissions.ReadOnly {
		t.Fatalf("read_only flag not parsed")
	}
	if cfg.Limits.MaxConcurrentQueries != 6 || cfg.HTTP.Token != "topsecret" {
		t.Fatalf("parsed config = %+v", cfg)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	if _, err := loadConfigFile("/nonexistent/vertigate.yaml"); err == nil {
		t.Fatalf("expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("listen: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadConfigFile(path); err == nil {
		t.Fatalf("expected error for malformed YAML")
	}
}
