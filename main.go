package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/vertigate/vertigate/gateway"
	"github.com/vertigate/vertigate/httpapi"
	"github.com/vertigate/vertigate/nlp"
	"github.com/vertigate/vertigate/sqltmpl"
)

const version = "1.0.0"

// FileConfig is the YAML configuration file structure.
type FileConfig struct {
	Listen      string                `yaml:"listen"`
	Vertica     VerticaFileConfig     `yaml:"vertica"`
	Permissions PermissionsFileConfig `yaml:"permissions"`
	Limits      LimitsFileConfig      `yaml:"limits"`
	HTTP        HTTPFileConfig        `yaml:"http"`
	Ollama      OllamaFileConfig      `yaml:"ollama"`
}

type VerticaFileConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	ConnectionLimit int    `yaml:"connection_limit"`
	SSL             *bool  `yaml:"ssl"`
	SSLVerify       *bool  `yaml:"ssl_verify"`
}

type PermissionsFileConfig struct {
	ReadOnly *bool                      `yaml:"read_only"`
	Allow    map[string]bool            `yaml:"allow"`
	Schemas  map[string]map[string]bool `yaml:"schemas"`
}

type LimitsFileConfig struct {
	MaxConcurrentQueries int    `yaml:"max_concurrent_queries"`
	MaxQueryWait         string `yaml:"max_query_wait"`   // e.g. "5s"
	AcquireTimeout       string `yaml:"acquire_timeout"`  // e.g. "30s"
}

type HTTPFileConfig struct {
	Token          string              `yaml:"token"`
	AllowedOrigins []string            `yaml:"allowed_origins"`
	RateLimit      RateLimitFileConfig `yaml:"rate_limit"`
}

type RateLimitFileConfig struct {
	MaxFailedAttempts   int    `yaml:"max_failed_attempts"`
	FailedAttemptWindow string `yaml:"failed_attempt_window"` // e.g. "5m"
	BanDuration         string `yaml:"ban_duration"`          // e.g. "15m"
	MaxInFlightPerIP    int    `yaml:"max_in_flight_per_ip"`
}

type OllamaFileConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

// loadConfigFile loads configuration from a YAML file.
func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// env returns the environment variable value or a default.
func env(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func main() {
	configFile := flag.String("config", env("VERTIGATE_CONFIG", ""), "Path to YAML config file (env: VERTIGATE_CONFIG)")
	listen := flag.String("listen", "", "HTTP listen address (env: VERTIGATE_LISTEN)")
	host := flag.String("host", "", "Vertica host (env: VERTICA_HOST)")
	port := flag.Int("port", 0, "Vertica port (env: VERTICA_PORT)")
	database := flag.String("database", "", "Vertica database (env: VERTICA_DATABASE)")
	user := flag.String("user", "", "Vertica user (env: VERTICA_USER)")
	connLimit := flag.Int("connection-limit", 0, "Connection pool size (env: VERTICA_CONNECTION_LIMIT)")
	readOnly := flag.Bool("read-only", false, "Deny every non-SELECT operation (env: VERTIGATE_READ_ONLY)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Vertigate - governed SQL access gateway for Vertica\n\n")
		fmt.Fprintf(os.Stderr, "Usage: vertigate [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  VERTIGATE_CONFIG               Path to YAML config file\n")
		fmt.Fprintf(os.Stderr, "  VERTIGATE_LISTEN               HTTP listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  VERTICA_HOST                   Vertica host (default: localhost)\n")
		fmt.Fprintf(os.Stderr, "  VERTICA_PORT                   Vertica port (default: 5433)\n")
		fmt.Fprintf(os.Stderr, "  VERTICA_DATABASE               Vertica database (default: VMart)\n")
		fmt.Fprintf(os.Stderr, "  VERTICA_USER                   Vertica user (default: dbadmin)\n")
		fmt.Fprintf(os.Stderr, "  VERTICA_PASSWORD               Vertica password\n")
		fmt.Fprintf(os.Stderr, "  VERTICA_CONNECTION_LIMIT       Pool size (default: 5)\n")
		fmt.Fprintf(os.Stderr, "  VERTICA_SSL                    Enable TLS to Vertica\n")
		fmt.Fprintf(os.Stderr, "  ALLOW_<OP>_OPERATION           Global SELECT/INSERT/UPDATE/DELETE/DDL flags\n")
		fmt.Fprintf(os.Stderr, "  SCHEMA_<OP>_PERMISSIONS        Per-schema overrides, e.g. \"sales:true,hr:false\"\n")
		fmt.Fprintf(os.Stderr, "  VERTIGATE_READ_ONLY            Deny every non-SELECT operation\n")
		fmt.Fprintf(os.Stderr, "  VERTIGATE_MAX_CONCURRENT_QUERIES  Admission limit (default: 4)\n")
		fmt.Fprintf(os.Stderr, "  VERTIGATE_MAX_QUERY_WAIT       Admission wait (default: 5s)\n")
		fmt.Fprintf(os.Stderr, "  VERTIGATE_HTTP_TOKEN           Static bearer token for the API\n")
		fmt.Fprintf(os.Stderr, "  ALLOWED_ORIGINS                Comma-separated CORS origins\n")
		fmt.Fprintf(os.Stderr, "  OLLAMA_HOST, OLLAMA_MODEL      Natural-language SQL backend\n")
		fmt.Fprintf(os.Stderr, "\nPrecedence: CLI flags > environment variables > config file > defaults\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	shutdownLogging := initLogging(*verbose)
	defer shutdownLogging()

	var fileCfg *FileConfig
	if *configFile != "" {
		loaded, err := loadConfigFile(*configFile)
		if err != nil {
			slog.Error("Failed to load config file.", "path", *configFile, "error", err)
			os.Exit(1)
		}
		slog.Info("Loaded configuration file.", "path", *configFile)
		fileCfg = loaded
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	cli := configCLIInputs{
		Set:             set,
		Listen:          *listen,
		Host:            *host,
		Port:            *port,
		Database:        *database,
		User:            *user,
		ConnectionLimit: *connLimit,
		ReadOnly:        *readOnly,
	}

	resolved := resolveEffectiveConfig(fileCfg, cli, os.Getenv, func(msg string) {
		slog.Warn(msg)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := gateway.NewManager(nil)
	if err := manager.InitializeDefault(ctx, resolved.Gateway); err != nil {
		slog.Error("Failed to initialize connection pool.", "error", err)
		os.Exit(1)
	}
	defer manager.CloseAll()

	executor := gateway.NewExecutor(manager, gateway.NewLimiter(resolved.QuerySlots, resolved.QueryWait))

	templates, err := sqltmpl.NewStore(sqltmpl.DefaultsFromEnv(os.Getenv))
	if err != nil {
		slog.Error("Failed to load SQL templates.", "error", err)
		os.Exit(1)
	}

	var generator httpapi.SQLGenerator
	if resolved.OllamaHost != "" {
		generator = nlp.NewClient(resolved.OllamaHost, resolved.OllamaModel)
		slog.Info("Natural-language SQL enabled.", "host", resolved.OllamaHost)
	}

	api := httpapi.NewServer(httpapi.Options{
		Runner:         executor,
		Policy:         manager,
		Generator:      generator,
		Templates:      templates,
		Version:        version,
		Token:          resolved.HTTPToken,
		AllowedOrigins: resolved.Origins,
		RateLimit:      resolved.HTTPLimits,
	})
	defer api.Close()

	slog.Info("Starting vertigate.",
		"listen", resolved.Listen,
		"vertica", fmt.Sprintf("%s:%d/%s", resolved.Gateway.Host, resolved.Gateway.Port, resolved.Gateway.Database),
		"pool_limit", resolved.Gateway.ConnectionLimit,
		"read_only", resolved.Gateway.ReadOnly)

	if err := api.Run(ctx, resolved.Listen); err != nil && err != http.ErrServerClosed {
		slog.Error("Server error.", "error", err)
		os.Exit(1)
	}
	slog.Info("Shut down cleanly.")
}
