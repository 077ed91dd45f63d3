// Command seed provisions a demo ITSM dataset: it creates the schema and
// tables, then drives synthetic incidents, configuration items, and change
// requests through the bulk loader.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/vertigate/vertigate/gateway"
)

func main() {
	schema := flag.String("schema", "itsm", "target schema")
	incidents := flag.Int("incidents", 500, "incident rows to generate")
	cis := flag.Int("cis", 50, "configuration item rows to generate")
	changes := flag.Int("changes", 120, "change request rows to generate")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := run(*schema, *incidents, *cis, *changes, *seed); err != nil {
		slog.Error("Seeding failed.", "error", err)
		os.Exit(1)
	}
}

func run(schema string, incidents, cis, changes int, seed int64) error {
	if err := gateway.ValidateIdentifier(schema); err != nil {
		return err
	}

	cfg := gateway.ConfigFromEnv(os.Getenv)
	// Seeding needs the full permission set regardless of the deployed
	// policy.
	cfg.ReadOnly = false
	cfg.AllowSelect = true
	cfg.AllowInsert = true
	cfg.AllowDDL = true
	cfg.SchemaPermissions = map[string]gateway.SchemaPermissions{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	manager := gateway.NewManager(nil)
	if err := manager.InitializeDefault(ctx, cfg); err != nil {
		return err
	}
	defer manager.CloseAll()

	executor := gateway.NewExecutor(manager, gateway.NewLimiter(2, 30*time.Second))

	if err := createTables(ctx, executor, schema); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(seed))
	now := time.Now().UTC()

	loads := []struct {
		table string
		rows  [][]any
	}{
		{"cmdb_ci", ciRows(rng, cis)},
		{"incident", incidentRows(rng, incidents, cis, now)},
		{"change_request", changeRows(rng, changes, cis, now)},
	}
	for _, load := range loads {
		report, err := executor.BulkLoad(ctx, "", schema, load.table, load.rows)
		if err != nil {
			return fmt.Errorf("load %s.%s: %w", schema, load.table, err)
		}
		slog.Info("Loaded table.",
			"table", load.table,
			"submitted", report.RowsSubmitted,
			"rejected", report.RowsRejected)
	}
	return nil
}

func createTables(ctx context.Context, executor *gateway.Executor, schema string) error {
	statements := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.cmdb_ci (
			name VARCHAR(128) PRIMARY KEY,
			ci_class VARCHAR(64),
			environment VARCHAR(32),
			updated_at TIMESTAMP
		)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.incident (
			incident_id VARCHAR(32) PRIMARY KEY,
			short_description VARCHAR(512),
			description VARCHAR(4096),
			status VARCHAR(32),
			priority INT,
			assignment_group VARCHAR(128),
			ci_name VARCHAR(128),
			opened_at TIMESTAMP,
			updated_at TIMESTAMP
		)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.change_request (
			change_id VARCHAR(32) PRIMARY KEY,
			summary VARCHAR(512),
			risk VARCHAR(16),
			status VARCHAR(32),
			ci_name VARCHAR(128),
			scheduled_at TIMESTAMP,
			updated_at TIMESTAMP
		)`, schema),
	}
	for _, stmt := range statements {
		if _, err := executor.ExecuteQuery(ctx, "", stmt, nil); err != nil {
			return err
		}
	}
	return nil
}

var (
	ciClasses    = []string{"server", "database", "application", "network", "storage"}
	environments = []string{"prod", "staging", "dev"}
	groups       = []string{"dba-team", "platform", "network-ops", "service-desk", "app-support"}
	statuses     = []string{"open", "in_progress", "resolved", "closed"}
	symptoms     = []string{
		"connection timeout", "disk space exhausted", "high memory usage",
		"certificate expired", "login failures", "replication lag",
		"slow query performance", "service unavailable",
	}
	changeStatuses = []string{"draft", "scheduled", "implemented", "cancelled"}
	risks          = []string{"low", "medium", "high"}
)

func ciRows(rng *rand.Rand, n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{
			fmt.Sprintf("ci-%04d", i+1),
			ciClasses[rng.Intn(len(ciClasses))],
			environments[rng.Intn(len(environments))],
			time.Now().UTC(),
		}
	}
	return rows
}

func incidentRows(rng *rand.Rand, n, ciCount int, now time.Time) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		ci := fmt.Sprintf("ci-%04d", rng.Intn(ciCount)+1)
		symptom := symptoms[rng.Intn(len(symptoms))]
		opened := now.Add(-time.Duration(rng.Intn(90*24)) * time.Hour)
		var description any
		if rng.Intn(10) > 0 {
			description = fmt.Sprintf("Reported %s on %s, impact under investigation.", symptom, ci)
		}
		rows[i] = []any{
			fmt.Sprintf("INC-%06d", i+1),
			fmt.Sprintf("%s on %s", symptom, ci),
			description,
			statuses[rng.Intn(len(statuses))],
			rng.Intn(4) + 1,
			groups[rng.Intn(len(groups))],
			ci,
			opened,
			opened.Add(time.Duration(rng.Intn(72)) * time.Hour),
		}
	}
	return rows
}

func changeRows(rng *rand.Rand, n, ciCount int, now time.Time) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		ci := fmt.Sprintf("ci-%04d", rng.Intn(ciCount)+1)
		scheduled := now.Add(time.Duration(rng.Intn(30*24)-15*24) * time.Hour)
		rows[i] = []any{
			fmt.Sprintf("CHG-%05d", i+1),
			fmt.Sprintf("Maintenance on %s", ci),
			risks[rng.Intn(len(risks))],
			changeStatuses[rng.Intn(len(changeStatuses))],
			ci,
			scheduled,
			now,
		}
	}
	return rows
}
