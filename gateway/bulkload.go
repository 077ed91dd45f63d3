package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// identifierRegex is the strict pattern every schema or table name must
// match before it is interpolated into generated SQL.
var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// copyNullSentinel is the literal token standing for NULL in the bulk-load
// text format. It is written unenclosed so the server reads it as NULL, not
// as the two-character string.
const copyNullSentinel = `\N`

// ValidateIdentifier rejects any name outside the strict identifier
// pattern, before any SQL is constructed around it.
func ValidateIdentifier(name string) error {
	if !identifierRegex.MatchString(name) {
		return &InvalidIdentifierError{Name: name}
	}
	return nil
}

// LoadReport describes the outcome of one bulk load. Row-level rejects do
// not fail the load; they are surfaced here and in the logs.
type LoadReport struct {
	RowsSubmitted int        `json:"rows_submitted"`
	RowsRejected  int        `json:"rows_rejected"`
	Provenance    Provenance `json:"provenance"`
}

// BulkLoad serializes rows into the database's delimited text format and
// issues a COPY through a pooled connection inside a transaction. Rejected
// rows are routed to a scratch table, read back for diagnostics, logged,
// and the scratch table is dropped before the transaction commits.
func (e *Executor) BulkLoad(ctx context.Context, requestID, schema, table string, rows [][]any) (*LoadReport, error) {
	if err := ValidateIdentifier(schema); err != nil {
		return nil, err
	}
	if err := ValidateIdentifier(table); err != nil {
		return nil, err
	}
	schema = strings.ToLower(schema)
	if !e.manager.IsOperationAllowed(schema, OpInsert) {
		permissionDenialsCounter.WithLabelValues(OpInsert.String()).Inc()
		return nil, &PermissionError{Schema: schema, Operation: OpInsert}
	}

	scratch := fmt.Sprintf("%s_rejected_%s", table, strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	target := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
	scratchTarget := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(scratch)
	command := fmt.Sprintf(
		`COPY %s FROM STDIN DELIMITER ',' ENCLOSED BY '"' NULL '\N' REJECTED DATA AS TABLE %s`,
		target, scratchTarget)

	rejected := 0
	err := e.limiter.Do(ctx, func() error {
		return e.manager.WithCursor(ctx, func(cur Cursor) error {
			data := strings.NewReader(SerializeCopyRows(rows))
			if err := cur.Copy(ctx, command, data); err != nil {
				return &ExecError{Statement: command, Err: err}
			}
			rejected = drainRejectedRows(ctx, cur, scratchTarget)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	bulkLoadRowsCounter.Add(float64(len(rows)))
	report := &LoadReport{
		RowsSubmitted: len(rows),
		RowsRejected:  rejected,
		Provenance:    NewProvenance(requestID, len(rows)-rejected, false),
	}
	return report, nil
}

// drainRejectedRows reads the scratch table's diagnostics, logs them, and
// drops the table. Missing or unreadable scratch tables are not an error:
// a clean load may leave nothing behind.
func drainRejectedRows(ctx context.Context, cur Cursor, scratchTarget string) int {
	rs, err := cur.Query(ctx,
		fmt.Sprintf("SELECT row_number, rejected_data, rejected_reason FROM %s", scratchTarget))
	rejected := 0
	if err != nil {
		slog.Debug("No rejected-row diagnostics to read.", "table", scratchTarget, "error", err)
	} else {
		rows, err := rs.FetchAll()
		if err != nil {
			slog.Warn("Failed to read rejected-row diagnostics.", "table", scratchTarget, "error", err)
		}
		for _, row := range rows {
			slog.Warn("Bulk load rejected a row.",
				"row", fmt.Sprintf("%v", row[0]),
				"data", fmt.Sprintf("%v", row[1]),
				"reason", fmt.Sprintf("%v", row[2]))
		}
		rejected = len(rows)
		if rejected > 0 {
			bulkLoadRejectsCounter.Add(float64(rejected))
		}
	}

	if _, err := cur.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", scratchTarget)); err != nil {
		slog.Warn("Failed to drop rejected-row scratch table.", "table", scratchTarget, "error", err)
	}
	return rejected
}

// SerializeCopyRows renders row batches in the bulk-load wire format: one
// row per line, comma-delimited, every field quote-enclosed, with the bare
// \N token for NULL.
func SerializeCopyRows(rows [][]any) string {
	var b strings.Builder
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				b.WriteByte(',')
			}
			if cell == nil {
				b.WriteString(copyNullSentinel)
				continue
			}
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(copyFieldValue(cell), `"`, `""`))
			b.WriteByte('"')
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func copyFieldValue(cell any) string {
	switch v := cell.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprintf("%v", v)
	}
}
