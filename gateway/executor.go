package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vertigate/vertigate/classifier"
)

// Executor runs classified, permission-checked SQL through the pool behind
// the admission limiter. One request moves through the states
// received -> classified -> authorized -> admitted -> executing ->
// succeeded/failed, with the connection released on every path.
type Executor struct {
	manager *Manager
	limiter *Limiter
}

// NewExecutor wires an executor to its manager and admission limiter.
func NewExecutor(manager *Manager, limiter *Limiter) *Executor {
	return &Executor{manager: manager, limiter: limiter}
}

// Result is a complete synchronous query response.
type Result struct {
	Columns    []string   `json:"columns"`
	Rows       [][]any    `json:"rows"`
	RowCount   int        `json:"row_count"`
	Stale      bool       `json:"stale"`
	Provenance Provenance `json:"provenance"`
}

// plannedStatement is one statement of a batch after classification.
type plannedStatement struct {
	text    string
	op      classifier.Operation
	schemas []string
}

// plan splits a submission into statements, classifies each, and authorizes
// the whole batch before anything executes. A denial anywhere means no
// statement in the batch runs.
func (e *Executor) plan(sql string) ([]plannedStatement, error) {
	statements := classifier.SplitStatements(sql)
	if len(statements) == 0 {
		return nil, &ExecError{Statement: sql, Err: fmt.Errorf("no statement found")}
	}

	planned := make([]plannedStatement, 0, len(statements))
	for _, text := range statements {
		op := classifier.Classify(text)
		stmt := plannedStatement{text: text, op: op}
		if op != classifier.OpNone {
			stmt.schemas = sortedSchemas(classifier.Schemas(text))
			for _, schema := range stmt.schemas {
				if !e.manager.IsOperationAllowed(schema, op) {
					permissionDenialsCounter.WithLabelValues(op.String()).Inc()
					return nil, &PermissionError{Schema: schema, Operation: op}
				}
			}
		}
		planned = append(planned, stmt)
	}
	return planned, nil
}

// sortedSchemas orders the extracted schema set for deterministic denial
// messages. An empty set becomes the single "no schema" sentinel entry so
// the permission check still runs.
func sortedSchemas(set map[string]struct{}) []string {
	if len(set) == 0 {
		return []string{""}
	}
	schemas := make([]string, 0, len(set))
	for schema := range set {
		schemas = append(schemas, schema)
	}
	sort.Strings(schemas)
	return schemas
}

// errParamsInBatch rejects bind parameters on multi-statement submissions,
// where their placement would be ambiguous.
var errParamsInBatch = errors.New("bind parameters require a single-statement submission")

// ExecuteQuery runs a submission synchronously and returns the last result
// set produced, annotated with staleness and provenance. Statements execute
// in submission order inside one transaction scope. Bind parameters are
// only accepted with a single statement.
func (e *Executor) ExecuteQuery(ctx context.Context, requestID, sql string, params []any) (*Result, error) {
	planned, err := e.plan(sql)
	if err != nil {
		return nil, err
	}
	if len(planned) > 1 && len(params) > 0 {
		return nil, &ExecError{Statement: sql, Err: errParamsInBatch}
	}

	var (
		columns   []string
		rows      [][]any
		hasResult bool
		affected  int64
	)
	err = e.limiter.Do(ctx, func() error {
		return e.manager.WithCursor(ctx, func(cur Cursor) error {
			for _, stmt := range planned {
				if producesResultSet(stmt.op) {
					rs, err := cur.Query(ctx, stmt.text, params...)
					if err != nil {
						queriesCounter.WithLabelValues(stmt.op.String(), "error").Inc()
						return &ExecError{Statement: stmt.text, Err: err}
					}
					cols, err := rs.Columns()
					if err != nil {
						return &ExecError{Statement: stmt.text, Err: err}
					}
					fetched, err := rs.FetchAll()
					if err != nil {
						return &ExecError{Statement: stmt.text, Err: err}
					}
					if len(cols) > 0 {
						columns, rows, hasResult = cols, fetched, true
					}
				} else {
					n, err := cur.Exec(ctx, stmt.text, params...)
					if err != nil {
						queriesCounter.WithLabelValues(stmt.op.String(), "error").Inc()
						return &ExecError{Statement: stmt.text, Err: err}
					}
					affected += n
				}
				queriesCounter.WithLabelValues(stmt.op.String(), "ok").Inc()
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: []string{}, Rows: [][]any{}}
	if hasResult {
		stale := resultStale(rows, time.Now().UTC())
		result.Columns = columns
		result.Rows = FormatRows(rows)
		result.RowCount = len(rows)
		result.Stale = stale
	} else {
		result.RowCount = int(affected)
	}
	result.Provenance = NewProvenance(requestID, result.RowCount, result.Stale)
	result.Provenance.Source = sql
	result.Provenance.Parameters = params
	return result, nil
}

// producesResultSet reports whether a statement class is executed through
// Query rather than Exec. Unclassified statements (SHOW, EXPLAIN, ...) may
// return rows, so they go through Query too.
func producesResultSet(op classifier.Operation) bool {
	return op == classifier.OpSelect || op == classifier.OpNone
}

// FormatRows renders cells for transport: NULL stays null, everything else
// becomes its string form.
func FormatRows(rows [][]any) [][]any {
	formatted := make([][]any, len(rows))
	for i, row := range rows {
		out := make([]any, len(row))
		for j, cell := range row {
			if cell == nil {
				out[j] = nil
				continue
			}
			out[j] = formatCell(cell)
		}
		formatted[i] = out
	}
	return formatted
}

func formatCell(cell any) string {
	switch v := cell.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}
