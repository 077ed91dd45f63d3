package gateway

import (
	"context"
	"time"
)

// DefaultStreamBatchSize is the row batch size when the caller does not
// specify one.
const DefaultStreamBatchSize = 500

// Sink receives the discrete messages of a streamed result: one header,
// zero or more row batches, one final total. A consumer can start rendering
// after the header without waiting for the full result.
type Sink interface {
	Header(columns []string) error
	Batch(rows [][]any) error
	Done(total int, provenance Provenance) error
}

// StreamQuery executes a submission and delivers the final statement's
// result through sink in batches of batchSize rows. Earlier statements of a
// batch execute in order first (the whole batch is pre-authorized). A
// statement with no result set reports zero rows streamed.
func (e *Executor) StreamQuery(ctx context.Context, requestID, sql string, batchSize int, sink Sink) error {
	if batchSize <= 0 {
		batchSize = DefaultStreamBatchSize
	}
	planned, err := e.plan(sql)
	if err != nil {
		return err
	}

	return e.limiter.Do(ctx, func() error {
		return e.manager.WithCursor(ctx, func(cur Cursor) error {
			for _, stmt := range planned[:len(planned)-1] {
				if err := execPrefixStatement(ctx, cur, stmt); err != nil {
					return err
				}
			}

			last := planned[len(planned)-1]
			if !producesResultSet(last.op) {
				n, err := cur.Exec(ctx, last.text)
				if err != nil {
					queriesCounter.WithLabelValues(last.op.String(), "error").Inc()
					return &ExecError{Statement: last.text, Err: err}
				}
				queriesCounter.WithLabelValues(last.op.String(), "ok").Inc()
				return sink.Done(0, NewProvenance(requestID, int(n), false))
			}

			rs, err := cur.Query(ctx, last.text)
			if err != nil {
				queriesCounter.WithLabelValues(last.op.String(), "error").Inc()
				return &ExecError{Statement: last.text, Err: err}
			}
			columns, err := rs.Columns()
			if err != nil {
				return &ExecError{Statement: last.text, Err: err}
			}
			if len(columns) == 0 {
				queriesCounter.WithLabelValues(last.op.String(), "ok").Inc()
				return sink.Done(0, NewProvenance(requestID, 0, false))
			}
			if err := sink.Header(columns); err != nil {
				return err
			}

			total := 0
			stale := false
			now := time.Now().UTC()
			for {
				batch, err := rs.FetchBatch(batchSize)
				if err != nil {
					return &ExecError{Statement: last.text, Err: err}
				}
				if len(batch) == 0 {
					break
				}
				total += len(batch)
				if !stale && resultStale(batch, now) {
					stale = true
				}
				if err := sink.Batch(FormatRows(batch)); err != nil {
					return err
				}
			}
			queriesCounter.WithLabelValues(last.op.String(), "ok").Inc()
			return sink.Done(total, NewProvenance(requestID, total, stale))
		})
	})
}

func execPrefixStatement(ctx context.Context, cur Cursor, stmt plannedStatement) error {
	if producesResultSet(stmt.op) {
		rs, err := cur.Query(ctx, stmt.text)
		if err != nil {
			queriesCounter.WithLabelValues(stmt.op.String(), "error").Inc()
			return &ExecError{Statement: stmt.text, Err: err}
		}
		if _, err := rs.FetchAll(); err != nil {
			return &ExecError{Statement: stmt.text, Err: err}
		}
	} else {
		if _, err := cur.Exec(ctx, stmt.text); err != nil {
			queriesCounter.WithLabelValues(stmt.op.String(), "error").Inc()
			return &ExecError{Statement: stmt.text, Err: err}
		}
	}
	queriesCounter.WithLabelValues(stmt.op.String(), "ok").Inc()
	return nil
}
