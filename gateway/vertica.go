package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"sync/atomic"

	vertigo "github.com/vertica/vertica-sql-go"
)

// copyBlockSizeBytes is the stream chunk size handed to the driver during
// COPY FROM STDIN.
const copyBlockSizeBytes = 32768

// VerticaDialer returns a Dialer that opens sessions against the configured
// Vertica server through the vertica-sql-go driver. Each Conn wraps its own
// *sql.DB capped at one underlying connection, so a pooled Conn maps to
// exactly one physical session.
func VerticaDialer(cfg Config) Dialer {
	dsn := verticaDSN(cfg)
	return func(ctx context.Context) (Conn, error) {
		db, err := sql.Open("vertica", dsn)
		if err != nil {
			return nil, &ConnectError{Host: cfg.Host, Err: err}
		}
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, &ConnectError{Host: cfg.Host, Err: err}
		}
		return &verticaConn{db: db}, nil
	}
}

func verticaDSN(cfg Config) string {
	tlsMode := "none"
	if cfg.TLS {
		tlsMode = "server"
		if cfg.TLSVerify {
			tlsMode = "server-strict"
		}
	}
	u := url.URL{
		Scheme:   "vertica",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"tlsmode": []string{tlsMode}}.Encode(),
	}
	return u.String()
}

type verticaConn struct {
	db     *sql.DB
	closed atomic.Bool
}

func (c *verticaConn) Cursor(ctx context.Context) (Cursor, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		c.closed.Store(true)
		return nil, err
	}
	return &verticaCursor{conn: c, tx: tx}, nil
}

func (c *verticaConn) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

func (c *verticaConn) Closed() bool { return c.closed.Load() }

func (c *verticaConn) Close() error {
	c.closed.Store(true)
	return c.db.Close()
}

type verticaCursor struct {
	conn *verticaConn
	tx   *sql.Tx
	rows *sql.Rows
}

func (cur *verticaCursor) Query(ctx context.Context, query string, args ...any) (RowSet, error) {
	cur.closeRows()
	rows, err := cur.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	cur.rows = rows
	return &sqlRowSet{rows: rows}, nil
}

func (cur *verticaCursor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	cur.closeRows()
	res, err := cur.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Vertica does not report a count for every command class.
		return 0, nil
	}
	return affected, nil
}

// Copy runs a COPY ... FROM STDIN command with data as the stdin stream,
// using the driver's VerticaContext plumbing.
func (cur *verticaCursor) Copy(ctx context.Context, command string, data io.Reader) error {
	cur.closeRows()
	vCtx := vertigo.NewVerticaContext(ctx)
	if err := vCtx.SetCopyInputStream(data); err != nil {
		return err
	}
	if err := vCtx.SetCopyBlockSizeBytes(copyBlockSizeBytes); err != nil {
		return err
	}
	rows, err := cur.tx.QueryContext(vCtx, command)
	if err != nil {
		return err
	}
	return rows.Close()
}

func (cur *verticaCursor) Commit() error {
	cur.closeRows()
	return cur.tx.Commit()
}

func (cur *verticaCursor) Rollback() error {
	cur.closeRows()
	return cur.tx.Rollback()
}

func (cur *verticaCursor) Close() error {
	cur.closeRows()
	return nil
}

func (cur *verticaCursor) closeRows() {
	if cur.rows != nil {
		_ = cur.rows.Close()
		cur.rows = nil
	}
}

// sqlRowSet adapts *sql.Rows to RowSet with batch fetching.
type sqlRowSet struct {
	rows *sql.Rows
	cols []string
}

func (r *sqlRowSet) Columns() ([]string, error) {
	if r.cols != nil {
		return r.cols, nil
	}
	cols, err := r.rows.Columns()
	if err != nil {
		return nil, err
	}
	r.cols = cols
	return cols, nil
}

func (r *sqlRowSet) FetchBatch(n int) ([][]any, error) {
	cols, err := r.Columns()
	if err != nil {
		return nil, err
	}
	var batch [][]any
	for (n < 0 || len(batch) < n) && r.rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := r.rows.Scan(dest...); err != nil {
			return nil, err
		}
		batch = append(batch, values)
	}
	if err := r.rows.Err(); err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *sqlRowSet) FetchAll() ([][]any, error) {
	return r.FetchBatch(-1)
}

func (r *sqlRowSet) Close() error { return r.rows.Close() }

func (r *sqlRowSet) Err() error { return r.rows.Err() }
