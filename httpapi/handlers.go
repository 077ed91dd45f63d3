package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/vertigate/vertigate/gateway"
	"github.com/vertigate/vertigate/nlp"
	"github.com/vertigate/vertigate/sqltmpl"
)

const healthCheckTimeout = 5 * time.Second

func recordRequest(r *http.Request, code int) {
	route := r.URL.Path
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			route = tmpl
		}
	}
	httpRequestsCounter.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to encode response body.", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeError maps gateway errors onto HTTP statuses. Permission denials and
// admission rejections get their own codes so clients can branch without
// string matching.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError

	var (
		permErr    *gateway.PermissionError
		execErr    *gateway.ExecError
		identErr   *gateway.InvalidIdentifierError
		unknownTpl *sqltmpl.UnknownTemplateError
		renderErr  *sqltmpl.RenderError
	)
	switch {
	case errors.As(err, &permErr):
		code = http.StatusForbidden
	case errors.Is(err, gateway.ErrTooManyQueries):
		code = http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrAcquireTimeout), errors.Is(err, gateway.ErrNotInitialized):
		code = http.StatusServiceUnavailable
	case errors.As(err, &execErr), errors.As(err, &identErr):
		code = http.StatusBadRequest
	case errors.As(err, &unknownTpl):
		code = http.StatusNotFound
	case errors.As(err, &renderErr):
		code = http.StatusBadRequest
	}

	if code == http.StatusInternalServerError {
		slog.Error("Request failed.", "path", r.URL.Path, "request_id", RequestID(r.Context()), "error", err)
	}
	recordRequest(r, code)
	writeJSONError(w, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		recordRequest(r, http.StatusBadRequest)
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleAlive(w http.ResponseWriter, r *http.Request) {
	recordRequest(r, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleHealthz proves the whole path to the database: a trivial query runs
// through admission and the pool like any other request.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if _, err := s.runner.ExecuteQuery(ctx, RequestID(r.Context()), "SELECT 1", nil); err != nil {
		recordRequest(r, http.StatusServiceUnavailable)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	recordRequest(r, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	checkedOut, free := s.policy.PoolStats()
	info := map[string]any{
		"version": s.version,
		"pool": map[string]int{
			"checked_out": checkedOut,
			"free":        free,
		},
		"schemas":   s.policy.SchemaSnapshot(),
		"templates": s.templates.Names(),
	}
	if cfg, err := s.policy.Config(); err == nil {
		info["database"] = cfg.Database
		info["connection_limit"] = cfg.ConnectionLimit
		info["read_only"] = cfg.ReadOnly
	}
	recordRequest(r, http.StatusOK)
	writeJSON(w, http.StatusOK, info)
}

type queryRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		recordRequest(r, http.StatusBadRequest)
		writeJSONError(w, http.StatusBadRequest, "sql is required")
		return
	}

	result, err := s.runner.ExecuteQuery(r.Context(), RequestID(r.Context()), req.SQL, req.Params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recordRequest(r, http.StatusOK)
	writeJSON(w, http.StatusOK, result)
}

type streamRequest struct {
	SQL       string `json:"sql"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// ndjsonSink writes the stream protocol as one JSON object per line:
// a header message, row batches, and a final done message.
type ndjsonSink struct {
	enc     *json.Encoder
	flusher http.Flusher
}

func (s *ndjsonSink) emit(msg any) error {
	if err := s.enc.Encode(msg); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *ndjsonSink) Header(columns []string) error {
	return s.emit(map[string]any{"type": "header", "columns": columns})
}

func (s *ndjsonSink) Batch(rows [][]any) error {
	return s.emit(map[string]any{"type": "rows", "rows": rows})
}

func (s *ndjsonSink) Done(total int, provenance gateway.Provenance) error {
	return s.emit(map[string]any{"type": "done", "total": total, "provenance": provenance})
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		recordRequest(r, http.StatusBadRequest)
		writeJSONError(w, http.StatusBadRequest, "sql is required")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	sink := &ndjsonSink{enc: json.NewEncoder(w), flusher: flusher}

	err := s.runner.StreamQuery(r.Context(), RequestID(r.Context()), req.SQL, req.BatchSize, sink)
	if err != nil {
		// Headers may already be out; the error goes inline as the final
		// stream message.
		recordRequest(r, http.StatusOK)
		_ = sink.emit(map[string]string{"type": "error", "error": err.Error()})
		return
	}
	recordRequest(r, http.StatusOK)
}

type copyRequest struct {
	Schema string  `json:"schema"`
	Table  string  `json:"table"`
	Rows   [][]any `json:"rows"`
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Rows) == 0 {
		recordRequest(r, http.StatusBadRequest)
		writeJSONError(w, http.StatusBadRequest, "rows are required")
		return
	}

	report, err := s.runner.BulkLoad(r.Context(), RequestID(r.Context()), req.Schema, req.Table, req.Rows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recordRequest(r, http.StatusOK)
	writeJSON(w, http.StatusOK, report)
}

type nlpRequest struct {
	Question string `json:"question"`
	Execute  bool   `json:"execute,omitempty"`
}

type nlpResponse struct {
	SQL    string          `json:"sql"`
	Result *gateway.Result `json:"result,omitempty"`
}

func (s *Server) handleNLP(w http.ResponseWriter, r *http.Request) {
	if s.generator == nil {
		recordRequest(r, http.StatusNotImplemented)
		writeJSONError(w, http.StatusNotImplemented, "natural-language queries are not configured")
		return
	}
	var req nlpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		recordRequest(r, http.StatusBadRequest)
		writeJSONError(w, http.StatusBadRequest, "question is required")
		return
	}

	sql, err := s.generator.GenerateSQL(r.Context(), req.Question, s.schemaHints(r))
	if err != nil {
		recordRequest(r, http.StatusBadGateway)
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := nlpResponse{SQL: sql}
	if req.Execute {
		// Generated SQL is untrusted input and takes the normal
		// classify/authorize/execute path.
		result, err := s.runner.ExecuteQuery(r.Context(), RequestID(r.Context()), sql, nil)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Result = result
	}
	recordRequest(r, http.StatusOK)
	writeJSON(w, http.StatusOK, resp)
}

// schemaHints describes the catalog to the model. Failures only degrade the
// prompt, never the request.
func (s *Server) schemaHints(r *http.Request) []string {
	const catalogSQL = `SELECT table_schema, table_name, column_name
FROM v_catalog.columns
ORDER BY table_schema, table_name, ordinal_position
LIMIT 500`

	result, err := s.runner.ExecuteQuery(r.Context(), RequestID(r.Context()), catalogSQL, nil)
	if err != nil {
		slog.Warn("Catalog lookup for prompt hints failed.", "error", err)
		return nil
	}

	type tableKey struct{ schema, table string }
	var order []tableKey
	columns := make(map[tableKey][]string)
	for _, row := range result.Rows {
		if len(row) < 3 {
			continue
		}
		key := tableKey{fmt.Sprintf("%v", row[0]), fmt.Sprintf("%v", row[1])}
		if _, ok := columns[key]; !ok {
			order = append(order, key)
		}
		columns[key] = append(columns[key], fmt.Sprintf("%v", row[2]))
	}

	hints := make([]string, 0, len(order))
	for _, key := range order {
		hints = append(hints, fmt.Sprintf("%s.%s(%s)", key.schema, key.table, strings.Join(columns[key], ", ")))
	}
	return hints
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		recordRequest(r, http.StatusBadRequest)
		writeJSONError(w, http.StatusBadRequest, "q is required")
		return
	}
	k := 5
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			recordRequest(r, http.StatusBadRequest)
			writeJSONError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = parsed
	}

	corpusSQL, err := s.templates.Render("incident_corpus", nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.runner.ExecuteQuery(r.Context(), RequestID(r.Context()), corpusSQL, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	docs := make([]nlp.Document, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) == 0 || row[0] == nil {
			continue
		}
		var text strings.Builder
		for _, cell := range row[1:] {
			if cell == nil {
				continue
			}
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			fmt.Fprintf(&text, "%v", cell)
		}
		docs = append(docs, nlp.Document{ID: fmt.Sprintf("%v", row[0]), Text: text.String()})
	}

	matches := nlp.NewSimilarityIndex(docs).TopK(query, k)
	recordRequest(r, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"matches": matches,
	})
}

type templateRequest struct {
	Params map[string]string `json:"params,omitempty"`
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["template"]

	var req templateRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	sql, err := s.templates.Render(name, req.Params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.runner.ExecuteQuery(r.Context(), RequestID(r.Context()), sql, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recordRequest(r, http.StatusOK)
	writeJSON(w, http.StatusOK, result)
}
