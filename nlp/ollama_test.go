package nlp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSQL(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"bare statement", "SELECT * FROM itsm.incident;", "SELECT * FROM itsm.incident"},
		{"prose around it", "Sure! Here is the query:\nSELECT count(*) FROM itsm.incident WHERE status = 'open';\nHope that helps.", "SELECT count(*) FROM itsm.incident WHERE status = 'open'"},
		{"markdown fence", "```sql\nSELECT 1;\n```", "SELECT 1"},
		{"first of several", "SELECT 1; SELECT 2;", "SELECT 1"},
		{"cte statement", "WITH recent AS (SELECT 1) SELECT * FROM recent;", "WITH recent AS (SELECT 1) SELECT * FROM recent"},
		{"lowercase", "select id from t;", "select id from t"},
	}
	for _, tc := range cases {
		got, err := ExtractSQL(tc.text)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestExtractSQLNoStatement(t *testing.T) {
	for _, text := range []string{"", "I cannot answer that.", "SELECT without terminator"} {
		_, err := ExtractSQL(text)
		assert.Error(t, err, "text %q", text)
	}
}

func TestGenerateSQL(t *testing.T) {
	var gotReq generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(generateResponse{
			Response: "Here you go:\nSELECT status, count(*) FROM itsm.incident GROUP BY status;",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "testmodel")
	sql, err := client.GenerateSQL(context.Background(), "how many incidents per status?",
		[]string{"itsm.incident(id, status, description, updated_at)"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT status, count(*) FROM itsm.incident GROUP BY status", sql)

	assert.Equal(t, "testmodel", gotReq.Model)
	assert.False(t, gotReq.Stream)
	assert.Contains(t, gotReq.Prompt, "how many incidents per status?")
	assert.Contains(t, gotReq.Prompt, "itsm.incident(id, status, description, updated_at)")
}

func TestGenerateSQLServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "missing")
	_, err := client.GenerateSQL(context.Background(), "anything", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestGenerateSQLModelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Error: "context window exceeded"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.GenerateSQL(context.Background(), "anything", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context window exceeded")
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient("", "")
	assert.Equal(t, defaultBaseURL, client.baseURL)
	assert.Equal(t, defaultModel, client.model)

	client = NewClient("http://ollama.internal:11434/", "mistral")
	assert.Equal(t, "http://ollama.internal:11434", client.baseURL)
}
