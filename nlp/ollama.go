// Package nlp turns natural-language questions into candidate SQL through an
// external Ollama service and ranks free-text incident descriptions by
// TF-IDF similarity. Generated SQL is advisory text only; callers run it
// through the same classification and permission path as user-submitted SQL.
package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3"
	defaultTimeout = 60 * time.Second
)

// Client talks to one Ollama instance.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewClient builds a client for the given Ollama endpoint. Empty arguments
// select the local defaults.
func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

// ClientFromEnv reads OLLAMA_HOST and OLLAMA_MODEL.
func ClientFromEnv(getenv func(string) string) *Client {
	return NewClient(getenv("OLLAMA_HOST"), getenv("OLLAMA_MODEL"))
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// GenerateSQL asks the model for one SQL statement answering question.
// schemaHints is rendered into the prompt as the available tables and
// columns. The first complete statement of the reply is returned; the reply
// carrying no statement is an error, never silently empty.
func (c *Client) GenerateSQL(ctx context.Context, question string, schemaHints []string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: buildPrompt(question, schemaHints),
		Stream: false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var gen generateResponse
	if err := json.Unmarshal(payload, &gen); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if gen.Error != "" {
		return "", fmt.Errorf("ollama: %s", gen.Error)
	}
	return ExtractSQL(gen.Response)
}

// sqlStatementRegex finds the first statement-shaped span of a model reply,
// which routinely wraps SQL in prose or markdown fences.
var sqlStatementRegex = regexp.MustCompile(`(?is)\b(SELECT|INSERT|UPDATE|DELETE|WITH)\b.*?;`)

// ExtractSQL pulls the first complete SQL statement out of free text. The
// trailing semicolon is dropped; surrounding prose and code fences are not
// part of the statement.
func ExtractSQL(text string) (string, error) {
	match := sqlStatementRegex.FindString(text)
	if match == "" {
		return "", fmt.Errorf("no SQL statement found in model response")
	}
	stmt := strings.TrimSuffix(strings.TrimSpace(match), ";")
	stmt = strings.ReplaceAll(stmt, "```", "")
	return strings.TrimSpace(stmt), nil
}

func buildPrompt(question string, schemaHints []string) string {
	var b strings.Builder
	b.WriteString("You translate questions about an ITSM database into a single Vertica SQL statement.\n")
	b.WriteString("Reply with exactly one SQL statement terminated by a semicolon, no explanation.\n")
	if len(schemaHints) > 0 {
		b.WriteString("\nAvailable tables:\n")
		for _, hint := range schemaHints {
			b.WriteString("  ")
			b.WriteString(hint)
			b.WriteByte('\n')
		}
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nSQL: ")
	return b.String()
}
