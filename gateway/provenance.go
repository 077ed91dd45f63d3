package gateway

import (
	"time"

	"github.com/google/uuid"
)

// Provenance is attached to every successful response: when the result was
// produced, how many rows it carries, and whether it may be stale.
type Provenance struct {
	RequestID     string `json:"request_id"`
	ServerTimeUTC string `json:"server_time_utc"`
	RowCount      int    `json:"row_count"`
	Stale         bool   `json:"stale"`
	Source        string `json:"source,omitempty"`
	Parameters    []any  `json:"parameters,omitempty"`
	AsOfTS        string `json:"as_of_ts,omitempty"`
}

// NewProvenance stamps a provenance record. An empty requestID gets a fresh
// unique id.
func NewProvenance(requestID string, rowCount int, stale bool) Provenance {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return Provenance{
		RequestID:     requestID,
		ServerTimeUTC: time.Now().UTC().Format(time.RFC3339),
		RowCount:      rowCount,
		Stale:         stale,
	}
}
