// Package extract provides clients for the structured-extraction service
// used by every pipeline step. Two providers are available: the hosted HTTP
// extract API, and a claude fallback that reads the page itself and asks
// Claude for JSON matching the schema.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Request describes one extraction call.
type Request struct {
	// URL is the page to extract from.
	URL string
	// Prompt tells the service what to extract.
	Prompt string
	// Schema is the JSON schema the result must match.
	Schema json.RawMessage
	// Fresh forces a fresh scrape, bypassing any service-side cache.
	Fresh bool
}

// Metadata describes how the result was produced.
type Metadata struct {
	CacheState string    `json:"cache_state,omitempty"` // "hit", "miss", ""
	FetchedAt  time.Time `json:"fetched_at,omitempty"`
}

// Result is the structured output of one extraction call.
type Result struct {
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

// Client defines the extraction operations used by the pipeline.
type Client interface {
	Extract(ctx context.Context, req Request) (*Result, error)
}

// APIError is returned when the extract service responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("extract: HTTP %d: %s", e.StatusCode, e.Body)
}
