package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Default base URL for the hosted extract API.
const defaultBaseURL = "https://api.extract.dev"

// defaultMaxAge is how stale a cached service-side scrape may be before the
// service re-fetches, when the caller has not forced freshness.
const defaultMaxAge = 24 * time.Hour

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithMaxAge overrides the default cache max-age sent when Fresh is false.
func WithMaxAge(d time.Duration) Option {
	return func(c *httpClient) {
		c.maxAge = d
	}
}

// httpClient implements Client against the hosted extract API.
type httpClient struct {
	apiKey  string
	baseURL string
	maxAge  time.Duration
	http    *http.Client
}

// NewClient creates a Client backed by the hosted extract API.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		maxAge:  defaultMaxAge,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// extractBody is the wire request for POST /v1/extract.
type extractBody struct {
	URL      string          `json:"url"`
	Prompt   string          `json:"prompt"`
	Schema   json.RawMessage `json:"schema,omitempty"`
	MaxAgeMS int64           `json:"maxAge"`
}

// extractEnvelope is the wire response from POST /v1/extract.
type extractEnvelope struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	Error    string          `json:"error,omitempty"`
	Metadata struct {
		CacheState string    `json:"cacheState"`
		FetchedAt  time.Time `json:"fetchedAt"`
	} `json:"metadata"`
}

func (c *httpClient) Extract(ctx context.Context, req Request) (*Result, error) {
	body := extractBody{
		URL:      req.URL,
		Prompt:   req.Prompt,
		Schema:   req.Schema,
		MaxAgeMS: c.maxAge.Milliseconds(),
	}
	if req.Fresh {
		body.MaxAgeMS = 0
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "extract: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "extract: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "extract: do request")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, eris.Wrap(err, "extract: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var env extractEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, eris.Wrap(err, "extract: decode response")
	}
	if !env.Success {
		return nil, eris.Errorf("extract: service error: %s", env.Error)
	}

	return &Result{
		Data: env.Data,
		Metadata: Metadata{
			CacheState: env.Metadata.CacheState,
			FetchedAt:  env.Metadata.FetchedAt,
		},
	}, nil
}
