package extract

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Reader fetches a page as markdown for the claude provider.
type Reader interface {
	Fetch(ctx context.Context, targetURL string) (string, error)
}

// ReaderOption configures the httpReader.
type ReaderOption func(*httpReader)

// WithReaderHTTPClient sets a custom *http.Client for the reader.
func WithReaderHTTPClient(hc *http.Client) ReaderOption {
	return func(r *httpReader) {
		r.http = hc
	}
}

// httpReader implements Reader against an r.jina.ai-style reader endpoint:
// GET {base}/{url} returns the target page rendered as markdown.
type httpReader struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewReader creates a Reader against the given reader base URL.
func NewReader(baseURL, apiKey string, opts ...ReaderOption) Reader {
	r := &httpReader{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *httpReader) Fetch(ctx context.Context, targetURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/"+targetURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "reader: create request")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	req.Header.Set("Accept", "text/markdown")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "reader: do request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", eris.Wrap(err, "reader: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return string(body), nil
}
