// Package ner provides a Classifier that calls a NER sidecar over HTTP.
// Several sidecar replicas may be configured; requests are spread across
// them round-robin. An unreachable sidecar is an error, never an empty
// result, so the caller cannot mistake an outage for clean text.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/sanitize"
)

// DefaultTimeout bounds one sidecar request.
const DefaultTimeout = 10 * time.Second

// Client calls the NER sidecar's /classify endpoint.
type Client struct {
	urls    []string
	counter atomic.Uint64
	http    *http.Client
}

var _ sanitize.Classifier = (*Client)(nil)

// New creates a NER Client. baseURLs is a comma-separated list of sidecar
// base URLs (e.g. "http://sanitize-ner:8001,http://sanitize-ner-2:8001").
func New(baseURLs string) *Client {
	var urls []string
	for _, u := range strings.Split(baseURLs, ",") {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u != "" {
			urls = append(urls, u+"/classify")
		}
	}
	return &Client{
		urls: urls,
		http: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Len returns the number of configured sidecars.
func (c *Client) Len() int {
	return len(c.urls)
}

// next returns the next sidecar URL using round-robin selection.
func (c *Client) next() string {
	idx := c.counter.Add(1) - 1
	return c.urls[idx%uint64(len(c.urls))]
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Spans []nerSpan `json:"spans"`
}

type nerSpan struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Label string  `json:"label"`
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

// Classify sends text to a NER sidecar and returns sensitive spans. Offsets
// returned by the sidecar are UTF-8 byte offsets.
func (c *Client) Classify(ctx context.Context, text string) ([]sanitize.Span, error) {
	if len(c.urls) == 0 {
		return nil, fmt.Errorf("ner: %w: no sidecar configured", anon.ErrServiceUnavailable)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("ner: marshal: %w", err)
	}

	url := c.next()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ner: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("sanitize-ner: sidecar unreachable", "url", url, "err", err)
		return nil, fmt.Errorf("ner: %w: %v", anon.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("sanitize-ner: unexpected status", "url", url, "code", resp.StatusCode)
		return nil, fmt.Errorf("ner: %w: status %d: %s", anon.ErrServiceUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ner: decode: %w", err)
	}

	spans := make([]sanitize.Span, 0, len(result.Spans))
	for _, s := range result.Spans {
		score := s.Score
		if score == 0 {
			score = 1.0
		}
		spans = append(spans, sanitize.Span{
			Start: s.Start,
			End:   s.End,
			Label: s.Label,
			Score: score,
		})
	}
	return spans, nil
}
