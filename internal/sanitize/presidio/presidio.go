// Package presidio provides a Classifier backed by a Presidio analyzer
// service (POST /analyze).
package presidio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/sanitize"
)

// Client calls a Presidio analyzer.
type Client struct {
	url       string
	language  string
	threshold float32
	http      *http.Client
}

var _ sanitize.Classifier = (*Client)(nil)

// New creates a Presidio Client. baseURL is e.g. "http://presidio-analyzer:3000".
// Results scoring below threshold are dropped by the analyzer.
func New(baseURL, language string, threshold float32) *Client {
	if language == "" {
		language = "en"
	}
	return &Client{
		url:       strings.TrimRight(baseURL, "/") + "/analyze",
		language:  language,
		threshold: threshold,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type analyzeRequest struct {
	Text           string  `json:"text"`
	Language       string  `json:"language"`
	ScoreThreshold float32 `json:"score_threshold,omitempty"`
}

type recognizerResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float32 `json:"score"`
}

// Classify sends text to the analyzer. Presidio reports offsets in code
// points; they are converted to byte offsets here.
func (c *Client) Classify(ctx context.Context, text string) ([]sanitize.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	body, err := json.Marshal(analyzeRequest{Text: text, Language: c.language, ScoreThreshold: c.threshold})
	if err != nil {
		return nil, fmt.Errorf("presidio: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("presidio: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("presidio: analyzer unreachable", "url", c.url, "err", err)
		return nil, fmt.Errorf("presidio: %w: %v", anon.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("presidio: unexpected status", "code", resp.StatusCode)
		return nil, fmt.Errorf("presidio: %w: status %d: %s", anon.ErrServiceUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var results []recognizerResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("presidio: %w: decode: %v", anon.ErrServiceUnavailable, err)
	}

	offsets := byteOffsets(text)
	spans := make([]sanitize.Span, 0, len(results))
	for _, r := range results {
		if r.Start < 0 || r.End > len(offsets)-1 || r.Start >= r.End {
			slog.Debug("presidio: dropping out-of-range result", "entity", r.EntityType, "start", r.Start, "end", r.End)
			continue
		}
		spans = append(spans, sanitize.Span{
			Start: offsets[r.Start],
			End:   offsets[r.End],
			Label: r.EntityType,
			Score: r.Score,
		})
	}
	return spans, nil
}

// byteOffsets maps each code point index of s to its byte offset. The
// returned slice has one extra element holding len(s).
func byteOffsets(s string) []int {
	out := make([]int, 0, utf8.RuneCountInString(s)+1)
	for i := range s {
		out = append(out, i)
	}
	return append(out, len(s))
}
