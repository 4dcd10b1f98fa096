// Package upstream is the Go caller of a running anonymizer service's wire
// contract (POST /api/anonymize, POST /api/deanonymize and its streaming
// variant).
package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/signer"
)

const (
	PathAnonymize         = "/api/anonymize"
	PathDeanonymize       = "/api/deanonymize"
	PathDeanonymizeStream = "/api/deanonymize/stream"
	PathHealth            = "/health"
)

// maxResponseBytes caps how much of a response body we read.
const maxResponseBytes = 64 << 20

// Client talks to a remote anonymizer. Each call is a single request; no
// call is retried.
type Client struct {
	baseURL string
	signer  *signer.Signer
	http    *http.Client
}

var _ anon.Service = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithSigner signs every request with s.
func WithSigner(s *signer.Signer) Option {
	return func(c *Client) {
		c.signer = s
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates an upstream Client. baseURL is the service root
// (e.g. http://localhost:8000).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Anonymize calls POST /api/anonymize.
func (c *Client) Anonymize(ctx context.Context, text string) (anon.Document, error) {
	var doc anon.Document
	if err := c.call(ctx, PathAnonymize, anon.AnonymizeRequest{Text: text}, &doc); err != nil {
		return anon.Document{}, err
	}
	if doc.Mapping == nil {
		doc.Mapping = anon.Mapping{}
	}
	if err := doc.Mapping.Validate(); err != nil {
		return anon.Document{}, fmt.Errorf("upstream: response: %w", err)
	}
	return doc, nil
}

// Deanonymize calls POST /api/deanonymize. A structurally invalid mapping
// is rejected before anything is sent.
func (c *Client) Deanonymize(ctx context.Context, anonymizedText string, m anon.Mapping) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	if m == nil {
		m = anon.Mapping{}
	}
	var resp anon.DeanonymizeResponse
	if err := c.call(ctx, PathDeanonymize, anon.DeanonymizeRequest{AnonymizedText: anonymizedText, Mapping: m}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// DeanonymizeStream sends src to POST /api/deanonymize/stream and copies the
// restored text to dst as it arrives. The request is signed over the whole
// body, so src is read in full before sending. A failure reported in the
// response trailers is returned after the partial output has been copied.
func (c *Client) DeanonymizeStream(ctx context.Context, dst io.Writer, src io.Reader, m anon.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m == nil {
		m = anon.Mapping{}
	}
	rawMapping, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("upstream: %w: %v", anon.ErrInvalidInput, err)
	}
	payload, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("upstream: read input: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, PathDeanonymizeStream, payload)
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set(anon.HeaderMapping, base64.StdEncoding.EncodeToString(rawMapping))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("upstream: %w: %v", anon.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return statusError(resp.StatusCode, body)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("upstream: stream: %w", err)
	}
	if msg := resp.Trailer.Get(anon.TrailerError); msg != "" {
		sentinel := anon.ErrorForKind(anon.Kind(resp.Trailer.Get(anon.TrailerErrorKind)))
		if sentinel == nil {
			sentinel = anon.ErrServiceUnavailable
		}
		return &StatusError{Code: resp.StatusCode, Message: msg, err: sentinel}
	}
	return nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, nil)
	if err != nil {
		return fmt.Errorf("upstream: health: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: health: %w: %v", anon.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream: health: %w: status %d", anon.ErrServiceUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) call(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("upstream: %w: %v", anon.ErrInvalidInput, err)
	}

	resp, err := c.doWith(ctx, http.MethodPost, path, payload)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("upstream: %w: %v", anon.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("upstream: %w: read body: %v", anon.ErrServiceUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		if errors.Is(err, anon.ErrMalformedMapping) {
			return fmt.Errorf("upstream: response: %w", err)
		}
		return fmt.Errorf("upstream: %w: decode response: %v", anon.ErrServiceUnavailable, err)
	}
	return nil
}

// doWith executes a JSON request.
func (c *Client) doWith(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// newRequest builds a request, signed when the client has a signer.
func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if c.signer != nil {
		sig, ts := c.signer.Sign(payload, method, path)
		req.Header.Set("Authorization", sig)
		req.Header.Set("X-Requester-Address", c.signer.Address())
		req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	}

	slog.Debug("upstream request", "method", method, "url", url, "signed", c.signer != nil)
	return req, nil
}

// statusError maps a non-200 response to the sentinel named by its kind.
// Bodies without a known kind fall back on the status class.
func statusError(code int, body []byte) error {
	var er anon.ErrorResponse
	_ = json.Unmarshal(body, &er)
	msg := er.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
	}

	sentinel := anon.ErrorForKind(er.Kind)
	if sentinel == nil {
		switch {
		case code >= 500:
			sentinel = anon.ErrServiceUnavailable
		default:
			sentinel = anon.ErrInvalidInput
		}
	}
	return &StatusError{Code: code, Message: msg, err: sentinel}
}

// StatusError is a non-200 response from the service.
type StatusError struct {
	Code    int
	Message string
	err     error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %d: %v: %s", e.Code, e.err, e.Message)
}

func (e *StatusError) Unwrap() error { return e.err }
