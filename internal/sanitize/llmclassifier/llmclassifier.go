// Package llmclassifier provides a Classifier that uses a local
// OpenAI-compatible LLM (e.g. Ollama with qwen2.5) to detect sensitive
// spans that rules and NER cannot catch, things like API keys and passwords.
//
// We ask the model to return the sensitive strings verbatim rather than byte
// offsets, because small models get offsets wrong. Go code locates all
// occurrences in the original text itself.
package llmclassifier

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
	"unicode"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/sanitize"
)

// Label is attached to every span this classifier reports.
const Label = "LLM"

const systemPrompt = `Extract sensitive data from the text. Return a JSON array of exact strings that are sensitive. Return [] if nothing sensitive found.

Sensitive data includes:
- API keys and tokens: strings starting with sk-, pk-, ghp_, Bearer, or any alphanumeric string that looks like a credential (e.g. sk123123123, sk-abc123, ghp_xyz789)
- Passwords and secrets mentioned explicitly
- Email addresses (e.g. user@example.com)
- Phone numbers (e.g. +79997899900, 8-800-555-35-35)
- Full person names with first+last (e.g. John Smith, Иван Иванов, Виктор Александрович)
- Credit card numbers, IBANs, bank account numbers
- Private keys (long hex or base64 strings)

Do NOT flag: placeholders like [PERSON_1], city names alone, common words, dates, regular numbers.

Return ONLY a valid JSON array of the exact sensitive strings. No explanation.

Examples:
Input: "my api key is sk-abc123xyz789"
Output: ["sk-abc123xyz789"]

Input: "call me at +79997899900, John Smith"
Output: ["+79997899900", "John Smith"]

Input: "ключ апи sk123123123"
Output: ["sk123123123"]

Input: "how are you?"
Output: []`

// Classifier calls a local LLM to detect semantically sensitive values.
type Classifier struct {
	url     string
	model   string
	http    *http.Client
	limiter *rate.Limiter
}

var _ sanitize.Classifier = (*Classifier)(nil)

// Option configures a Classifier.
type Option func(*Classifier)

// WithRateLimit caps requests per second sent to the model server. Callers
// wait for a token; a wait that would outlive the context fails the call.
func WithRateLimit(rps float64) Option {
	return func(c *Classifier) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Classifier) {
		c.http = hc
	}
}

// New creates a Classifier.
// baseURL is the Ollama (or any OpenAI-compatible) server, e.g. "http://ollama:11434".
func New(baseURL, model string, opts ...Option) *Classifier {
	c := &Classifier{
		url:   strings.TrimRight(baseURL, "/") + "/v1/chat/completions",
		model: model,
		http: &http.Client{
			Timeout: 125 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	// Hint to disable chain-of-thought thinking (Qwen3 and some others support this).
	// stripThinkBlock handles models that ignore it.
	Think bool `json:"think"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`         // Qwen3 via Ollama
			ReasoningContent string `json:"reasoning_content"` // Qwen3 direct API
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Classify sends text to the LLM and returns sensitive spans.
// It is safe for concurrent use.
func (c *Classifier) Classify(ctx context.Context, text string) ([]sanitize.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("llmclassifier: %w: rate limit: %v", anon.ErrServiceUnavailable, err)
		}
	}
	slog.Debug("llmclassifier: classifying", "url", c.url, "model", c.model, "text_len", len(text))

	reqBody := openAIRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			// /no_think is Qwen3's control token to skip thinking and go straight to the answer.
			{Role: "user", Content: "Text to classify:\n" + text + "\n/no_think"},
		},
		Temperature: 0,
		MaxTokens:   10000,
		Think:       false,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("llmclassifier: LLM unreachable", "err", err)
		return nil, fmt.Errorf("llmclassifier: %w: %v", anon.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("llmclassifier: unexpected status", "code", resp.StatusCode, "body_len", len(errBody))
		return nil, fmt.Errorf("llmclassifier: %w: status %d", anon.ErrServiceUnavailable, resp.StatusCode)
	}

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: %w: read body: %v", anon.ErrServiceUnavailable, err)
	}

	var oaiResp openAIResponse
	if err := json.Unmarshal(rawBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("llmclassifier: %w: decode response: %v", anon.ErrServiceUnavailable, err)
	}

	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("llmclassifier: %w: empty choices", anon.ErrServiceUnavailable)
	}

	choice := oaiResp.Choices[0]
	msg := choice.Message
	// The answer echoes user text, so only its size is logged.
	slog.Debug("llmclassifier: raw response",
		"content_len", len(msg.Content),
		"reasoning_len", len(msg.Reasoning),
		"finish_reason", choice.FinishReason,
	)

	if choice.FinishReason == "length" {
		slog.Warn("llmclassifier: response truncated by token limit, increase MaxTokens or shorten prompt")
	}

	values, err := parseValues(msg.Content, msg.Reasoning, msg.ReasoningContent)
	if err != nil {
		slog.Warn("llmclassifier: could not parse LLM output", "err", err)
		return nil, fmt.Errorf("llmclassifier: %w: %v", anon.ErrServiceUnavailable, err)
	}

	spans := locate(text, values)
	if len(spans) > 0 {
		slog.Debug("llmclassifier: detected sensitive spans", "count", len(spans), "values", len(values))
	}
	return spans, nil
}

// parseValues digs the JSON array of sensitive strings out of the model's
// answer. Qwen3 via Ollama puts thinking in "reasoning" and the answer in
// "content"; when content is empty the model ran out of tokens before
// answering, so we fall back to the reasoning fields.
func parseValues(content, reasoning, reasoningContent string) ([]string, error) {
	raw := strings.TrimSpace(content)
	if raw == "" {
		raw = strings.TrimSpace(reasoning)
		if raw == "" {
			raw = strings.TrimSpace(reasoningContent)
		}
	}

	s := stripThinkBlock(raw)
	s = stripCodeFence(s)
	if !strings.HasPrefix(s, "[") {
		s = extractJSONArray(s)
	}

	var values []string
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		// json errors can quote the offending input, keep them out.
		return nil, fmt.Errorf("want JSON array of strings, got %d bytes that do not parse", len(s))
	}
	return values, nil
}

// locate finds every whole-token occurrence of each value in text. Values
// that are themselves placeholders are skipped.
func locate(text string, values []string) []sanitize.Span {
	var spans []sanitize.Span
	for _, val := range values {
		val = strings.TrimSpace(val)
		if val == "" || anon.IsPlaceholder(val) {
			continue
		}
		start := 0
		for {
			idx := strings.Index(text[start:], val)
			if idx < 0 {
				break
			}
			abs := start + idx
			end := abs + len(val)
			start = end
			if isInsideToken(text, abs, end) {
				continue
			}
			spans = append(spans, sanitize.Span{
				Start: abs,
				End:   end,
				Label: Label,
				Score: 1.0,
			})
		}
	}
	return spans
}

// isInsideToken reports whether span [start,end) sits inside a larger word.
// For example "sd@yandex.ru" inside "asd@yandex.ru" would return true.
// Neighbours are decoded as runes, so typographic quotes, NBSP and CJK
// punctuation delimit a value just like their ASCII counterparts.
func isInsideToken(text string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); joinsToken(r) {
			return true
		}
	}
	if end < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[end:]); joinsToken(r) {
			return true
		}
	}
	return false
}

// joinsToken reports whether r continues the token next to it.
func joinsToken(r rune) bool {
	switch r {
	case '@', '_', '-', '+', '/', '\\', '=', '&', '%', '#':
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// extractJSONArray finds the first [...] substring in s.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	if start < 0 {
		return s
	}
	end := strings.LastIndex(s, "]")
	if end < start {
		return s
	}
	return s[start : end+1]
}

// stripThinkBlock removes Qwen3's <think>...</think> block that appears before
// the actual answer when thinking mode is active.
func stripThinkBlock(s string) string {
	const open, close = "<think>", "</think>"
	start := strings.Index(s, open)
	if start < 0 {
		return s
	}
	end := strings.Index(s, close)
	if end < 0 {
		// Unclosed block - drop everything from <think> onwards.
		return strings.TrimSpace(s[:start])
	}
	return strings.TrimSpace(s[:start] + s[end+len(close):])
}

// stripCodeFence removes ```json ... ``` or ``` ... ``` wrappers.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
