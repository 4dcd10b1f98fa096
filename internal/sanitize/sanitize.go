// Package sanitize is the local anonymization engine. It detects sensitive
// data using classifier plugins (pattern rules, NER sidecar, Presidio, local
// LLM), replaces each detected value with a placeholder token, and returns
// the mapping needed to restore the originals.
//
// Usage:
//
//	s := sanitize.NewWithClassifiers([]sanitize.Classifier{pattern.New()})
//	doc, err := s.Anonymize(ctx, text)
//	// hand doc.AnonymizedText to an untrusted party, keep doc.Mapping
//	text, err = s.Deanonymize(ctx, reply, doc.Mapping)
package sanitize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
)

// DefaultBudget is the maximum time we wait for all classifiers to finish
// when no budget is configured.
const DefaultBudget = 30 * time.Second

// Sanitizer is the top-level object created once at startup. It holds no
// per-call state and is safe for concurrent use.
type Sanitizer struct {
	classifiers []Classifier
	budget      time.Duration
	allow       map[string]struct{}
}

var _ anon.Service = (*Sanitizer)(nil)

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithBudget bounds the time spent waiting for classifiers. Classifiers that
// miss the deadline fail the call.
func WithBudget(d time.Duration) Option {
	return func(s *Sanitizer) {
		if d > 0 {
			s.budget = d
		}
	}
}

// WithAllowList marks values that are never redacted even when detected
// (e.g. the company's own name).
func WithAllowList(values []string) Option {
	return func(s *Sanitizer) {
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				s.allow[v] = struct{}{}
			}
		}
	}
}

// New creates a Sanitizer without classifiers. It only escapes
// placeholder-shaped input, which keeps the round trip exact.
func New(opts ...Option) *Sanitizer {
	return NewWithClassifiers(nil, opts...)
}

// NewWithClassifiers creates a Sanitizer with an ordered list of classifiers.
func NewWithClassifiers(classifiers []Classifier, opts ...Option) *Sanitizer {
	s := &Sanitizer{
		classifiers: classifiers,
		budget:      DefaultBudget,
		allow:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// runClassifiers runs all Classify calls concurrently and merges results.
// Any classifier failure or a budget overrun fails the whole call: skipping
// a detector would let its findings through unredacted.
func (s *Sanitizer) runClassifiers(ctx context.Context, text string) ([]Span, error) {
	if len(s.classifiers) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	type result struct {
		clf   Classifier
		spans []Span
		err   error
	}
	ch := make(chan result, len(s.classifiers))

	for _, clf := range s.classifiers {
		go func(c Classifier) {
			spans, err := c.Classify(ctx, text)
			ch <- result{clf: c, spans: spans, err: err}
		}(clf)
	}

	var all []Span
	for range s.classifiers {
		select {
		case r := <-ch:
			if r.err != nil {
				if ctx.Err() != nil {
					return nil, s.deadlineErr(ctx)
				}
				slog.Warn("sanitize: classifier error", "classifier", fmt.Sprintf("%T", r.clf), "err", r.err)
				if errors.Is(r.err, anon.ErrServiceUnavailable) {
					return nil, fmt.Errorf("sanitize: %w", r.err)
				}
				return nil, fmt.Errorf("sanitize: %w: %v", anon.ErrServiceUnavailable, r.err)
			}
			all = append(all, r.spans...)
		case <-ctx.Done():
			return nil, s.deadlineErr(ctx)
		}
	}
	return all, nil
}

// deadlineErr reports a finished classifier context. Running out of budget
// is a backend availability problem; cancellation by the caller is not.
func (s *Sanitizer) deadlineErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		slog.Warn("sanitize: classifier budget exceeded", "budget", s.budget)
		return fmt.Errorf("sanitize: %w: classifier budget of %s exceeded", anon.ErrServiceUnavailable, s.budget)
	}
	return ctx.Err()
}

// Anonymize replaces every detected sensitive value in text with a
// placeholder. Placeholder-shaped substrings already present in text are
// escaped as LITERAL placeholders so that Deanonymize reproduces text exactly.
func (s *Sanitizer) Anonymize(ctx context.Context, text string) (anon.Document, error) {
	if text == "" {
		return anon.Document{AnonymizedText: "", Mapping: anon.Mapping{}}, nil
	}

	var literals []Span
	for _, loc := range anon.FindPlaceholders(text) {
		literals = append(literals, Span{Start: loc[0], End: loc[1], Label: anon.LabelLiteral, Score: 1})
	}

	detected, err := s.runClassifiers(ctx, text)
	if err != nil {
		return anon.Document{}, err
	}
	detected = s.dropAllowed(text, validSpans(text, detected))
	spans := selectSpans(literals, detected)

	al := anon.NewAllocator()
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, sp := range spans {
		b.WriteString(text[last:sp.Start])
		tok := al.Assign(sp.Label, text[sp.Start:sp.End])
		slog.Debug("sanitize: redacted", "label", sp.Label, "token", tok)
		b.WriteString(tok)
		last = sp.End
	}
	b.WriteString(text[last:])

	doc := anon.Document{AnonymizedText: b.String(), Mapping: al.Mapping()}
	if len(doc.Mapping) > 0 {
		slog.Info("sanitize: anonymized", "spans", len(spans), "entries", len(doc.Mapping))
	}
	return doc, nil
}

// Deanonymize restores originals with a pure substitution; see anon.Deanonymize.
func (s *Sanitizer) Deanonymize(_ context.Context, anonymizedText string, m anon.Mapping) (string, error) {
	return anon.Deanonymize(anonymizedText, m)
}

func (s *Sanitizer) dropAllowed(text string, spans []Span) []Span {
	if len(s.allow) == 0 {
		return spans
	}
	out := spans[:0]
	for _, sp := range spans {
		if _, ok := s.allow[text[sp.Start:sp.End]]; ok {
			continue
		}
		out = append(out, sp)
	}
	return out
}

// isWordRune reports whether r continues a word. Anything else (spaces,
// ASCII and typographic punctuation, NBSP, CJK punctuation) delimits one.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// validSpans filters out spans with invalid offsets or spans that land in
// the middle of a larger word (partial NER matches).
func validSpans(text string, spans []Span) []Span {
	out := make([]Span, 0, len(spans))
	for _, sp := range spans {
		if sp.Start < 0 || sp.End > len(text) || sp.Start >= sp.End {
			continue
		}
		if !isRuneBoundary(text, sp.Start) || !isRuneBoundary(text, sp.End) {
			continue
		}
		// Reject partial word matches. If the rune immediately before or after
		// the span continues a word, the span is a substring of a longer token.
		if r, _ := utf8.DecodeLastRuneInString(text[:sp.Start]); sp.Start > 0 && isWordRune(r) {
			continue
		}
		if r, _ := utf8.DecodeRuneInString(text[sp.End:]); sp.End < len(text) && isWordRune(r) {
			continue
		}
		out = append(out, sp)
	}
	return out
}

// selectSpans returns non-overlapping spans ordered by Start. Literal escapes
// always survive; detected spans touching one are dropped. Among overlapping
// detected spans the leftmost wins, then the longest.
func selectSpans(literals, detected []Span) []Span {
	kept := make([]Span, 0, len(literals)+len(detected))
	kept = append(kept, literals...)

	sort.SliceStable(detected, func(i, j int) bool {
		if detected[i].Start != detected[j].Start {
			return detected[i].Start < detected[j].Start
		}
		return detected[i].End > detected[j].End
	})

	lastEnd := -1
	for _, sp := range detected {
		if sp.Start < lastEnd || overlapsAny(sp, literals) {
			continue
		}
		kept = append(kept, sp)
		lastEnd = sp.End
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

func overlapsAny(sp Span, others []Span) bool {
	for _, o := range others {
		if sp.Start < o.End && o.Start < sp.End {
			return true
		}
	}
	return false
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
