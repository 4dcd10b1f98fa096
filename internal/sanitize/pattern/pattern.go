// Package pattern provides a rule-based Classifier built on regular
// expressions. It needs no sidecar and is the default detector.
package pattern

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gonkalabs/gonka-anonymizer/internal/sanitize"
)

// Rule detects one kind of sensitive value. When Re has a capture group,
// only the first group is redacted.
type Rule struct {
	Label string
	Re    *regexp.Regexp
	// Valid, when set, must accept the matched text (e.g. a checksum).
	Valid func(string) bool
}

// ruleSeparator splits "LABEL::regexp" rule strings.
const ruleSeparator = "::"

// ParseRule parses a "LABEL::regexp" rule.
func ParseRule(s string) (Rule, error) {
	label, expr, ok := strings.Cut(s, ruleSeparator)
	label = strings.TrimSpace(label)
	if !ok || label == "" || expr == "" {
		return Rule{}, fmt.Errorf("pattern: rule %q must look like LABEL::regexp", s)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("pattern: rule %q: %w", label, err)
	}
	return Rule{Label: label, Re: re}, nil
}

// ParseRules parses every rule in ss.
func ParseRules(ss []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(ss))
	for _, s := range ss {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Builtin returns the default rule set.
func Builtin() []Rule {
	return []Rule{
		{Label: "EMAIL_ADDRESS", Re: reEmail},
		{Label: "URL", Re: reURL},
		{Label: "CREDIT_CARD", Re: reCard, Valid: luhnValid},
		{Label: "IBAN_CODE", Re: reIBAN, Valid: ibanValid},
		{Label: "US_SSN", Re: reSSN},
		{Label: "IP_ADDRESS", Re: reIPv4},
		{Label: "PHONE_NUMBER", Re: rePhone},
	}
}

var (
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	reURL   = regexp.MustCompile(`https?://[^\s<>"'\x60]*[^\s<>"'\x60.,;:!?)\]]`)
	reCard  = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	reIBAN  = regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`)
	reSSN   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reIPv4  = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)
	rePhone = regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?(?:\(\d{2,4}\)[\s.-]?|\d{2,4}[\s.-])\d{3,4}[\s.-]?\d{3,4}\b`)
)

// Classifier applies a list of rules.
type Classifier struct {
	rules []Rule
}

var _ sanitize.Classifier = (*Classifier)(nil)

// New creates a Classifier with the built-in rules followed by extra.
func New(extra ...Rule) *Classifier {
	return &Classifier{rules: append(Builtin(), extra...)}
}

// NewWithRules creates a Classifier that applies only rules.
func NewWithRules(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Classify returns a span for every rule match. It is safe for concurrent use.
func (c *Classifier) Classify(ctx context.Context, text string) ([]sanitize.Span, error) {
	var spans []sanitize.Span
	for _, r := range c.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, m := range r.Re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[0], m[1]
			if len(m) >= 4 && m[2] >= 0 {
				start, end = m[2], m[3]
			}
			if start >= end {
				continue
			}
			if r.Valid != nil && !r.Valid(text[start:end]) {
				continue
			}
			spans = append(spans, sanitize.Span{Start: start, End: end, Label: r.Label, Score: 1.0})
		}
	}
	return spans, nil
}

// luhnValid reports whether the digits of s pass the Luhn checksum.
func luhnValid(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}

// ibanValid runs the ISO 13616 mod-97 check.
func ibanValid(s string) bool {
	s = strings.ReplaceAll(s, " ", "")
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	s = s[4:] + s[:4]
	rem := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			v := int(r-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return false
		}
	}
	return rem == 1
}
