package sanitize

import "context"

// Span describes a sensitive substring detected within a text.
type Span struct {
	Start int     // byte offset of the first character (UTF-8)
	End   int     // byte offset one past the last character
	Label string  // e.g. "PER", "ORG", "EMAIL_ADDRESS", "CREDIT_CARD"
	Score float32 // confidence in [0,1]; 1.0 for rule-based detectors
}

// Classifier detects sensitive spans in a text string.
// Implementations must be safe for concurrent use. A Classifier that cannot
// reach its backend must return an error wrapping anon.ErrServiceUnavailable
// rather than an empty result.
type Classifier interface {
	Classify(ctx context.Context, text string) ([]Span, error)
}
