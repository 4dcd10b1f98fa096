package anon

import "context"

// Service performs the two protocol operations. The local engine and the
// HTTP client of a remote service both implement it.
type Service interface {
	// Anonymize replaces sensitive values in text with placeholders and
	// returns the text together with the mapping that inverts it.
	Anonymize(ctx context.Context, text string) (Document, error)

	// Deanonymize restores the originals of every placeholder in
	// anonymizedText using m.
	Deanonymize(ctx context.Context, anonymizedText string, m Mapping) (string, error)
}

// Wire bodies of POST /api/anonymize and POST /api/deanonymize. The
// anonymize response body is a Document.
type (
	AnonymizeRequest struct {
		Text string `json:"text"`
	}

	DeanonymizeRequest struct {
		AnonymizedText string  `json:"anonymized_text"`
		Mapping        Mapping `json:"mapping"`
	}

	DeanonymizeResponse struct {
		Text string `json:"text"`
	}

	// ErrorResponse is the body of every non-200 response.
	ErrorResponse struct {
		Error string `json:"error"`
		Kind  Kind   `json:"kind,omitempty"`
	}
)

// POST /api/deanonymize/stream takes the base64 JSON mapping in
// HeaderMapping. Failures found after the body has started are reported in
// the error trailers.
const (
	HeaderMapping    = "X-Anonymizer-Mapping"
	TrailerError     = "X-Anonymizer-Error"
	TrailerErrorKind = "X-Anonymizer-Error-Kind"
)
