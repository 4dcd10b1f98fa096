package anon

import "errors"

// Errors surfaced by the anonymize/deanonymize operations. Each one has a
// stable wire kind so callers on the other side of HTTP can tell them apart
// and choose between retry and abort.
var (
	// ErrInvalidInput indicates the request payload has the wrong shape.
	ErrInvalidInput = errors.New("invalid input")

	// ErrServiceUnavailable indicates a collaborator (detector backend or the
	// remote anonymization service) could not be reached.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrUnresolvedPlaceholder indicates the anonymized text references a
	// placeholder that the supplied mapping does not cover.
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")

	// ErrMalformedMapping indicates a structurally invalid mapping entry.
	ErrMalformedMapping = errors.New("malformed mapping")
)

// Kind is the wire name of an error condition.
type Kind string

const (
	KindInvalidInput          Kind = "invalid_input"
	KindServiceUnavailable    Kind = "service_unavailable"
	KindUnresolvedPlaceholder Kind = "unresolved_placeholder"
	KindMalformedMapping      Kind = "malformed_mapping"
)

var kinds = []struct {
	kind Kind
	err  error
}{
	{KindInvalidInput, ErrInvalidInput},
	{KindServiceUnavailable, ErrServiceUnavailable},
	{KindUnresolvedPlaceholder, ErrUnresolvedPlaceholder},
	{KindMalformedMapping, ErrMalformedMapping},
}

// KindOf returns the wire kind of err, or "" when err is not one of the
// package sentinels.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

// ErrorForKind returns the sentinel for a wire kind, or nil if the kind is
// unknown.
func ErrorForKind(k Kind) error {
	for _, e := range kinds {
		if e.kind == k {
			return e.err
		}
	}
	return nil
}
