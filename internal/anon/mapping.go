// Package anon defines the anonymize/deanonymize protocol: the mapping that
// pairs placeholders with the originals they replaced, the document that
// carries anonymized text together with its mapping, and the pure
// substitution that inverts an anonymization.
package anon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// Entry associates one placeholder with the original value it stands for.
type Entry struct {
	Placeholder string `json:"placeholder"`
	Original    string `json:"original"`
}

// UnmarshalJSON requires both fields to be present and non-null.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Placeholder *string `json:"placeholder"`
		Original    *string `json:"original"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: entry: %v", ErrMalformedMapping, err)
	}
	if raw.Placeholder == nil {
		return fmt.Errorf("%w: entry missing \"placeholder\"", ErrMalformedMapping)
	}
	if raw.Original == nil {
		return fmt.Errorf("%w: entry missing \"original\"", ErrMalformedMapping)
	}
	e.Placeholder = *raw.Placeholder
	e.Original = *raw.Original
	return nil
}

// Mapping is the ordered set of entries produced by one anonymize call.
// Placeholders are unique within a mapping; originals may repeat.
type Mapping []Entry

// Validate checks that every placeholder is non-empty and unique.
func (m Mapping) Validate() error {
	seen := make(map[string]struct{}, len(m))
	for i, e := range m {
		if e.Placeholder == "" {
			return fmt.Errorf("%w: entry %d has an empty placeholder", ErrMalformedMapping, i)
		}
		if _, dup := seen[e.Placeholder]; dup {
			return fmt.Errorf("%w: duplicate placeholder %q", ErrMalformedMapping, e.Placeholder)
		}
		seen[e.Placeholder] = struct{}{}
	}
	return nil
}

// Lookup returns placeholder -> original. Call Validate first; on duplicates
// the last entry wins.
func (m Mapping) Lookup() map[string]string {
	return lo.Associate(m, func(e Entry) (string, string) {
		return e.Placeholder, e.Original
	})
}

// Placeholders returns the placeholders in mapping order.
func (m Mapping) Placeholders() []string {
	return lo.Map(m, func(e Entry, _ int) string { return e.Placeholder })
}

// MarshalJSON always emits the array form, and [] rather than null.
func (m Mapping) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Entry(m))
}

// UnmarshalJSON accepts the array form and the legacy object form
// {"placeholder": "original", ...}. Object keys are ordered ascending.
func (m *Mapping) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("%w: mapping is null", ErrMalformedMapping)
	}
	switch b[0] {
	case '[':
		var entries []Entry
		if err := json.Unmarshal(b, &entries); err != nil {
			return err
		}
		*m = Mapping(entries)
		if *m == nil {
			*m = Mapping{}
		}
		return nil
	case '{':
		out, err := decodeObjectMapping(b)
		if err != nil {
			return err
		}
		*m = out
		return nil
	default:
		return fmt.Errorf("%w: mapping must be an array or an object", ErrMalformedMapping)
	}
}

// decodeObjectMapping walks the legacy object form key by key so that a
// repeated placeholder is rejected instead of overwriting the first one.
func decodeObjectMapping(b []byte) (Mapping, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMapping, err)
	}
	out := Mapping{}
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMapping, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: object key is not a string", ErrMalformedMapping)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate placeholder %q", ErrMalformedMapping, key)
		}
		seen[key] = struct{}{}

		var v *string
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%w: placeholder %q: %v", ErrMalformedMapping, key, err)
		}
		if v == nil {
			return nil, fmt.Errorf("%w: placeholder %q has no original", ErrMalformedMapping, key)
		}
		out = append(out, Entry{Placeholder: key, Original: *v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMapping, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Placeholder < out[j].Placeholder })
	return out, nil
}

// Document is anonymized text paired with the mapping that inverts it. The
// two must travel together: deanonymization is only defined for a text and
// its own mapping (or a superset of it).
type Document struct {
	AnonymizedText string  `json:"anonymized_text"`
	Mapping        Mapping `json:"mapping"`
}
