package anon

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// maxLabelLen bounds the LABEL part of a generated placeholder.
	maxLabelLen = 32

	// maxPlaceholderLen is an upper bound on the length of anything the
	// placeholder grammar can match.
	maxPlaceholderLen = 64
)

// placeholderRe matches every placeholder-shaped token: the generated form
// [LABEL_n] and the legacy <<ANON_label_n>> form.
var placeholderRe = regexp.MustCompile(
	`\[[A-Z][A-Z0-9_]{0,31}_[0-9]{1,9}\]|<<ANON_[a-z0-9_]{1,32}_[0-9]{1,9}>>`,
)

// LabelLiteral marks input text that already looked like a placeholder and
// was escaped so it survives the round trip.
const LabelLiteral = "LITERAL"

var labelAliases = map[string]string{
	"PER":           "PERSON",
	"PERSON":        "PERSON",
	"ORG":           "ORGANIZATION",
	"ORGANIZATION":  "ORGANIZATION",
	"LOC":           "LOCATION",
	"GPE":           "LOCATION",
	"LOCATION":      "LOCATION",
	"EMAIL":         "EMAIL_ADDRESS",
	"EMAIL_ADDRESS": "EMAIL_ADDRESS",
	"PHONE":         "PHONE_NUMBER",
	"LLM":           "SENSITIVE",
}

// NormalizeLabel maps a detector label onto the placeholder LABEL alphabet
// ([A-Z][A-Z0-9_]*, at most 32 bytes).
func NormalizeLabel(label string) string {
	up := strings.ToUpper(strings.TrimSpace(label))
	if alias, ok := labelAliases[up]; ok {
		return alias
	}
	var b strings.Builder
	for _, r := range up {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "ENTITY"
	}
	if out[0] < 'A' || out[0] > 'Z' {
		out = "ENTITY_" + out
	}
	if len(out) > maxLabelLen {
		out = strings.TrimRight(out[:maxLabelLen], "_")
	}
	return out
}

// IsPlaceholder reports whether s is exactly one placeholder-shaped token.
func IsPlaceholder(s string) bool {
	loc := placeholderRe.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// FindPlaceholders returns the byte ranges of all placeholder-shaped tokens
// in text, leftmost first and non-overlapping.
func FindPlaceholders(text string) [][]int {
	return placeholderRe.FindAllStringIndex(text, -1)
}

// Allocator hands out placeholders for a single anonymize call. Placeholders
// are numbered per label from 1 in the order they are requested, and an
// original seen before gets its earlier placeholder back.
type Allocator struct {
	counters   map[string]int
	byOriginal map[string]string
	mapping    Mapping
}

// NewAllocator returns an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		counters:   make(map[string]int),
		byOriginal: make(map[string]string),
		mapping:    Mapping{},
	}
}

// Assign returns the placeholder standing for original.
func (a *Allocator) Assign(label, original string) string {
	if tok, ok := a.byOriginal[original]; ok {
		return tok
	}
	label = NormalizeLabel(label)
	a.counters[label]++
	tok := "[" + label + "_" + strconv.Itoa(a.counters[label]) + "]"
	a.byOriginal[original] = tok
	a.mapping = append(a.mapping, Entry{Placeholder: tok, Original: original})
	return tok
}

// Mapping returns the entries assigned so far, in assignment order.
func (a *Allocator) Mapping() Mapping {
	out := make(Mapping, len(a.mapping))
	copy(out, a.mapping)
	return out
}

// LabelOf returns the upper-cased LABEL part of a placeholder, or "" for
// tokens outside the grammar.
func LabelOf(placeholder string) string {
	if !IsPlaceholder(placeholder) {
		return ""
	}
	var body string
	if strings.HasPrefix(placeholder, "[") {
		body = placeholder[1 : len(placeholder)-1]
	} else {
		body = strings.TrimSuffix(strings.TrimPrefix(placeholder, "<<ANON_"), ">>")
	}
	if i := strings.LastIndexByte(body, '_'); i > 0 {
		return strings.ToUpper(body[:i])
	}
	return ""
}

// LabelCounts returns how many entries of m carry each label.
func LabelCounts(m Mapping) map[string]int {
	out := make(map[string]int)
	for _, e := range m {
		if l := LabelOf(e.Placeholder); l != "" {
			out[l]++
		}
	}
	return out
}
