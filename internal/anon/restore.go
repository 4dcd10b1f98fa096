package anon

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// resolver performs the single-pass placeholder substitution for one mapping.
type resolver struct {
	re     *regexp.Regexp
	lookup map[string]string
	maxLen int
}

func newResolver(m Mapping) (*resolver, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	r := &resolver{
		re:     placeholderRe,
		lookup: m.Lookup(),
		maxLen: maxPlaceholderLen,
	}

	foreign := false
	keys := m.Placeholders()
	for _, k := range keys {
		if len(k) > r.maxLen {
			r.maxLen = len(k)
		}
		if !IsPlaceholder(k) {
			foreign = true
		}
	}
	if !foreign {
		return r, nil
	}

	// Keys outside the grammar are matched literally. Longer keys come first
	// so that the longest key wins at a given position.
	sort.SliceStable(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	alts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		alts = append(alts, regexp.QuoteMeta(k))
	}
	alts = append(alts, placeholderRe.String())
	re, err := regexp.Compile(strings.Join(alts, "|"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMapping, err)
	}
	r.re = re
	return r, nil
}

// appendResolved appends text to dst with the tokens at locs replaced.
func (r *resolver) appendResolved(dst []byte, text []byte, locs [][]int) ([]byte, error) {
	last := 0
	for _, loc := range locs {
		tok := string(text[loc[0]:loc[1]])
		orig, ok := r.lookup[tok]
		if !ok {
			return dst, fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, tok)
		}
		dst = append(dst, text[last:loc[0]]...)
		dst = append(dst, orig...)
		last = loc[1]
	}
	return append(dst, text[last:]...), nil
}

// Deanonymize replaces every placeholder in text with its original from m.
// Substitution is a single pass: restored originals are never rescanned.
// Entries of m that text does not reference are ignored.
//
// It fails with ErrMalformedMapping when m has empty or duplicate
// placeholders, and with ErrUnresolvedPlaceholder when text contains a
// placeholder-shaped token that m does not cover.
func Deanonymize(text string, m Mapping) (string, error) {
	r, err := newResolver(m)
	if err != nil {
		return "", err
	}
	b := []byte(text)
	locs := r.re.FindAllIndex(b, -1)
	if len(locs) == 0 {
		return text, nil
	}
	out, err := r.appendResolved(make([]byte, 0, len(b)), b, locs)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
