package sanitize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
)

// wordClassifier flags every whole occurrence of the given words.
type wordClassifier struct {
	label string
	words []string
}

func (w *wordClassifier) Classify(_ context.Context, text string) ([]Span, error) {
	var spans []Span
	for _, word := range w.words {
		start := 0
		for {
			idx := strings.Index(text[start:], word)
			if idx < 0 {
				break
			}
			abs := start + idx
			spans = append(spans, Span{Start: abs, End: abs + len(word), Label: w.label, Score: 1})
			start = abs + len(word)
		}
	}
	return spans, nil
}

type fixedClassifier struct {
	spans []Span
	err   error
	delay time.Duration
}

func (f *fixedClassifier) Classify(ctx context.Context, _ string) ([]Span, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.spans, f.err
}

func people(words ...string) Classifier {
	return &wordClassifier{label: "PER", words: words}
}

func TestAnonymize_Scenario(t *testing.T) {
	s := NewWithClassifiers([]Classifier{people("Alice", "Bob")})

	doc, err := s.Anonymize(context.Background(), "Alice called Bob")

	require.NoError(t, err)
	assert.Equal(t, "[PERSON_1] called [PERSON_2]", doc.AnonymizedText)
	assert.Equal(t, anon.Mapping{
		{Placeholder: "[PERSON_1]", Original: "Alice"},
		{Placeholder: "[PERSON_2]", Original: "Bob"},
	}, doc.Mapping)

	text, err := s.Deanonymize(context.Background(), doc.AnonymizedText, doc.Mapping)
	require.NoError(t, err)
	assert.Equal(t, "Alice called Bob", text)
}

func TestAnonymize_EmptyText(t *testing.T) {
	s := NewWithClassifiers([]Classifier{&fixedClassifier{err: errors.New("must not be called")}})

	doc, err := s.Anonymize(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, "", doc.AnonymizedText)
	assert.NotNil(t, doc.Mapping)
	assert.Empty(t, doc.Mapping)
}

func TestAnonymize_NothingSensitive(t *testing.T) {
	s := NewWithClassifiers([]Classifier{people("Alice")})

	doc, err := s.Anonymize(context.Background(), "the weather is nice")

	require.NoError(t, err)
	assert.Equal(t, "the weather is nice", doc.AnonymizedText)
	assert.Empty(t, doc.Mapping)
}

func TestAnonymize_RepeatedOriginalReusesPlaceholder(t *testing.T) {
	s := NewWithClassifiers([]Classifier{people("Alice")})

	doc, err := s.Anonymize(context.Background(), "Alice, oh Alice")

	require.NoError(t, err)
	assert.Equal(t, "[PERSON_1], oh [PERSON_1]", doc.AnonymizedText)
	assert.Len(t, doc.Mapping, 1)
}

func TestAnonymize_EscapesPlaceholderShapedInput(t *testing.T) {
	s := NewWithClassifiers([]Classifier{people("Alice")})
	input := "Alice wrote [PERSON_1] and <<ANON_person_0>> literally"

	doc, err := s.Anonymize(context.Background(), input)

	require.NoError(t, err)
	assert.Equal(t, "[PERSON_1] wrote [LITERAL_1] and [LITERAL_2] literally", doc.AnonymizedText)

	text, err := anon.Deanonymize(doc.AnonymizedText, doc.Mapping)
	require.NoError(t, err)
	assert.Equal(t, input, text)
}

func TestAnonymize_DetectedSpanOverlappingLiteralIsDropped(t *testing.T) {
	s := NewWithClassifiers([]Classifier{&fixedClassifier{spans: []Span{{Start: 0, End: 12, Label: "ORG"}}}})
	input := "[PERSON_1] x"

	doc, err := s.Anonymize(context.Background(), input)

	require.NoError(t, err)
	assert.Equal(t, "[LITERAL_1] x", doc.AnonymizedText)
}

func TestAnonymize_OverlapPrefersLeftmostThenLongest(t *testing.T) {
	text := "Mary Ann Smith visited"
	s := NewWithClassifiers([]Classifier{&fixedClassifier{spans: []Span{
		{Start: 5, End: 14, Label: "PER"},  // "Ann Smith"
		{Start: 0, End: 8, Label: "PER"},   // "Mary Ann"
		{Start: 0, End: 14, Label: "PER"},  // "Mary Ann Smith"
		{Start: 15, End: 22, Label: "ORG"}, // "visited"
	}}})

	doc, err := s.Anonymize(context.Background(), text)

	require.NoError(t, err)
	assert.Equal(t, "[PERSON_1] [ORGANIZATION_1]", doc.AnonymizedText)
	assert.Equal(t, "Mary Ann Smith", doc.Mapping[0].Original)
}

func TestAnonymize_RejectsInvalidSpans(t *testing.T) {
	text := "héllo Bobby"
	s := NewWithClassifiers([]Classifier{&fixedClassifier{spans: []Span{
		{Start: -1, End: 3},
		{Start: 2, End: 4},   // splits the é
		{Start: 7, End: 10},  // "Bob" inside "Bobby"
		{Start: 8, End: 100}, // out of range
		{Start: 5, End: 5},   // empty
	}}})

	doc, err := s.Anonymize(context.Background(), text)

	require.NoError(t, err)
	assert.Equal(t, text, doc.AnonymizedText)
	assert.Empty(t, doc.Mapping)
}

func TestAnonymize_UnicodePunctuationDelimitsSpans(t *testing.T) {
	cases := []struct {
		name, text, want string
	}{
		{"curly quotes", "write to “bob@corp.io” today", "write to “[PERSON_1]” today"},
		{"guillemets", "«bob@corp.io»", "«[PERSON_1]»"},
		{"cjk punctuation", "邮箱：bob@corp.io。", "邮箱：[PERSON_1]。"},
		{"nbsp", "to\u00a0bob@corp.io\u00a0now", "to\u00a0[PERSON_1]\u00a0now"},
		{"typographic apostrophe", "Bob’s desk", "[PERSON_1]’s desk"},
		{"em dash", "Bob—again", "[PERSON_1]—again"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewWithClassifiers([]Classifier{people("bob@corp.io", "Bob")})

			doc, err := s.Anonymize(context.Background(), tc.text)

			require.NoError(t, err)
			assert.Equal(t, tc.want, doc.AnonymizedText)
		})
	}
}

func TestAnonymize_UnicodeLettersStillJoinWords(t *testing.T) {
	s := NewWithClassifiers([]Classifier{people("Bob")})

	doc, err := s.Anonymize(context.Background(), "Bobé and éBob and Bob")

	require.NoError(t, err)
	assert.Equal(t, "Bobé and éBob and [PERSON_1]", doc.AnonymizedText)
}

func TestAnonymize_AllowList(t *testing.T) {
	s := NewWithClassifiers([]Classifier{people("Acme", "Alice")}, WithAllowList([]string{" Acme "}))

	doc, err := s.Anonymize(context.Background(), "Alice works at Acme")

	require.NoError(t, err)
	assert.Equal(t, "[PERSON_1] works at Acme", doc.AnonymizedText)
}

func TestAnonymize_ClassifierUnavailable(t *testing.T) {
	s := NewWithClassifiers([]Classifier{
		people("Alice"),
		&fixedClassifier{err: errors.New("connection refused")},
	})

	_, err := s.Anonymize(context.Background(), "Alice")

	require.Error(t, err)
	assert.ErrorIs(t, err, anon.ErrServiceUnavailable)
}

func TestAnonymize_BudgetExceeded(t *testing.T) {
	s := NewWithClassifiers(
		[]Classifier{&fixedClassifier{delay: time.Second}},
		WithBudget(20*time.Millisecond),
	)

	_, err := s.Anonymize(context.Background(), "Alice")

	assert.ErrorIs(t, err, anon.ErrServiceUnavailable)
}

func TestAnonymize_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewWithClassifiers([]Classifier{&fixedClassifier{delay: time.Second}})

	_, err := s.Anonymize(ctx, "Alice")

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, anon.ErrServiceUnavailable)
}

func TestRoundTrip(t *testing.T) {
	s := NewWithClassifiers([]Classifier{people("Alice", "Bob", "Zoë")})
	inputs := []string{
		"",
		"plain text",
		"Alice called Bob",
		"Zoë, Alice; Bob. Alice!",
		"[PERSON_1] is not Alice",
		"[[PERSON_1]]",
		"[PERSON_1[PERSON_2]]",
		"<<ANON_person_3>>Alice",
		"Alice [LITERAL_1] [PERSON_999999999]",
		"日本語 Bob 日本語",
		"trailing [PERSON_",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			doc, err := s.Anonymize(context.Background(), in)
			require.NoError(t, err)
			require.NoError(t, doc.Mapping.Validate())

			out, err := s.Deanonymize(context.Background(), doc.AnonymizedText, doc.Mapping)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestSelectSpans(t *testing.T) {
	literals := []Span{{Start: 10, End: 20, Label: anon.LabelLiteral}}
	detected := []Span{
		{Start: 0, End: 5},
		{Start: 3, End: 8},
		{Start: 15, End: 25},
		{Start: 21, End: 30},
	}

	got := selectSpans(literals, detected)

	require.Len(t, got, 3)
	assert.Equal(t, 0, got[0].Start)
	assert.Equal(t, 10, got[1].Start)
	assert.Equal(t, 21, got[2].Start)
}
