package anon

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns at most n bytes per Read so placeholders get split.
type chunkReader struct {
	s string
	n int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.s == "" {
		return 0, io.EOF
	}
	k := c.n
	if k > len(c.s) {
		k = len(c.s)
	}
	if k > len(p) {
		k = len(p)
	}
	copy(p, c.s[:k])
	c.s = c.s[k:]
	return k, nil
}

func TestRestoringReader(t *testing.T) {
	m := Mapping{
		{Placeholder: "[PERSON_1]", Original: "Alice"},
		{Placeholder: "[PERSON_2]", Original: "Bob"},
		{Placeholder: "[EMAIL_ADDRESS_1]", Original: "alice@example.com"},
	}
	anonymized := strings.Repeat("[PERSON_1] wrote to [PERSON_2] at [EMAIL_ADDRESS_1].\n", 200)
	want := strings.Repeat("Alice wrote to Bob at alice@example.com.\n", 200)

	for _, size := range []int{1, 3, 7, 16, 63, 4096} {
		r, err := NewRestoringReader(&chunkReader{s: anonymized, n: size}, m)
		require.NoError(t, err)

		got, err := io.ReadAll(r)

		require.NoError(t, err, "chunk size %d", size)
		assert.Equal(t, want, string(got), "chunk size %d", size)
	}
}

func TestRestoringReader_SmallDestination(t *testing.T) {
	m := Mapping{{Placeholder: "[PERSON_1]", Original: "Alice"}}
	r, err := NewRestoringReader(strings.NewReader("hi [PERSON_1]!"), m)
	require.NoError(t, err)

	got, err := io.ReadAll(iotest.OneByteReader(r))

	require.NoError(t, err)
	assert.Equal(t, "hi Alice!", string(got))
}

func TestRestoringReader_Unresolved(t *testing.T) {
	m := Mapping{{Placeholder: "[PERSON_1]", Original: "Alice"}}
	r, err := NewRestoringReader(&chunkReader{s: "[PERSON_1] and [PERSON_2]", n: 4}, m)
	require.NoError(t, err)

	_, err = io.ReadAll(r)

	assert.ErrorIs(t, err, ErrUnresolvedPlaceholder)
}

func TestRestoringReader_MalformedMapping(t *testing.T) {
	_, err := NewRestoringReader(strings.NewReader(""), Mapping{
		{Placeholder: "[PERSON_1]", Original: "a"},
		{Placeholder: "[PERSON_1]", Original: "b"},
	})
	assert.ErrorIs(t, err, ErrMalformedMapping)
}

func TestRestoringReader_Empty(t *testing.T) {
	r, err := NewRestoringReader(strings.NewReader(""), nil)
	require.NoError(t, err)

	got, err := io.ReadAll(r)

	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRestoringReader_SourceError(t *testing.T) {
	r, err := NewRestoringReader(iotest.ErrReader(io.ErrUnexpectedEOF), nil)
	require.NoError(t, err)

	_, err = io.ReadAll(r)

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
