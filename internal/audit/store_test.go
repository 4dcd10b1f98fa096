package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func TestRecordAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Record(ctx, Operation{
		Op:          OpAnonymize,
		InputBytes:  16,
		OutputBytes: 28,
		Entities:    2,
		Labels:      map[string]int{"PERSON": 2},
		Duration:    15 * time.Millisecond,
		CreatedAt:   base,
	}))
	require.NoError(t, store.Record(ctx, Operation{
		Op:        OpDeanonymize,
		Kind:      "unresolved_placeholder",
		CreatedAt: base.Add(time.Second),
	}))

	ops, err := store.List(ctx, 10)

	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, OpDeanonymize, ops[0].Op)
	assert.Equal(t, "unresolved_placeholder", ops[0].Kind)
	assert.NotEmpty(t, ops[0].ID)
	assert.Empty(t, ops[0].Labels)

	assert.Equal(t, OpAnonymize, ops[1].Op)
	assert.Equal(t, 2, ops[1].Entities)
	assert.Equal(t, map[string]int{"PERSON": 2}, ops[1].Labels)
	assert.Equal(t, 15*time.Millisecond, ops[1].Duration)
	assert.True(t, base.Equal(ops[1].CreatedAt))
}

func TestList_Limit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, Operation{Op: OpAnonymize}))
	}

	ops, err := store.List(ctx, 3)

	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

func TestSummary(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, Operation{Op: OpAnonymize, Entities: 2}))
	require.NoError(t, store.Record(ctx, Operation{Op: OpAnonymize, Entities: 3}))
	require.NoError(t, store.Record(ctx, Operation{Op: OpAnonymize, Kind: "service_unavailable"}))
	require.NoError(t, store.Record(ctx, Operation{Op: OpDeanonymize}))

	sum, err := store.Summary(ctx)

	require.NoError(t, err)
	assert.Equal(t, []OpSummary{
		{Op: OpAnonymize, Count: 3, Failed: 1, Entities: 5},
		{Op: OpDeanonymize, Count: 1, Failed: 0, Entities: 0},
	}, sum)
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), Operation{Op: OpAnonymize}))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	ops, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
	assert.Equal(t, path, store.Path())
}

func TestCountEntities(t *testing.T) {
	labels, total := CountEntities(anon.Mapping{
		{Placeholder: "[PERSON_1]", Original: "Alice"},
		{Placeholder: "[PERSON_2]", Original: "Bob"},
		{Placeholder: "[EMAIL_ADDRESS_1]", Original: "a@b.co"},
		{Placeholder: "[LITERAL_1]", Original: "[PERSON_1]"},
	})

	assert.Equal(t, map[string]int{"PERSON": 2, "EMAIL_ADDRESS": 1}, labels)
	assert.Equal(t, 3, total)
}
