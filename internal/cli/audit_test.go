package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/gonka-anonymizer/internal/audit"
)

func seedAudit(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := audit.Open(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, audit.Operation{
		Op:        audit.OpAnonymize,
		Entities:  3,
		Labels:    map[string]int{"PERSON": 2, "EMAIL_ADDRESS": 1},
		CreatedAt: base,
	}))
	require.NoError(t, store.Record(ctx, audit.Operation{
		Op:        audit.OpDeanonymize,
		Kind:      "unresolved_placeholder",
		CreatedAt: base.Add(time.Minute),
	}))
	return path
}

func TestAuditCmd_Subcommands(t *testing.T) {
	names := make([]string, 0, 2)
	for _, c := range auditCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"list", "summary"}, names)
}

func TestAuditListCmd_HasLimitFlag(t *testing.T) {
	flag := auditListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag, "limit flag should exist")
	assert.Equal(t, "n", flag.Shorthand)
	assert.Equal(t, "20", flag.DefValue)
}

func TestAuditList(t *testing.T) {
	path := seedAudit(t)

	out, err := execute(t, "", "audit", "list", "--db", path)

	require.NoError(t, err)
	assert.Contains(t, out, "anonymize")
	assert.Contains(t, out, "EMAIL_ADDRESS=1 PERSON=2")
	assert.Contains(t, out, "unresolved_placeholder")
}

func TestAuditList_JSON(t *testing.T) {
	path := seedAudit(t)

	out, err := execute(t, "", "audit", "list", "--db", path, "--json", "--limit", "1")

	require.NoError(t, err)
	var ops []audit.Operation
	require.NoError(t, json.Unmarshal([]byte(out), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, audit.OpDeanonymize, ops[0].Op)
}

func TestAuditList_FromEnv(t *testing.T) {
	path := seedAudit(t)
	isolateEnv(t)
	resetFlags(rootCmd)
	t.Setenv("AUDIT_DB", path)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"audit", "list"})
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	}()

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "deanonymize")
}

func TestAuditSummary(t *testing.T) {
	path := seedAudit(t)

	out, err := execute(t, "", "audit", "summary", "--db", path)

	require.NoError(t, err)
	assert.Contains(t, out, "anonymize    1 calls, 0 failed, 3 entities")
	assert.Contains(t, out, "deanonymize  1 calls, 1 failed, 0 entities")
}

func TestAuditSummary_Empty(t *testing.T) {
	out, err := execute(t, "", "audit", "summary", "--db", filepath.Join(t.TempDir(), "empty.db"))

	require.NoError(t, err)
	assert.Contains(t, out, "No operations recorded.")
}

func TestAudit_NoDatabase(t *testing.T) {
	_, err := execute(t, "", "audit", "list")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no audit database")
}

func TestFormatLabels(t *testing.T) {
	assert.Equal(t, "", formatLabels(nil))
	assert.Equal(t, "A=1 B=2", formatLabels(map[string]int{"B": 2, "A": 1}))
}
