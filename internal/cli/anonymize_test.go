package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
)

func TestAnonymizeCmd_Use(t *testing.T) {
	assert.Equal(t, "anonymize [file]", anonymizeCmd.Use)
}

func TestAnonymizeCmd_HasMappingOutFlag(t *testing.T) {
	flag := anonymizeCmd.Flags().Lookup("mapping-out")
	require.NotNil(t, flag, "mapping-out flag should exist")
	assert.Equal(t, "m", flag.Shorthand)
}

func TestAnonymizeCmd_JSONFromStdin(t *testing.T) {
	out, err := execute(t, "mail alice@example.com please", "anonymize", "--json")

	require.NoError(t, err)
	var doc anon.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "mail [EMAIL_ADDRESS_1] please", doc.AnonymizedText)
	assert.Equal(t, anon.Mapping{{Placeholder: "[EMAIL_ADDRESS_1]", Original: "alice@example.com"}}, doc.Mapping)
}

func TestAnonymizeCmd_MappingOut(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.txt")
	mappingPath := filepath.Join(dir, "mapping.json")
	require.NoError(t, os.WriteFile(input, []byte("write to bob@example.org"), 0o600))

	out, err := execute(t, "", "anonymize", input, "--mapping-out", mappingPath)

	require.NoError(t, err)
	assert.Equal(t, "write to [EMAIL_ADDRESS_1]", out)

	info, err := os.Stat(mappingPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	m, err := readMapping(mappingPath)
	require.NoError(t, err)
	assert.Equal(t, anon.Mapping{{Placeholder: "[EMAIL_ADDRESS_1]", Original: "bob@example.org"}}, m)
}

func TestAnonymizeCmd_NothingSensitiveWritesEmptyMapping(t *testing.T) {
	mappingPath := filepath.Join(t.TempDir(), "mapping.json")

	out, err := execute(t, "nothing to see", "anonymize", "-m", mappingPath)

	require.NoError(t, err)
	assert.Equal(t, "nothing to see", out)
	data, err := os.ReadFile(mappingPath)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestAnonymizeCmd_RequiresMappingDestination(t *testing.T) {
	_, err := execute(t, "alice@example.com", "anonymize")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapping would be lost")
}

func TestAnonymizeCmd_MissingFile(t *testing.T) {
	_, err := execute(t, "", "anonymize", filepath.Join(t.TempDir(), "missing.txt"), "--json")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading input")
}
