package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestContractsValidate_Defaults(t *testing.T) {
	out, err := runCommand(t, "contracts", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "INGESTION: 5 states")
	assert.Contains(t, out, "PATTERN_LEARNING:")
	assert.Contains(t, out, "QUALITY_ASSESSMENT:")
}

func TestContractsValidate_Dir(t *testing.T) {
	dir := t.TempDir()
	contract := `fsm_type: REVIEW
initial_state: OPEN
states: [OPEN, CLOSED]
transitions:
  - from_state: OPEN
    trigger: CLOSE
    to_state: CLOSED
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(contract), 0o644))

	out, err := runCommand(t, "contracts", "validate", dir)
	require.NoError(t, err)
	assert.Equal(t, "REVIEW: 2 states, 1 transitions, initial OPEN\n", out)
}

func TestContractsValidate_Rejects(t *testing.T) {
	dir := t.TempDir()
	broken := `fsm_type: REVIEW
initial_state: OPEN
states: [OPEN]
transitions:
  - from_state: OPEN
    trigger: CLOSE
    to_state: MISSING
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(broken), 0o644))

	_, err := runCommand(t, "contracts", "validate", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid contracts")

	_, err = runCommand(t, "contracts", "validate", filepath.Join(dir, "nope"))
	require.Error(t, err)
}
