package contracts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewContract = `
fsm_type: REVIEW
initial_state: OPEN
states: [OPEN, IN_REVIEW, APPROVED, FAILED]
processing_states: [IN_REVIEW]
success_states: [APPROVED]
transitions:
  - {from_state: OPEN, trigger: START, to_state: IN_REVIEW}
  - {from_state: IN_REVIEW, trigger: APPROVE, to_state: APPROVED}
  - {from_state: "*", trigger: FAIL, to_state: FAILED}
`

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestDefaults(t *testing.T) {
	list, err := Defaults()
	require.NoError(t, err)

	types := make([]string, 0, len(list))
	for _, c := range list {
		types = append(types, c.FSMType)
	}
	assert.ElementsMatch(t, []string{"INGESTION", "PATTERN_LEARNING", "QUALITY_ASSESSMENT"}, types)

	reg, err := LoadRegistry("")
	require.NoError(t, err)
	ing, err := reg.Lookup("INGESTION")
	require.NoError(t, err)
	assert.Equal(t, "RECEIVED", ing.InitialState)

	target, err := ing.Resolve("RECEIVED", "START_PROCESSING", nil)
	require.NoError(t, err)
	assert.Equal(t, "PROCESSING", target)
	assert.True(t, ing.IsProcessing("PROCESSING"))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "review.yaml", reviewContract)
	writeFile(t, dir, "notes.txt", "ignored")

	reg, err := LoadRegistry(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"REVIEW"}, reg.Types())
	assert.Equal(t, "review", reg.Operation("REVIEW"))
}

func TestLoadDir_MultiDocument(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "all.yml", reviewContract+"\n---\n"+`
fsm_type: OTHER
initial_state: A
states: [A, B]
transitions:
  - {from_state: A, trigger: GO, to_state: B}
`)
	list, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestLoadDir_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown field", body: reviewContract + "\nextra: true\n", want: "extra"},
		{name: "bad initial", body: "fsm_type: X\ninitial_state: NOPE\nstates: [A]\ntransitions: []\n", want: "initial_state"},
		{name: "syntax", body: "fsm_type: [", want: "decode contract"},
		{name: "empty", body: "", want: "empty contract document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "bad.yaml", tt.body)

			_, err := LoadDir(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			var le *LoadError
			assert.ErrorAs(t, err, &le)
		})
	}
}

func TestLoadRegistry_DuplicateTypeAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", reviewContract)
	writeFile(t, dir, "b.yaml", reviewContract)

	_, err := LoadRegistry(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate contract")
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)

	_, err = LoadDir(t.TempDir())
	assert.Error(t, err)
}
