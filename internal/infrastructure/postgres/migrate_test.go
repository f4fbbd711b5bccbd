package postgres

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "notes.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755))

	files, err := migrationFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "001_a.sql"), filepath.Join(dir, "002_b.sql")}, files)

	_, err = migrationFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestMigrationsDirIsValid(t *testing.T) {
	files, err := migrationFiles(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "001_fsm_states.sql", filepath.Base(files[0]))
}
