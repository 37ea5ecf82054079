package persistence_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/GTJasonMK/AnyRounterTool/internal/infra/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON_CreatesDirAndLeavesNoTemp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, persistence.WriteJSON(path, map[string]int{"version": 1}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(data))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFile_ReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, persistence.WriteFile(path, []byte("old")))
	require.NoError(t, persistence.WriteFile(path, []byte("new")))

	data, err := persistence.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestReadFile_Missing(t *testing.T) {
	data, err := persistence.ReadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Nil(t, data)
}
