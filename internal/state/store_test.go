package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	s, err := NewFileStore(path)
	require.NoError(t, err)

	_, ok := s.GetString(KeyLastEngineKind)
	assert.False(t, ok)

	require.NoError(t, s.SetString(KeyLastEngineKind, "jedi"))
	require.NoError(t, s.SetBool("prompted", true))

	// Reload from disk and confirm persistence.
	reloaded, err := NewFileStore(path)
	require.NoError(t, err)

	v, ok := reloaded.GetString(KeyLastEngineKind)
	require.True(t, ok)
	assert.Equal(t, "jedi", v)

	b, ok := reloaded.GetBool("prompted")
	require.True(t, ok)
	assert.True(t, b)
}

func TestFileStoreCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "state.yaml")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SetString(KeyMachineID, "abc"))

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	_, err := NewFileStore(path)
	assert.Error(t, err)
}
