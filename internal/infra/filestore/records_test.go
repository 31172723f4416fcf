package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRecord struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestRecordDir_WriteReadOverwrite(t *testing.T) {
	dir, err := NewRecordDir[sampleRecord](t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, dir.Write("run-1", sampleRecord{ID: "run-1", Status: "PENDING"}))
	require.NoError(t, dir.Write("run-1", sampleRecord{ID: "run-1", Status: "RUNNING"}))

	got, ok, err := dir.Read("run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "RUNNING", got.Status)

	path, err := dir.Path("run-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir.Root(), "run-1.json"), path)
}

func TestRecordDir_ReadMissing(t *testing.T) {
	dir, err := NewRecordDir[sampleRecord](t.TempDir(), 0)
	require.NoError(t, err)

	_, ok, err := dir.Read("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordDir_ReadCorrupt(t *testing.T) {
	dir, err := NewRecordDir[sampleRecord](t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir.Root(), "bad.json"), []byte("{"), 0o600))

	_, _, err = dir.Read("bad")
	assert.Error(t, err)
}

func TestRecordDir_KeysSkipsTempAndForeignFiles(t *testing.T) {
	root := t.TempDir()
	dir, err := NewRecordDir[sampleRecord](root, 0)
	require.NoError(t, err)

	require.NoError(t, dir.Write("b", sampleRecord{ID: "b"}))
	require.NoError(t, dir.Write("a", sampleRecord{ID: "a"}))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".a.json.123.tmp"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "archive"), 0o755))

	keys, err := dir.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestRecordDir_DeleteAndMove(t *testing.T) {
	root := t.TempDir()
	archive := filepath.Join(t.TempDir(), "archive")
	dir, err := NewRecordDir[sampleRecord](root, 0)
	require.NoError(t, err)

	require.NoError(t, dir.Write("gone", sampleRecord{ID: "gone"}))
	require.NoError(t, dir.Write("kept", sampleRecord{ID: "kept"}))

	require.NoError(t, dir.Delete("gone"))
	require.NoError(t, dir.Delete("gone"))
	require.NoError(t, dir.Move("kept", archive))

	keys, err := dir.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = os.Stat(filepath.Join(archive, "kept.json"))
	assert.NoError(t, err)
}

func TestRecordDir_RejectsUnsafeKeys(t *testing.T) {
	dir, err := NewRecordDir[sampleRecord](t.TempDir(), 0)
	require.NoError(t, err)

	for _, key := range []string{"", "../escape", "a/b", `a\b`, ".hidden"} {
		assert.Error(t, dir.Write(key, sampleRecord{}), key)
	}
}
