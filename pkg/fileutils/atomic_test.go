package fileutils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteFile(t *testing.T) {
	t.Parallel()
	tempDir := t.TempDir()

	tests := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{"successful write", []byte(`{"test": "data"}`), 0o600},
		{"empty data", []byte{}, 0o600},
		{"large data", []byte(strings.Repeat("x", 10000)), 0o644},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			testPath := filepath.Join(tempDir, tt.name+".json")

			err := AtomicWriteFile(testPath, tt.data, tt.perm)
			require.NoError(t, err)

			content, readErr := os.ReadFile(testPath)
			require.NoError(t, readErr)
			assert.Equal(t, tt.data, content)

			info, statErr := os.Stat(testPath)
			require.NoError(t, statErr)
			assert.Equal(t, tt.perm, info.Mode().Perm())
		})
	}
}

func TestAtomicWriteFile_Overwrite(t *testing.T) {
	t.Parallel()
	targetPath := filepath.Join(t.TempDir(), "test.json")

	initialData := []byte(`{"initial": "data with more content to ensure truncation"}`)
	require.NoError(t, AtomicWriteFile(targetPath, initialData, 0o600))

	newData := []byte(`{"new": "data"}`)
	require.NoError(t, AtomicWriteFile(targetPath, newData, 0o600))

	content, err := os.ReadFile(targetPath)
	require.NoError(t, err)
	assert.Equal(t, newData, content)
	assert.Len(t, content, len(newData))
}

func TestAtomicWriteFile_NoTempFileLeftBehind(t *testing.T) {
	t.Parallel()
	tempDir := t.TempDir()
	targetPath := filepath.Join(tempDir, "test.json")

	require.NoError(t, AtomicWriteFile(targetPath, []byte(`{"test": "data"}`), 0o600))

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), ".tmp-"), "temp file should not remain: %s", entry.Name())
	}
}

func TestAtomicWriteFile_InvalidDirectory(t *testing.T) {
	t.Parallel()
	targetPath := "/nonexistent/directory/test.json"
	err := AtomicWriteFile(targetPath, []byte(`{"test": "data"}`), 0o600)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create temp file")
}

func TestAppendAndSync(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.log")

	require.NoError(t, AppendAndSync(path, []byte("line1\n"), 0o600))
	require.NoError(t, AppendAndSync(path, []byte("line2\n"), 0o600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(content))
}
