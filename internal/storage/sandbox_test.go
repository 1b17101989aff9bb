package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := NewSandbox(t.TempDir())
	require.NoError(t, err)
	return sb
}

func TestNewSandbox(t *testing.T) {
	sandboxDir := filepath.Join(t.TempDir(), "sandbox")

	sb, err := NewSandbox(sandboxDir)
	require.NoError(t, err)

	info, err := os.Stat(sandboxDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, filepath.IsAbs(sb.BaseDir()))
}

func TestSandbox_ResolvePath(t *testing.T) {
	sb := setupTestSandbox(t)

	tests := []struct {
		name        string
		path        string
		shouldError bool
	}{
		{"simple file", "test.txt", false},
		{"nested path", "renditions/01H/480p/index.m3u8", false},
		{"current dir", ".", false},
		{"parent escape attempt", "../escape.txt", true},
		{"nested parent escape", "originals/../../escape.txt", true},
		{"absolute path escape", "/etc/passwd", true},
		{"dot dot name", "..test", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := sb.ResolvePath(tt.path)
			if tt.shouldError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "escapes sandbox")
			} else {
				assert.NoError(t, err)
				assert.True(t, strings.HasPrefix(resolved, sb.BaseDir()))
			}
		})
	}
}

func TestSandbox_AtomicWriteReader(t *testing.T) {
	sb := setupTestSandbox(t)

	n, err := sb.AtomicWriteReader("a/b/file.bin", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	data, err := os.ReadFile(filepath.Join(sb.BaseDir(), "a", "b", "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	leftovers, err := filepath.Glob(filepath.Join(sb.BaseDir(), "a", "b", ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSandbox_RemoveMissingIsNoop(t *testing.T) {
	sb := setupTestSandbox(t)
	assert.NoError(t, sb.Remove("nothing/here.txt"))
	assert.NoError(t, sb.RemoveAll("nothing"))
}

func TestSandbox_RemoveAll_CannotRemoveBase(t *testing.T) {
	sb := setupTestSandbox(t)
	assert.Error(t, sb.RemoveAll("."))
}

func TestSandbox_AtomicPublish(t *testing.T) {
	sb := setupTestSandbox(t)
	src := filepath.Join(t.TempDir(), "upload.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video"), 0o644))

	require.NoError(t, sb.AtomicPublish(src, "originals/x/upload.mp4"))

	exists, err := sb.Exists("originals/x/upload.mp4")
	require.NoError(t, err)
	assert.True(t, exists)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestSandbox_PublishDir_ReplacesTarget(t *testing.T) {
	sb := setupTestSandbox(t)

	old := filepath.Join(t.TempDir(), "old")
	writeTree(t, old, map[string]string{"master.m3u8": "old", "1080p/index.m3u8": "old"})
	require.NoError(t, sb.PublishDir(old, "renditions/a"))

	fresh := filepath.Join(t.TempDir(), "fresh")
	writeTree(t, fresh, map[string]string{"master.m3u8": "new", "480p/index.m3u8": "new"})
	require.NoError(t, sb.PublishDir(fresh, "renditions/a"))

	data, err := os.ReadFile(filepath.Join(sb.BaseDir(), "renditions", "a", "master.m3u8"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.NoDirExists(t, filepath.Join(sb.BaseDir(), "renditions", "a", "1080p"))
	assert.FileExists(t, filepath.Join(sb.BaseDir(), "renditions", "a", "480p", "index.m3u8"))

	staging, err := filepath.Glob(filepath.Join(sb.BaseDir(), "renditions", "a.publish-*"))
	require.NoError(t, err)
	assert.Empty(t, staging)
}

func TestSandbox_PublishDir_RejectsBase(t *testing.T) {
	sb := setupTestSandbox(t)
	assert.Error(t, sb.PublishDir(t.TempDir(), "."))
}

func TestSandbox_CleanupEmptyDirs(t *testing.T) {
	sb := setupTestSandbox(t)
	require.NoError(t, sb.MkdirAll("originals/a/b"))
	writeTree(t, sb.BaseDir(), map[string]string{"originals/c/keep.txt": "x"})

	require.NoError(t, sb.CleanupEmptyDirs("originals"))

	assert.NoDirExists(t, filepath.Join(sb.BaseDir(), "originals", "a"))
	assert.FileExists(t, filepath.Join(sb.BaseDir(), "originals", "c", "keep.txt"))
	assert.DirExists(t, filepath.Join(sb.BaseDir(), "originals"))
}

func TestSandbox_Walk(t *testing.T) {
	sb := setupTestSandbox(t)
	writeTree(t, sb.BaseDir(), map[string]string{"w/one.txt": "1", "w/two/three.txt": "3"})

	var files []string
	err := sb.Walk("w", func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if !info.IsDir() {
			files = append(files, filepath.ToSlash(path))
		}
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w/one.txt", "w/two/three.txt"}, files)
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.ts": "seg", "v/index.m3u8": "pl"})
	dst := filepath.Join(t.TempDir(), "copy")

	require.NoError(t, copyTree(src, dst))
	data, err := os.ReadFile(filepath.Join(dst, "v", "index.m3u8"))
	require.NoError(t, err)
	assert.Equal(t, "pl", string(data))
}
