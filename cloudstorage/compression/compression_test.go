package compression

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	available bool
}

func (c fakeChecker) CheckDependencies() bool {
	return c.available
}

func TestCompressDecompress(t *testing.T) {
	content := strings.Repeat("cloud storage ", 1000)

	var compressed bytes.Buffer
	n, err := Compress(&compressed, strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Less(t, compressed.Len(), len(content))

	var decompressed bytes.Buffer
	n, err = Decompress(&decompressed, &compressed)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, decompressed.String())
}

func TestDecompress_InvalidInput(t *testing.T) {
	_, err := Decompress(&bytes.Buffer{}, strings.NewReader("not zstd at all"))
	assert.Error(t, err)
}

func TestArchiver_NativeRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "dir", "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "dir", "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "dir", "nested", "b.txt"), []byte("world"), 0600))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "dir", "link")))

	archiver := NewArchiver(log.NewLogger(), env.NewRepository(), fakeChecker{})

	var archive bytes.Buffer
	require.NoError(t, archiver.Archive(&archive, []string{filepath.Join(src, "dir")}))

	dest := t.TempDir()
	require.NoError(t, archiver.Extract(&archive, dest))

	restored := filepath.Join(dest, src, "dir")
	b, err := os.ReadFile(filepath.Join(restored, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	b, err = os.ReadFile(filepath.Join(restored, "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(b))
	link, err := os.Readlink(filepath.Join(restored, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", link)
}

func TestArchiver_MissingPath(t *testing.T) {
	archiver := NewArchiver(log.NewLogger(), env.NewRepository(), fakeChecker{})
	err := archiver.Archive(&bytes.Buffer{}, []string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestAreAllPathsEmpty(t *testing.T) {
	basePath := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(basePath, "empty_dir"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(basePath, "dir_with_dir_child", "nested_empty_dir"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(basePath, "file.txt"), []byte("hello"), 0600))

	tests := []struct {
		name         string
		includePaths []string
		want         bool
	}{
		{name: "single empty dir", includePaths: []string{filepath.Join(basePath, "empty_dir")}, want: true},
		{name: "file", includePaths: []string{filepath.Join(basePath, "file.txt")}, want: false},
		{name: "empty dir within dir", includePaths: []string{filepath.Join(basePath, "dir_with_dir_child")}, want: false},
		{name: "nonexistent and empty", includePaths: []string{filepath.Join(basePath, "nope"), filepath.Join(basePath, "empty_dir")}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AreAllPathsEmpty(tt.includePaths))
		})
	}
}
