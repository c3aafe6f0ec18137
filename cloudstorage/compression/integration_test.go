//go:build integration
// +build integration

package compression

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkTools(t *testing.T) {
	for _, tool := range []string{"tar", "zstd"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Fatalf("%s is required for integration tests", tool)
		}
	}
}

func listArchiveContents(t *testing.T, path string) []string {
	output, err := command.NewFactory(env.NewRepository()).
		Create("tar", []string{"--use-compress-program", "zstd -d", "-tPf", path}, nil).
		RunAndReturnTrimmedCombinedOutput()
	require.NoError(t, err, output)

	contents := strings.Split(output, "\n")
	for i, content := range contents {
		contents[i] = strings.TrimSuffix(content, string(os.PathSeparator))
	}
	return contents
}

func Test_ArchiveWithBinaryAndGoLib(t *testing.T) {
	checkTools(t)

	testCases := []struct {
		name      string
		zstdFound bool
	}{
		{name: "zstd installed=true", zstdFound: true},
		{name: "zstd installed=false", zstdFound: false},
	}
	for _, tc := range testCases {
		zstdFound := tc.zstdFound
		t.Run(tc.name, func(t *testing.T) {
			// Given
			dir := t.TempDir()
			src := filepath.Join(dir, "subfolder")
			require.NoError(t, os.MkdirAll(src, 0755))
			require.NoError(t, os.WriteFile(filepath.Join(src, "nested_file.txt"), []byte("nested"), 0644))

			logger := log.NewLogger()
			envRepo := env.NewRepository()
			archiver := NewArchiver(logger, envRepo, fakeChecker{available: zstdFound})

			// When
			var archive bytes.Buffer
			require.NoError(t, archiver.Archive(&archive, []string{src}))
			archivePath := filepath.Join(dir, "archive.tzst")
			require.NoError(t, os.WriteFile(archivePath, archive.Bytes(), 0644))

			// Then
			assert.ElementsMatch(t, []string{src, filepath.Join(src, "nested_file.txt")}, listArchiveContents(t, archivePath))

			for _, extractWithBinary := range []bool{true, false} {
				dest := filepath.Join(dir, "dest")
				require.NoError(t, os.RemoveAll(dest))
				require.NoError(t, os.MkdirAll(dest, 0755))

				extractor := NewArchiver(logger, envRepo, fakeChecker{available: extractWithBinary})
				require.NoError(t, extractor.Extract(bytes.NewReader(archive.Bytes()), dest))

				// absolute entries are restored at their own path by the tar binary
				target := filepath.Join(dest, src, "nested_file.txt")
				if extractWithBinary {
					target = filepath.Join(src, "nested_file.txt")
				}
				content, err := os.ReadFile(target)
				require.NoError(t, err)
				assert.Equal(t, "nested", string(content))
			}
		})
	}
}
