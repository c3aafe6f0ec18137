package pathtemplate

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// checksum returns the hex SHA-256 of the given files, or the SHA-256 of their sorted
// checksums when more than one file matches. Paths may be doublestar patterns like
// **/go.sum. Unreadable files are skipped with a warning; no files give an empty string.
func (e Expander) checksum(paths ...string) string {
	files := filterFilesOnly(e.evaluateGlobPatterns(paths))
	e.logger.Debugf("Files included in checksum:")
	for _, path := range files {
		e.logger.Debugf("- %s", path)
	}

	switch len(files) {
	case 0:
		e.logger.Warnf("No files to include in the checksum")
		return ""
	case 1:
		sum, err := checksumOfFile(files[0])
		if err != nil {
			e.logger.Warnf("Failed to compute checksum of %s: %s", files[0], err)
			return ""
		}
		return hex.EncodeToString(sum)
	}

	sort.Strings(files)
	final := sha256.New()
	for _, path := range files {
		sum, err := checksumOfFile(path)
		if err != nil {
			e.logger.Warnf("Failed to hash %s: %s", path, err)
			continue
		}
		final.Write(sum)
	}
	return hex.EncodeToString(final.Sum(nil))
}

func (e Expander) evaluateGlobPatterns(paths []string) []string {
	var result []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			result = append(result, e.abs(path))
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(e.workingDir), path)
		if err != nil {
			e.logger.Warnf("Invalid pattern %s: %s", path, err)
			continue
		}
		if len(matches) == 0 {
			e.logger.Warnf("No match for pattern: %s", path)
			continue
		}
		for _, match := range matches {
			result = append(result, e.abs(match))
		}
	}
	return result
}

func (e Expander) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workingDir, filepath.FromSlash(path))
}

func checksumOfFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return nil, err
	}
	return hash.Sum(nil), nil
}

func filterFilesOnly(paths []string) []string {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, path)
	}
	return files
}
