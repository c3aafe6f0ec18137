// Package compression streams zstd data and tar.zst archives to and from objects.
package compression

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Compress writes the zstd compressed content of src to dst and returns the number of
// uncompressed bytes read.
func Compress(dst io.Writer, src io.Reader) (int64, error) {
	zw, err := zstd.NewWriter(dst)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	n, err := io.Copy(zw, src)
	if err != nil {
		_ = zw.Close()
		return n, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("close zstd writer: %w", err)
	}
	return n, nil
}

// Decompress writes the decompressed content of the zstd stream src to dst.
func Decompress(dst io.Writer, src io.Reader) (int64, error) {
	zr, err := zstd.NewReader(src)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	n, err := io.Copy(dst, zr)
	if err != nil {
		return n, fmt.Errorf("decompress: %w", err)
	}
	return n, nil
}

// ArchiveDependencyChecker ...
type ArchiveDependencyChecker interface {
	CheckDependencies() bool
}

// DependencyChecker looks for the tar and zstd binaries.
type DependencyChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewDependencyChecker ...
func NewDependencyChecker(logger log.Logger, envRepo env.Repository) *DependencyChecker {
	return &DependencyChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (dc *DependencyChecker) CheckDependencies() bool {
	return dc.checkDependency("tar") && dc.checkDependency("zstd")
}

func (dc *DependencyChecker) checkDependency(binaryName string) bool {
	cmdFactory := command.NewFactory(dc.envRepo)
	cmd := cmdFactory.Create("which", []string{binaryName}, nil)
	dc.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Archiver streams tar.zst archives, using the installed binaries when available.
type Archiver struct {
	logger                   log.Logger
	envRepo                  env.Repository
	archiveDependencyChecker ArchiveDependencyChecker
}

// NewArchiver ...
func NewArchiver(logger log.Logger, envRepo env.Repository, archiveDependencyChecker ArchiveDependencyChecker) *Archiver {
	return &Archiver{
		logger:                   logger,
		envRepo:                  envRepo,
		archiveDependencyChecker: archiveDependencyChecker,
	}
}

// Archive writes a tar.zst archive of the provided files and folders to w. Entries keep
// the cleaned paths they were given with.
func (a *Archiver) Archive(w io.Writer, includePaths []string) error {
	if !a.archiveDependencyChecker.CheckDependencies() {
		a.logger.Debugf("Falling back to native implementation of zstd.")
		if err := archiveWithGoLib(w, includePaths); err != nil {
			return fmt.Errorf("archive files: %w", err)
		}
		return nil
	}

	a.logger.Debugf("Using installed zstd binary")
	// -P keeps absolute paths on both BSD and GNU tar, -f - writes to stdout.
	args := []string{"--use-compress-program", "zstd --threads=0", "-P", "-c", "-f", "-"}
	args = append(args, includePaths...)
	if err := a.runTar(args, &command.Opts{Stdout: w}); err != nil {
		return fmt.Errorf("archive files: %w", err)
	}
	return nil
}

// Extract unpacks the tar.zst archive read from r into destinationDirectory. With an
// empty destinationDirectory entries are restored at their archived paths.
func (a *Archiver) Extract(r io.Reader, destinationDirectory string) error {
	if !a.archiveDependencyChecker.CheckDependencies() {
		a.logger.Debugf("Falling back to native implementation of zstd.")
		if err := extractWithGoLib(r, destinationDirectory); err != nil {
			return fmt.Errorf("extract archive: %w", err)
		}
		return nil
	}

	a.logger.Debugf("Using installed zstd binary")
	args := []string{"--use-compress-program", "zstd -d", "-x", "-f", "-", "-P"}
	if destinationDirectory != "" {
		args = append(args, "--directory", destinationDirectory)
	}
	if err := a.runTar(args, &command.Opts{Stdin: r}); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}
	return nil
}

func (a *Archiver) runTar(args []string, opts *command.Opts) error {
	cmd := command.NewFactory(a.envRepo).Create("tar", args, opts)
	a.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s)", exitErr.ExitCode(), cmd.PrintableCommandArgs())
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}
	return nil
}

func archiveWithGoLib(w io.Writer, includePaths []string) error {
	zstdWriter, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zstdWriter)

	for _, p := range includePaths {
		if err := filepath.Walk(filepath.Clean(p), func(file string, fi os.FileInfo, e error) error {
			if e != nil {
				return e
			}
			return addToArchive(tw, file, fi)
		}); err != nil {
			return fmt.Errorf("iterate on files: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func addToArchive(tw *tar.Writer, file string, fi os.FileInfo) error {
	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(file); err != nil {
			return fmt.Errorf("read symlink: %w", err)
		}
	}

	header, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return fmt.Errorf("create file info header: %w", err)
	}
	header.Name = filepath.ToSlash(filepath.Clean(file))
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar file header: %w", err)
	}

	// nothing more to do for non-regular files
	if !fi.Mode().IsRegular() {
		return nil
	}

	data, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer data.Close() //nolint:errcheck
	if _, err := io.Copy(tw, data); err != nil {
		return fmt.Errorf("copy to archive: %w", err)
	}
	return nil
}

func extractWithGoLib(r io.Reader, destinationDirectory string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar file: %w", err)
		}

		target := filepath.FromSlash(header.Name)
		if destinationDirectory != "" {
			target = filepath.Join(destinationDirectory, target)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
			if err := writeFile(target, os.FileMode(header.Mode), tr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink file: %w", err)
			}
		}
	}
}

func writeFile(target string, mode os.FileMode, r io.Reader) error {
	fileToWrite, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(fileToWrite, r); err != nil {
		_ = fileToWrite.Close()
		return fmt.Errorf("copy content to file: %w", err)
	}
	if err := fileToWrite.Close(); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// AreAllPathsEmpty checks if the provided paths are all nonexistent files or empty directories.
func AreAllPathsEmpty(includePaths []string) bool {
	for _, path := range includePaths {
		fileInfo, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil || !fileInfo.IsDir() {
			return false
		}

		entries, err := os.ReadDir(path)
		if err != nil || len(entries) > 0 {
			return false
		}
	}
	return true
}
