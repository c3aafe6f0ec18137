package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/compression"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

// Smaller objects are read sequentially, got splits objects into chunks of at least 2MB.
const parallelDownloadThreshold = 4 * units.MiB

func newGetCmd(a *app) *cobra.Command {
	var decompress, extract bool

	cmd := &cobra.Command{
		Use:   "get <object path> <local path>",
		Short: "Download an object to a local file",
		Long: `Downloads an object to a local file.

With --extract the object is treated as a tar.zst archive and unpacked into the local directory.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := a.objectPath(args[0])
			if err != nil {
				return err
			}
			dest, err := a.localPath(args[1])
			if err != nil {
				return err
			}

			client, err := a.storage(cmd.Context())
			if err != nil {
				return err
			}
			path, err := client.Resolve(src)
			if err != nil {
				return err
			}

			if extract {
				err = a.extract(cmd.Context(), client, path, dest)
			} else {
				err = a.download(cmd.Context(), client, path, dest, decompress)
			}
			if err != nil {
				return fmt.Errorf("failed to download %s: %w", src, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&decompress, "zstd", false, "Decompress zstd content")
	cmd.Flags().BoolVar(&extract, "extract", false, "Extract a tar.zst archive into the local directory")
	return cmd
}

func (a *app) extract(ctx context.Context, client *cloudstorage.Client, path, dest string) error {
	r, err := client.Open(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	if err := a.archiver.Extract(r, dest); err != nil {
		return err
	}
	a.logger.Donef("Extracted %s to %s", path, dest)
	return nil
}

func (a *app) download(ctx context.Context, client *cloudstorage.Client, path, dest string, decompress bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	if httpTransport, ok := client.Transport().(*transport.HTTP); ok && !decompress {
		stat, err := client.Stat(ctx, path)
		if err != nil {
			return err
		}
		if stat.Size >= parallelDownloadThreshold {
			if err := httpTransport.DownloadFile(ctx, path, dest); err != nil {
				return err
			}
			a.logger.Donef("Downloaded %s to %s (%s)", path, dest, units.HumanSize(float64(stat.Size)))
			return nil
		}
	}

	r, err := client.Open(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}

	var written int64
	if decompress {
		written, err = compression.Decompress(f, r)
	} else {
		written, err = io.Copy(f, r)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	a.logger.Donef("Downloaded %s to %s (%s)", path, dest, units.HumanSize(float64(written)))
	return nil
}
