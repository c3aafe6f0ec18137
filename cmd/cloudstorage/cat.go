package main

import (
	"fmt"
	"io"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/compression"
	"github.com/spf13/cobra"
)

func newCatCmd(a *app) *cobra.Command {
	var decompress bool
	var offset int64

	cmd := &cobra.Command{
		Use:   "cat <path>",
		Short: "Print the content of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.objectPath(args[0])
			if err != nil {
				return err
			}
			client, err := a.storage(cmd.Context())
			if err != nil {
				return err
			}

			r, err := client.Open(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
			defer func() {
				if err := r.Close(); err != nil {
					a.logger.Warnf("Failed to close %s: %s", path, err)
				}
			}()

			if offset > 0 {
				if _, err := r.Seek(offset, io.SeekStart); err != nil {
					return err
				}
			}

			if decompress {
				_, err = compression.Decompress(cmd.OutOrStdout(), r)
			} else {
				_, err = io.Copy(cmd.OutOrStdout(), r)
			}
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&decompress, "zstd", false, "Decompress zstd content")
	cmd.Flags().Int64Var(&offset, "offset", 0, "Start printing at this byte offset")
	return cmd
}
