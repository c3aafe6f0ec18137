package main

import (
	"fmt"
	"sort"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newStatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Print the metadata of an object",
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

			stat, err := client.Stat(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", path, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Path: %s\n", stat.Path)
			fmt.Fprintf(out, "Size: %d (%s)\n", stat.Size, units.HumanSize(float64(stat.Size)))
			fmt.Fprintf(out, "Created: %s\n", formatTime(stat.Created))
			fmt.Fprintf(out, "ETag: %s\n", stat.ETag)
			fmt.Fprintf(out, "Content-Type: %s\n", stat.ContentType)

			keys := make([]string, 0, len(stat.Metadata))
			for key := range stat.Metadata {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(out, "Metadata %s: %s\n", key, stat.Metadata[key])
			}
			return nil
		},
	}
}
