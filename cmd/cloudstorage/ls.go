package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/listing"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newLsCmd(a *app) *cobra.Command {
	var opts listing.Options
	var glob string
	var long bool

	cmd := &cobra.Command{
		Use:   "ls [bucket]",
		Short: "List the objects of a bucket",
		Long: `Lists the objects of a bucket in key order, following the pagination of the service.

The last printed marker can be passed to --marker to continue an interrupted listing.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if glob != "" && !doublestar.ValidatePattern(glob) {
				return fmt.Errorf("invalid glob pattern: %s", glob)
			}

			client, err := a.storage(cmd.Context())
			if err != nil {
				return err
			}
			bucket := ""
			if len(args) > 0 {
				bucket = args[0]
			}

			lister, err := client.ListBucket(bucket, opts)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for {
				entry, err := lister.Next(cmd.Context())
				if errors.Is(err, listing.Done) {
					break
				}
				if err != nil {
					_ = w.Flush()
					return fmt.Errorf("listing stopped at marker %q: %w", lister.Marker(), err)
				}

				if glob != "" {
					match, err := doublestar.Match(glob, objectKey(entry.Path))
					if err != nil {
						return err
					}
					if !match {
						continue
					}
				}

				if long {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", units.HumanSize(float64(entry.Size)), formatTime(entry.Created), entry.ETag, entry.Path)
				} else {
					fmt.Fprintln(w, entry.Path)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "Only list keys starting with this prefix")
	cmd.Flags().StringVar(&opts.Marker, "marker", "", "Start listing after this key")
	cmd.Flags().IntVar(&opts.MaxKeys, "max-keys", 0, "Maximum number of entries to list, 0 lists all")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 0, "Number of entries requested per page")
	cmd.Flags().StringVar(&glob, "glob", "", "Only print keys matching this pattern, e.g. 'logs/**/*.txt'")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Print size, creation time and etag")
	return cmd
}

func objectKey(path string) string {
	if _, name, err := object.SplitPath(path); err == nil {
		return name
	}
	return strings.TrimPrefix(path, "/")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
