package main

import (
	"fmt"
	"os"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/compression"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/upload"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

type cpOptions struct {
	contentType string
	acl         string
	metadata    []string
	compress    bool
	archive     bool
}

func newCpCmd(a *app) *cobra.Command {
	var opts cpOptions

	cmd := &cobra.Command{
		Use:   "cp <local path>... <object path>",
		Short: "Upload a local file to an object",
		Long: `Uploads a local file to an object in resumable chunks.

With --archive the local paths (files or directories) are uploaded as one tar.zst archive.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources := args[:len(args)-1]
			if len(sources) > 1 && !opts.archive {
				return fmt.Errorf("multiple local paths require --archive")
			}
			dest, err := a.objectPath(args[len(args)-1])
			if err != nil {
				return err
			}

			uploadOpts, err := opts.uploadOptions()
			if err != nil {
				return err
			}

			var paths []string
			for _, source := range sources {
				path, err := a.localPath(source)
				if err != nil {
					return err
				}
				exists, err := a.pathChecker.IsPathExists(path)
				if err != nil {
					return fmt.Errorf("failed to check %s: %w", path, err)
				}
				if !exists {
					return fmt.Errorf("local path doesn't exist: %s", source)
				}
				paths = append(paths, path)
			}

			client, err := a.storage(cmd.Context())
			if err != nil {
				return err
			}

			var result upload.Result
			switch {
			case opts.archive:
				result, err = a.uploadArchive(cmd, client, paths, dest, uploadOpts)
			case opts.compress:
				result, err = a.uploadCompressed(cmd, client, paths[0], dest, uploadOpts)
			default:
				result, err = uploadFile(cmd, client, paths[0], dest, uploadOpts)
			}
			if err != nil {
				return fmt.Errorf("failed to upload to %s: %w", dest, err)
			}

			a.logger.Donef("Uploaded %s (%s, %d chunks)", result.Path, units.HumanSize(float64(result.Size)), result.Chunks)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.contentType, "content-type", "", "Content type of the object")
	cmd.Flags().StringVar(&opts.acl, "acl", "", "Canned ACL of the object, e.g. public-read")
	cmd.Flags().StringArrayVar(&opts.metadata, "meta", nil, "Custom metadata as key=value, can be repeated")
	cmd.Flags().BoolVar(&opts.compress, "zstd", false, "Compress the file with zstd before uploading")
	cmd.Flags().BoolVar(&opts.archive, "archive", false, "Upload the local paths as a tar.zst archive")
	return cmd
}

func (o cpOptions) uploadOptions() (upload.Options, error) {
	metadata, err := parseKeyValue(o.metadata)
	if err != nil {
		return upload.Options{}, err
	}
	options := map[string]string{}
	if o.acl != "" {
		options["x-goog-acl"] = o.acl
	}
	for key, value := range metadata {
		options["x-goog-meta-"+key] = value
	}
	return upload.Options{ContentType: o.contentType, Options: options}, nil
}

func uploadFile(cmd *cobra.Command, client *cloudstorage.Client, path, dest string, opts upload.Options) (upload.Result, error) {
	provider, err := upload.NewFileChunkProvider(path, int64(client.Config().UploadChunkSize))
	if err != nil {
		return upload.Result{}, err
	}
	defer provider.Close()

	return client.Upload(cmd.Context(), dest, provider, opts)
}

func (a *app) uploadCompressed(cmd *cobra.Command, client *cloudstorage.Client, path, dest string, opts upload.Options) (upload.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return upload.Result{}, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			a.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	w, err := client.Create(cmd.Context(), dest, opts)
	if err != nil {
		return upload.Result{}, err
	}
	if _, err := compression.Compress(w, f); err != nil {
		return upload.Result{}, err
	}
	if err := w.Close(); err != nil {
		return upload.Result{}, err
	}
	return w.Result(), nil
}

func (a *app) uploadArchive(cmd *cobra.Command, client *cloudstorage.Client, paths []string, dest string, opts upload.Options) (upload.Result, error) {
	if compression.AreAllPathsEmpty(paths) {
		a.logger.Warnf("All paths are empty, the archive will have no files")
	}

	w, err := client.Create(cmd.Context(), dest, opts)
	if err != nil {
		return upload.Result{}, err
	}
	if err := a.archiver.Archive(w, paths); err != nil {
		return upload.Result{}, err
	}
	if err := w.Close(); err != nil {
		return upload.Result{}, err
	}
	return w.Result(), nil
}
