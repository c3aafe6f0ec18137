package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/compression"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/pathtemplate"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/spf13/cobra"
)

// app holds what the commands share. The client is created on first use so that
// commands which do not talk to a service need no configuration.
type app struct {
	envRepo      env.Repository
	logger       log.Logger
	out          io.Writer
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	archiver     *compression.Archiver
	expander     pathtemplate.Expander

	debug  bool
	client *cloudstorage.Client
}

func newApp(envRepo env.Repository, logger log.Logger, out io.Writer) *app {
	workingDir, err := os.Getwd()
	if err != nil {
		logger.Warnf("Failed to get working directory: %s", err)
	}
	return &app{
		envRepo:      envRepo,
		logger:       logger,
		out:          out,
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
		archiver:     compression.NewArchiver(logger, envRepo, compression.NewDependencyChecker(logger, envRepo)),
		expander:     pathtemplate.NewExpander(envRepo, logger, workingDir),
	}
}

func (a *app) storage(ctx context.Context) (*cloudstorage.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	client, err := cloudstorage.NewClientFromEnv(ctx, a.envRepo, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	a.client = client
	return client, nil
}

// objectPath evaluates the template actions of an object path.
func (a *app) objectPath(path string) (string, error) {
	expanded, err := a.expander.Expand(path)
	if err != nil {
		return "", err
	}
	if expanded != path {
		a.logger.Debugf("Object path %s evaluated to %s", path, expanded)
	}
	return expanded, nil
}

// localPath resolves ~ and environment variables in a local file path.
func (a *app) localPath(path string) (string, error) {
	abs, err := a.pathModifier.AbsPath(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return abs, nil
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloudstorage",
		Short: "Work with objects of a cloud storage service",
		Long: `Reads, uploads, lists and deletes objects of a storage service.

The service is configured with environment variables, see CLOUDSTORAGE_BACKEND,
CLOUDSTORAGE_API_URL and CLOUDSTORAGE_ACCESS_TOKEN. Object paths have the form
/bucket/object; relative paths are resolved against CLOUDSTORAGE_DEFAULT_BUCKET.

Object paths can be templates: {{ .OS }}, {{ .Arch }}, {{ getenv "KEY" }} and
{{ checksum "go.sum" "**/*.lock" }} are evaluated before the path is used.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.logger.EnableDebugLog(a.debug)
		},
	}
	cmd.SetOut(a.out)
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logs")

	cmd.AddCommand(
		newCatCmd(a),
		newCpCmd(a),
		newGetCmd(a),
		newLsCmd(a),
		newStatCmd(a),
		newRmCmd(a),
		newServeCmd(a),
	)
	return cmd
}

func parseKeyValue(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	result := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid key=value pair: %s", pair)
		}
		result[key] = value
	}
	return result, nil
}
