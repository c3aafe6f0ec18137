package main

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/spf13/cobra"
)

func newRmCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "rm <path>...",
		Short: "Delete objects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.storage(cmd.Context())
			if err != nil {
				return err
			}

			for _, arg := range args {
				path, err := a.objectPath(arg)
				if err != nil {
					return err
				}
				err = client.Delete(cmd.Context(), path)
				if force && errors.Is(err, storageerr.ErrNotFound) {
					a.logger.Debugf("%s doesn't exist", path)
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to delete %s: %w", path, err)
				}
				a.logger.Donef("Deleted %s", path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Ignore objects that don't exist")
	return cmd
}
