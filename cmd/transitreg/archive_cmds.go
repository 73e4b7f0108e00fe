package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

var errArchiveDisabled = errors.New("changeset archive is disabled (TRANSITREG_ARCHIVE_DRIVER=none)")

func newArchiveCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Read archived changesets",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List archived changeset ids",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, flags, func(ctx context.Context, a *app) error {
					if a.archive == nil {
						return errArchiveDisabled
					}
					ids, err := a.archive.List(ctx)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), ids)
				})
			},
		},
		&cobra.Command{
			Use:   "get <changeset-id>",
			Short: "Print an archived changeset document",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, flags, func(ctx context.Context, a *app) error {
					if a.archive == nil {
						return errArchiveDisabled
					}
					doc, err := a.archive.Load(ctx, args[0])
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), doc)
				})
			},
		},
	)
	return cmd
}
