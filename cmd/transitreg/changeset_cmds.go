package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"transitreg/internal/core"
)

func newCreateCmd(flags *rootFlags) *cobra.Command {
	var in core.ChangesetInput
	cmd := &cobra.Command{
		Use:   "create [payload.json ...]",
		Short: "Create a changeset from change payload documents (\"-\" reads stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			payloads, err := readPayloads(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			in.Payloads = payloads
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				cs, err := a.svc.CreateChangeset(ctx, in)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), cs)
			})
		},
	}
	cmd.Flags().StringVar(&in.UserEmail, "email", "", "Author email")
	cmd.Flags().StringVar(&in.UserName, "name", "", "Author name")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "Changeset notes")
	return cmd
}

func newUpdateCmd(flags *rootFlags) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "update <changeset-id> [payload.json ...]",
		Short: "Replace the notes or payloads of an unapplied changeset",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var update core.ChangesetUpdate
			if cmd.Flags().Changed("notes") {
				update.Notes = &notes
			}
			if len(args) > 1 {
				payloads, err := readPayloads(cmd.InOrStdin(), args[1:])
				if err != nil {
					return err
				}
				update.Payloads = payloads
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				cs, err := a.svc.UpdateChangeset(ctx, args[0], update)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), cs)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "New notes")
	return cmd
}

type changesetOutput struct {
	core.Changeset
	Payloads []core.ChangePayload `json:"payloads,omitempty"`
}

func newGetCmd(flags *rootFlags) *cobra.Command {
	var withPayloads bool
	cmd := &cobra.Command{
		Use:   "get <changeset-id>",
		Short: "Show a changeset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				cs, err := a.svc.GetChangeset(ctx, args[0])
				if err != nil {
					return err
				}
				out := changesetOutput{Changeset: cs}
				if withPayloads {
					if out.Payloads, err = a.svc.ListChangePayloads(ctx, cs.ID); err != nil {
						return err
					}
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().BoolVar(&withPayloads, "payloads", false, "Include change payloads")
	return cmd
}

func newListCmd(flags *rootFlags) *cobra.Command {
	var applied string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List changesets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := parseAppliedFilter(applied)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				list, err := a.svc.ListChangesets(ctx, filter)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().StringVar(&applied, "applied", "", "Filter by applied state (true|false)")
	return cmd
}

func parseAppliedFilter(v string) (core.ChangesetFilter, error) {
	var filter core.ChangesetFilter
	switch v {
	case "":
	case "true":
		filter.Applied = boolPtr(true)
	case "false":
		filter.Applied = boolPtr(false)
	default:
		return filter, fmt.Errorf("invalid --applied %q: want true or false", v)
	}
	return filter, nil
}

func boolPtr(b bool) *bool { return &b }

func newDeleteCmd(flags *rootFlags) *cobra.Command {
	var opts core.DeleteOptions
	cmd := &cobra.Command{
		Use:   "delete <changeset-id>",
		Short: "Delete a changeset and its payloads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				return a.svc.DeleteChangeset(ctx, args[0], opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Allow deleting an applied changeset")
	return cmd
}

func newCheckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check <changeset-id>",
		Short: "Trial-run a changeset without persisting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				res, err := a.svc.CheckChangeset(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newApplyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <changeset-id>",
		Short: "Apply a changeset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				res, err := a.svc.ApplyChangeset(ctx, args[0])
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("changeset %s was not applied: %d error(s)", args[0], len(res.Errors))
				}
				return nil
			})
		},
	}
}

func newApplyAsyncCmd(flags *rootFlags) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "apply-async <changeset-id>",
		Short: "Submit a changeset to the background apply pool and report its job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				status, err := a.svc.ApplyChangesetAsync(ctx, args[0])
				if err != nil {
					return err
				}
				for wait && !status.Terminal() {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(interval):
					}
					if status, err = a.svc.ApplyChangesetAsync(ctx, args[0]); err != nil {
						return err
					}
				}
				return writeJSON(cmd.OutOrStdout(), status)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "Polling interval with --wait")
	return cmd
}
