package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"transitreg/internal/core"
)

func newIssuesCmd(flags *rootFlags) *cobra.Command {
	var (
		state  string
		entity string
	)
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List quality issues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := core.IssueFilter{EntityID: entity}
			switch state {
			case "all":
			case "open":
				filter.Open = boolPtr(true)
			case "closed":
				filter.Open = boolPtr(false)
			default:
				return fmt.Errorf("invalid --state %q: want open, closed or all", state)
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				issues, err := a.svc.ListIssues(ctx, filter)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), issues)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "open", "open, closed or all")
	cmd.Flags().StringVar(&entity, "entity", "", "Only issues on this entity id")
	return cmd
}

func newResolveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <kind> <onestop-id>",
		Short: "Look up an entity by current or former onestop id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := core.EntityKind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("unknown entity kind %q", args[0])
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				entity, err := a.svc.ResolveEntity(ctx, kind, args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entity)
			})
		},
	}
}
