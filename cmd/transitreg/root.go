package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"transitreg/internal/config"
)

type rootFlags struct {
	envFiles     []string
	printMetrics bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "transitreg",
		Short:         "Transit registry changeset tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env", ".env.local"}, "Env files to load when present")
	cmd.PersistentFlags().BoolVar(&flags.printMetrics, "print-metrics", false, "Write collected metrics to stderr on exit")

	cmd.AddCommand(
		newCreateCmd(flags),
		newUpdateCmd(flags),
		newGetCmd(flags),
		newListCmd(flags),
		newDeleteCmd(flags),
		newCheckCmd(flags),
		newApplyCmd(flags),
		newApplyAsyncCmd(flags),
		newIssuesCmd(flags),
		newResolveCmd(flags),
		newArchiveCmd(flags),
	)
	return cmd
}

// withApp loads configuration, wires the service and runs fn against it.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := config.Load(flags.envFiles...)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if flags.printMetrics {
			if metricsErr := writeMetrics(cmd.ErrOrStderr(), a.metrics.Registry()); metricsErr != nil && err == nil {
				err = metricsErr
			}
		}
	}()
	return fn(ctx, a)
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
