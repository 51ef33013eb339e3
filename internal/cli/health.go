package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/ecdevz/db"
)

// ErrUnhealthy is returned by the health command when any backend is down.
var ErrUnhealthy = errors.New("one or more backends are unhealthy")

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Connect every configured backend and print a health report",
		Long: `Connect every configured backend, probe it, and print the aggregated
health report as JSON. Exits non-zero when any backend is unhealthy.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, rootOpts)
		},
	}
	return cmd
}

func runHealth(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	f, err := db.New(cfg)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	// Connect failures still leave a report worth printing.
	f.Connect(ctx)
	res := f.Health(ctx)
	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success {
		return ErrUnhealthy
	}
	return nil
}
