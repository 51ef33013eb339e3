package cli

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ecdevz/db"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
	Backends      []string
	Follow        bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print backend statuses published on the Redis status channel",
		Long: `Read the latest connection status each facade process published to Redis.

With --follow, stream status changes as they are published until interrupted.
Redis defaults come from REDIS_ADDR, REDIS_PASSWORD and REDIS_DB.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", "", "Redis address (overrides REDIS_ADDR)")
	cmd.Flags().StringVar(&opts.RedisPassword, "redis-password", "", "Redis password (overrides REDIS_PASSWORD)")
	cmd.Flags().IntVar(&opts.RedisDB, "redis-db", 0, "Redis database (overrides REDIS_DB)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", db.DefaultStatusPrefix, "status key prefix")
	cmd.Flags().StringSliceVarP(&opts.Backends, "backend", "b",
		[]string{string(db.BackendMongo), string(db.BackendFirestore)}, "backends to read")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "stream status changes")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	client := redis.NewClient(db.RedisOptionsWithOverrides(opts.RedisAddr, opts.RedisPassword, opts.RedisDB))
	defer client.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if opts.Follow {
		return db.FollowPublishedStatus(ctx, client, opts.Prefix, func(s db.PublishedStatus) {
			writeJSON(out, s)
		})
	}

	records := make([]db.PublishedStatus, 0, len(opts.Backends))
	for _, name := range opts.Backends {
		backend, err := parseBackend(name)
		if err != nil {
			return err
		}
		record, err := db.ReadPublishedStatus(ctx, client, opts.Prefix, backend)
		if errors.Is(err, db.ErrNotFound) {
			fmt.Fprintf(cmd.ErrOrStderr(), "no status published for %s\n", backend)
			continue
		}
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	return writeJSON(out, records)
}
