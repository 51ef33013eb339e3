// Package cli implements the dbctl command tree.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ecdevz/db"
)

// DefaultTimeout bounds connect and probe calls made by a single command.
const DefaultTimeout = 30 * time.Second

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Timeout    time.Duration
}

// NewRootCommand creates the root command for dbctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "dbctl",
		Short:         "dbctl - operate the MongoDB/Firestore facade",
		SilenceErrors: true, // main prints the error once
		Long: `Inspect and export the document stores configured for the db facade.

Configuration is read from --config (YAML) and the environment
(MONGODB_URI, FIRESTORE_PROJECT_ID, FIRESTORE_EMULATOR_HOST, ...).`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Timeout <= 0 {
				return fmt.Errorf("invalid timeout %s: must be positive", opts.Timeout)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", DefaultTimeout, "timeout for connect and probe calls")

	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))

	return cmd
}

// loadConfig reads the config and applies the --log-level override. Without
// either, logging stays at warn so JSON on stdout is the only noise.
func (o *RootOptions) loadConfig() (db.Config, error) {
	cfg, err := db.LoadConfig(o.ConfigPath)
	if err != nil {
		return db.Config{}, err
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	return cfg, nil
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseBackend accepts the names used in config files.
func parseBackend(name string) (db.Backend, error) {
	switch db.Backend(name) {
	case db.BackendMongo, db.BackendFirestore:
		return db.Backend(name), nil
	case "mongo":
		return db.BackendMongo, nil
	}
	return "", fmt.Errorf("unknown backend %q: must be one of %s, %s", name, db.BackendMongo, db.BackendFirestore)
}
