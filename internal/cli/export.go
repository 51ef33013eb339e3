package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ecdevz/db"
	"github.com/ecdevz/db/internal/export"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	Backend     string
	Collections []string
	To          string
	Timestamped bool
	Sink        export.SinkOptions
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export collections as JSON Lines to a directory or bucket",
		Long: `Export every document of one or more collections as JSON Lines.

Destinations:
  file://dir or a bare path   local directory
  gs://bucket/prefix          Google Cloud Storage
  s3://bucket/prefix          S3 or an S3-compatible store (--s3-endpoint)`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", string(db.BackendMongo), "source backend (mongodb|firestore)")
	cmd.Flags().StringSliceVar(&opts.Collections, "collection", nil, "collection to export (repeatable)")
	cmd.Flags().StringVar(&opts.To, "to", "", "destination URL")
	cmd.Flags().BoolVar(&opts.Timestamped, "timestamped", false, "append the export time to object names")
	cmd.Flags().StringVar(&opts.Sink.GCSCredentialsFile, "gcs-credentials", "", "GCS service account file (uses ADC if empty)")
	cmd.Flags().StringVar(&opts.Sink.S3Endpoint, "s3-endpoint", "", "S3-compatible endpoint, e.g. http://localhost:9000")
	cmd.Flags().StringVar(&opts.Sink.S3Region, "s3-region", "", "S3 region")
	cmd.Flags().StringVar(&opts.Sink.S3AccessKey, "s3-access-key", "", "S3 access key (uses the default chain if empty)")
	cmd.Flags().StringVar(&opts.Sink.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func runExport(cmd *cobra.Command, rootOpts *RootOptions, opts *ExportOptions) error {
	backend, err := parseBackend(opts.Backend)
	if err != nil {
		return err
	}
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	sink, err := export.ParseSinkURL(ctx, opts.To, opts.Sink)
	if err != nil {
		return err
	}
	defer sink.Close()

	logger, err := db.NewZapLoggerFromConfig(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	f, err := db.New(cfg, db.WithLogger(logger))
	if err != nil {
		return err
	}
	defer f.Close()

	source, err := f.Source(backend)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, rootOpts.Timeout)
	defer cancel()
	f.Connect(connectCtx)
	if status := f.Status()[backend]; status != db.StatusConnected {
		return fmt.Errorf("%w: %s is %s", db.ErrNotConnected, backend, status)
	}

	exporter := export.NewExporter(logger)
	exporter.Timestamped = opts.Timestamped

	summaries := make([]export.Summary, 0, len(opts.Collections))
	for _, coll := range opts.Collections {
		res := exporter.Export(ctx, source, coll, sink)
		if !res.Success {
			return res.Err
		}
		summaries = append(summaries, res.Data)
	}
	return writeJSON(cmd.OutOrStdout(), summaries)
}
