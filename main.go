package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bq-local-exporter/api"
	"bq-local-exporter/config"
	"bq-local-exporter/service"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/charmbracelet/lipgloss"
	"github.com/gin-gonic/gin"
	"github.com/googleapis/gax-go/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

const appName = "bq-local-exporter"

var errorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#FF0000")).
	Bold(true)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], newApp, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit code. Usage is
// printed alongside every failure.
func run(ctx context.Context, args []string, build appFactory, stdout, stderr io.Writer) int {
	root := newRootCmd(config.New(), build)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	cmd, err := root.ExecuteContextC(ctx)
	if err != nil {
		fmt.Fprintln(stderr, errorStyle.Render("Error: "+err.Error()))
		fmt.Fprint(stderr, cmd.UsageString())
		return 1
	}
	return 0
}

// appFactory builds the export driver for a validated configuration.
type appFactory func(ctx context.Context, cfg *config.Config) (*app, error)

func newRootCmd(v *viper.Viper, build appFactory) *cobra.Command {
	root := &cobra.Command{
		Use:   appName + " DATASET TABLE [FORMAT]",
		Short: "Export a BigQuery table to a local file through a GCS staging bucket",
		Long: `Export a BigQuery table to a local file named DATASET-TABLE.

The table is extracted into compressed shards in the staging bucket
gs://PROJECT-DATASET, downloaded in parallel, decompressed and concatenated.
FORMAT is one of CSV (default), NEWLINE_DELIMITED_JSON or AVRO. Row order is
not preserved across shards.`,
		Args:          validateArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			initLogger(v.GetString("log-format"), v.GetBool("debug"))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			params := service.ExportParams{Dataset: args[0], Table: args[1]}
			if len(args) == 3 {
				params.Format = args[2]
			}
			return runExport(cmd, v, build, params)
		},
	}

	flags := root.PersistentFlags()
	flags.String("project", "", "GCP project ID (env GCP_PROJECT_ID, detected from credentials when empty)")
	flags.String("location", "US", "BigQuery location of the dataset (env BQ_LOCATION)")
	flags.String("output-dir", ".", "Directory for the output file (env OUTPUT_DIR)")
	flags.String("field-delimiter", ",", "CSV field delimiter (env FIELD_DELIMITER)")
	flags.Int("transfer-workers", 16, "Concurrent range downloads across shards (env TRANSFER_WORKERS)")
	flags.Int("transfer-slices", 8, "Ranges the largest shard is split into (env TRANSFER_SLICES)")
	flags.Int("decompress-workers", 8, "Concurrent shard decompressions (env DECOMPRESS_WORKERS)")
	flags.Duration("cleanup-timeout", time.Minute, "How long to wait for the staged shard purge before exiting (env CLEANUP_TIMEOUT)")
	flags.String("log-format", "json", "Log format: json or text (env LOG_FORMAT)")
	flags.Bool("debug", false, "Enable debug logging (env DEBUG)")

	root.AddCommand(newServeCmd(v, build))
	return root
}

func newServeCmd(v *viper.Viper, build appFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP export API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v, build)
		},
	}
	cmd.Flags().String("port", "8080", "Listen port (env PORT)")
	cmd.Flags().String("api-key", "", "Required X-API-Key header value (env API_KEY)")
	return cmd
}

func validateArgs(_ *cobra.Command, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("%w: expected DATASET TABLE [FORMAT], got %d argument(s)", service.ErrValidation, len(args))
	}
	if len(args) == 3 {
		if _, err := service.ResolveFormat(args[2]); err != nil {
			return err
		}
	}
	return nil
}

func initLogger(format string, debug bool) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		// JSON by default, suitable for Cloud Logging.
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads and validates the configuration, detecting the project
// from Application Default Credentials when it is not set.
func loadConfig(ctx context.Context, v *viper.Viper) (*config.Config, error) {
	cfg := config.Load(v)
	if cfg.ProjectID == "" {
		slog.InfoContext(ctx, "GCP_PROJECT_ID not set, attempting to detect from credentials...")
		creds, err := google.FindDefaultCredentials(ctx, bigquery.Scope)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to find default credentials: %w", service.ErrValidation, err)
		}
		cfg.ProjectID = creds.ProjectID
		if cfg.ProjectID != "" {
			slog.InfoContext(ctx, "Detected Project ID", "project_id", cfg.ProjectID)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", service.ErrValidation, err)
	}
	return cfg, nil
}

func runExport(cmd *cobra.Command, v *viper.Viper, build appFactory, params service.ExportParams) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx, v)
	if err != nil {
		return err
	}
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.driver.Execute(ctx, params)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Output)
	slog.InfoContext(ctx, "Export completed", "run_id", res.RunID, "output", res.Output, "shards", res.Shards, "bytes", res.Bytes)

	// The result is already reported; give the staged shard purge a bounded
	// grace period before the process exits. Its outcome is only logged.
	a.drain(ctx, cfg.CleanupTimeout)
	return nil
}

func runServe(cmd *cobra.Command, v *viper.Viper, build appFactory) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx, v)
	if err != nil {
		return err
	}
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Release mode is better for production performance
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewRouter(a.driver, cfg.APIKey),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("Shutting down server...")

	// In-flight exports get 5 seconds to answer; purges they started are
	// drained afterwards.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	a.drain(ctx, cfg.CleanupTimeout)

	slog.Info("Server exiting")
	return nil
}

// app holds the clients and the driver of one process.
type app struct {
	driver   service.ExportDriver
	pipeline *service.Pipeline
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("Failed to close client", "error", err)
		}
	}
}

func (a *app) drain(ctx context.Context, timeout time.Duration) {
	if a.pipeline == nil {
		return
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := a.pipeline.Wait(waitCtx); err != nil {
		slog.Warn("Staged shard cleanup still running at exit", "error", err)
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	bq, err := service.NewBigQueryService(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize BigQuery service: %w", err)
	}
	a.closers = append(a.closers, bq.Close)

	gcs, err := storage.NewClient(ctx, option.WithUserAgent(appName))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	gcs.SetRetry(
		storage.WithMaxAttempts(5),
		storage.WithBackoff(gax.Backoff{
			Initial:    time.Second,
			Max:        30 * time.Second,
			Multiplier: 2,
		}),
	)
	a.closers = append(a.closers, gcs.Close)

	a.pipeline = service.NewPipeline(
		service.PipelineConfig{
			Project:           cfg.ProjectID,
			Location:          cfg.Location,
			OutputDir:         cfg.OutputDir,
			FieldDelimiter:    cfg.FieldDelimiter,
			DecompressWorkers: cfg.DecompressWorkers,
			CleanupTimeout:    cfg.CleanupTimeout,
		},
		bq,
		service.NewStagingStore(gcs, cfg.ProjectID, cfg.Location),
		service.NewShardTransfer(gcs, cfg.TransferWorkers, cfg.TransferSlices),
		service.NewGzipDecompressor(),
		service.NewFileAssembler(),
	)
	a.driver = a.pipeline

	history, err := service.NewHistoryStoreFromEnv(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize history store: %w", err)
	}
	if history != nil {
		a.closers = append(a.closers, history.Close)
		a.driver = service.NewHistoryDriver(a.pipeline, history)
	}
	return a, nil
}
