// Package cli provides the command-line interface for cogstac.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/andi/cogstac/backend/config"
	"github.com/andi/cogstac/backend/database"
	"github.com/andi/cogstac/backend/executor"
	"github.com/andi/cogstac/backend/gateway"
	"github.com/andi/cogstac/backend/models"
	"github.com/andi/cogstac/backend/pipeline"
	"github.com/andi/cogstac/backend/workflow"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

// app holds the state shared by the commands of one invocation
type app struct {
	configPath string
	verbose    bool

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
	db       *database.DB
}

// Execute runs the command line with os.Args and cancels on SIGINT or SIGTERM
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return err
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "cogstac",
		Short: "Convert NetCDF tiles to Cloud Optimized GeoTIFFs and publish a STAC catalog",
		Long: `cogstac converts gridded NetCDF products, organised in one directory per
spatial tile, into Cloud Optimized GeoTIFFs with YAML side-car metadata. It then
builds a static STAC catalog (root, per-tile catalogs and items) over the output
and can upload the tree to object storage.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath(), "config file (yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(a.convertCommand())
	root.AddCommand(a.catalogCommand())
	root.AddCommand(a.validateCommand())
	root.AddCommand(a.syncCommand())
	root.AddCommand(a.serveCommand())
	return root
}

func defaultConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "./config/config.yaml"
}

// setup loads the configuration and the logger before any subcommand runs
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFromEnv(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := config.ParseLevel(cfg.Logging.Level)
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger, a.closeLog = config.SetupLogger(cfg.Paths.AppLog, level)
	slog.SetDefault(a.logger)

	a.logger.Debug("configuration loaded", "config", a.configPath, "command", cmd.Name())
	return nil
}

func (a *app) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil && a.logger != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
		a.db = nil
	}
	if a.closeLog != nil {
		a.closeLog()
		a.closeLog = nil
	}
}

// require checks the named settings are present
func (a *app) require(names ...string) error {
	values := map[string]string{
		"source":   a.cfg.Paths.Source,
		"output":   a.cfg.Paths.Output,
		"base_url": a.cfg.Catalog.BaseURL,
		"product":  a.cfg.Catalog.Product,
		"remote":   a.cfg.Sync.Remote,
	}

	var missing []string
	for _, name := range names {
		if values[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", models.ErrInvalidConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

func (a *app) openDB() (*database.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.New(a.cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

// pipelineOptions selects the optional collaborators of a pipeline
type pipelineOptions struct {
	useDB      bool
	useGateway bool
}

func (a *app) newPipeline(opts pipelineOptions) (*pipeline.Pipeline, error) {
	recipe, err := workflow.Load(a.cfg.Execution.Recipe)
	if err != nil {
		return nil, err
	}
	converter := executor.NewGDALConverter(recipe, a.cfg.Paths.LogDir,
		a.cfg.Execution.JobTimeout, a.cfg.Execution.StepTimeout, a.logger)

	var db *database.DB
	if opts.useDB {
		if db, err = a.openDB(); err != nil {
			return nil, err
		}
	}

	var gw gateway.Gateway
	if opts.useGateway {
		if gw, err = gateway.New(a.cfg.Sync, a.logger); err != nil {
			return nil, err
		}
	}

	return pipeline.New(pipeline.Options{
		Config:    a.cfg,
		Converter: converter,
		DB:        db,
		Gateway:   gw,
		Logger:    a.logger,
	})
}

// catalogFlags are shared by the commands that publish catalog documents
type catalogFlags struct {
	output  string
	baseURL string
	product string
}

func (f *catalogFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.output, "output", "", "output root (overrides paths.output)")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "public base URL of the catalog (overrides catalog.base_url)")
	cmd.Flags().StringVar(&f.product, "product", "", "product code (overrides catalog.product)")
}

func (f *catalogFlags) apply(cfg *config.Config) {
	if f.output != "" {
		cfg.Paths.Output = f.output
	}
	if f.baseURL != "" {
		cfg.Catalog.BaseURL = f.baseURL
	}
	if f.product != "" {
		cfg.Catalog.Product = f.product
	}
}
