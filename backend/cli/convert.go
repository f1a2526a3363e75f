package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/andi/cogstac/backend/pipeline"
	"github.com/andi/cogstac/backend/scanner"
	"github.com/spf13/cobra"
)

type convertFlags struct {
	catalogFlags
	source        string
	tiles         string
	recipe        string
	skipConverted bool
	force         bool
	concurrency   int
	noCatalog     bool
	sync          bool
}

func (a *app) convertCommand() *cobra.Command {
	flags := &convertFlags{}

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert tiles to COGs and publish the STAC catalog",
		Long: `Selects the tiles to convert, runs one conversion job per NetCDF source on a
bounded worker pool, reads the produced side-car metadata and writes the STAC
catalog over the whole output tree. Already converted tiles are skipped unless
--force is given. Exits non-zero when any job failed, any tile had malformed
metadata or the catalog could not be built.

Example:
  cogstac convert --source /data/nc --output /data/cog \
    --base-url https://data.example.org --product FCP --tiles 18_-28,-15_-40`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runConvert(cmd, flags)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&flags.source, "source", "", "source root with one directory per tile (overrides paths.source)")
	cmd.Flags().StringVar(&flags.tiles, "tiles", scanner.AllTiles, "ALL or a comma separated list of tile ids")
	cmd.Flags().StringVar(&flags.recipe, "recipe", "", "conversion recipe file (overrides execution.recipe)")
	cmd.Flags().BoolVar(&flags.skipConverted, "skip-converted", true, "skip tiles whose side-cars already exist (default from execution.skip_converted)")
	cmd.Flags().BoolVar(&flags.force, "force", false, "reconvert selected tiles even when converted")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "maximum parallel jobs, 0 for one per job (overrides execution.max_concurrency)")
	cmd.Flags().BoolVar(&flags.noCatalog, "no-catalog", false, "convert only, do not write catalog documents")
	cmd.Flags().BoolVar(&flags.sync, "sync", false, "upload the output tree after publishing")

	return cmd
}

func (a *app) runConvert(cmd *cobra.Command, flags *convertFlags) error {
	flags.apply(a.cfg)
	if flags.source != "" {
		a.cfg.Paths.Source = flags.source
	}
	if flags.recipe != "" {
		a.cfg.Execution.Recipe = flags.recipe
	}
	if cmd.Flags().Changed("concurrency") {
		a.cfg.Execution.MaxConcurrency = flags.concurrency
	}
	if cmd.Flags().Changed("skip-converted") {
		skip := flags.skipConverted
		a.cfg.Execution.SkipConverted = &skip
	}
	if flags.sync {
		a.cfg.Sync.Enabled = true
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	selection, err := scanner.ParseTileSelection(flags.tiles)
	if err != nil {
		return err
	}

	p, err := a.newPipeline(pipelineOptions{useDB: true, useGateway: a.cfg.Sync.Enabled})
	if err != nil {
		return err
	}

	req := p.DefaultRequest(selection, flags.force)
	req.NoCatalog = flags.noCatalog

	result, err := p.Run(cmd.Context(), req)
	if err != nil {
		return err
	}

	printResult(cmd.OutOrStdout(), result)
	return resultError(result)
}

// printResult writes a human readable summary of a run
func printResult(w io.Writer, result *pipeline.Result) {
	report := result.Report
	if report != nil {
		fmt.Fprintf(w, "Run %s: %d job(s) dispatched, %d succeeded, %d failed in %s\n",
			result.RunID, report.TotalDispatched, report.SucceededJobs(), report.FailedJobs(), report.Duration.Round(time.Millisecond))
		for _, outcome := range report.Outcomes {
			if outcome.Succeeded() {
				fmt.Fprintf(w, "  ok    %-12s %s\n", outcome.TileID, outcome.SourcePath)
			} else {
				fmt.Fprintf(w, "  FAIL  %-12s %s: %s\n", outcome.TileID, outcome.SourcePath, outcome.ErrorDetail)
			}
		}
		if len(report.Succeeded) > 0 {
			fmt.Fprintf(w, "Converted tiles: %s\n", strings.Join(report.Succeeded, ", "))
		}
		if len(report.Failed) > 0 {
			fmt.Fprintf(w, "Failed tiles: %s\n", strings.Join(report.Failed, ", "))
		}
	}

	if len(result.MalformedTiles) > 0 {
		fmt.Fprintln(w, "Malformed metadata:")
		tiles := make([]string, 0, len(result.MalformedTiles))
		for tile := range result.MalformedTiles {
			tiles = append(tiles, tile)
		}
		sort.Strings(tiles)
		for _, tile := range tiles {
			fmt.Fprintf(w, "  %s: %s\n", tile, result.MalformedTiles[tile])
		}
	}

	switch {
	case result.CatalogError != "":
		fmt.Fprintf(w, "Catalog not written: %s\n", result.CatalogError)
	case result.CatalogDocuments > 0:
		fmt.Fprintf(w, "Catalog: %d document(s), %d item(s)\n", result.CatalogDocuments, result.CatalogItems)
	}

	if result.SyncError != "" {
		fmt.Fprintf(w, "Sync failed: %s\n", result.SyncError)
	} else if result.Synced {
		fmt.Fprintln(w, "Output synced")
	}
	if result.SanityWarning != "" {
		fmt.Fprintf(w, "Warning: %s\n", result.SanityWarning)
	}
}

// resultError summarizes why a run counts as failed
func resultError(result *pipeline.Result) error {
	if !result.Failed() {
		return nil
	}

	var reasons []string
	if result.Report != nil && result.Report.HasFailures() {
		reasons = append(reasons, fmt.Sprintf("%d job(s) failed", result.Report.FailedJobs()))
	}
	if len(result.MalformedTiles) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d tile(s) with malformed metadata", len(result.MalformedTiles)))
	}
	if result.CatalogError != "" {
		reasons = append(reasons, "catalog build failed")
	}
	if result.SyncError != "" {
		reasons = append(reasons, "sync failed")
	}
	return fmt.Errorf("run %s failed: %s", result.RunID, strings.Join(reasons, ", "))
}
