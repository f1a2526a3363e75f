package cli

import (
	"fmt"
	"strings"

	"github.com/andi/cogstac/backend/executor"
	"github.com/spf13/cobra"
)

func (a *app) catalogCommand() *cobra.Command {
	flags := &catalogFlags{}

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Rebuild the STAC catalog from the side-cars in the output tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags.apply(a.cfg)
			if err := a.require("output", "base_url", "product"); err != nil {
				return err
			}

			p, err := a.newPipeline(pipelineOptions{})
			if err != nil {
				return err
			}

			result, err := p.RebuildCatalog()
			if result != nil {
				printResult(cmd.OutOrStdout(), result)
			}
			if err != nil {
				return fmt.Errorf("catalog build failed: %w", err)
			}
			if len(result.MalformedTiles) > 0 {
				return fmt.Errorf("%d tile(s) with malformed metadata", len(result.MalformedTiles))
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func (a *app) validateCommand() *cobra.Command {
	var gdalinfo string

	cmd := &cobra.Command{
		Use:   "validate <tif>...",
		Short: "Check that files are Cloud Optimized GeoTIFFs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validator := executor.NewValidator()
			if gdalinfo != "" {
				validator.Command = gdalinfo
			}

			out := cmd.OutOrStdout()
			bad := 0
			for _, path := range args {
				result, err := validator.Validate(cmd.Context(), path)
				switch {
				case err != nil:
					bad++
					fmt.Fprintf(out, "ERROR   %s: %v\n", path, err)
				case result.IsCOG:
					fmt.Fprintf(out, "COG     %s\n", path)
				default:
					bad++
					fmt.Fprintf(out, "NOT COG %s: %s\n", path, strings.Join(result.Reasons, "; "))
				}
			}

			if bad > 0 {
				return fmt.Errorf("%d of %d file(s) are not valid COGs", bad, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&gdalinfo, "gdalinfo", "", "gdalinfo executable (default gdalinfo from PATH)")
	return cmd
}

func (a *app) syncCommand() *cobra.Command {
	flags := &catalogFlags{}
	var remote string
	var exclude []string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload the output tree to object storage",
		Long: `Uploads every file of the output tree to the remote, skipping the excluded
patterns. The remote is s3://bucket/prefix, minio://bucket/prefix or a local
directory. When base_url and product are known, the published root is fetched
afterwards as a sanity check.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags.apply(a.cfg)
			if remote != "" {
				a.cfg.Sync.Remote = remote
			}
			if cmd.Flags().Changed("exclude") {
				a.cfg.Sync.Exclude = exclude
			}
			if err := a.require("output", "remote"); err != nil {
				return err
			}

			p, err := a.newPipeline(pipelineOptions{useGateway: true})
			if err != nil {
				return err
			}
			if err := p.Sync(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Synced %s to %s\n", a.cfg.Paths.Output, a.cfg.Sync.Remote)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&remote, "remote", "", "destination (overrides sync.remote)")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "patterns to skip, e.g. '*.yaml,*.xml' (overrides sync.exclude)")
	return cmd
}
