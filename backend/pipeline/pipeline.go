package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andi/cogstac/backend/catalog"
	"github.com/andi/cogstac/backend/config"
	"github.com/andi/cogstac/backend/database"
	"github.com/andi/cogstac/backend/executor"
	"github.com/andi/cogstac/backend/gateway"
	"github.com/andi/cogstac/backend/metadata"
	"github.com/andi/cogstac/backend/models"
	"github.com/andi/cogstac/backend/scanner"
	"github.com/andi/cogstac/backend/scheduler"
)

// Converter is a conversion unit whose tool requirements can be checked up front
type Converter interface {
	executor.Converter
	CheckDependencies() error
}

// Request selects what one run converts and publishes
type Request struct {
	Tiles         scanner.TileSelection
	Force         bool
	SkipConverted bool
	Concurrency   int // 0 uses the configured value, then one slot per job
	NoCatalog     bool
	Sync          bool
}

// Result is the outcome of a run
type Result struct {
	RunID            string                 `json:"run_id"`
	Report           *models.BatchRunReport `json:"report"`
	CatalogDocuments int                    `json:"catalog_documents"`
	CatalogItems     int                    `json:"catalog_items"`
	MalformedTiles   map[string]string      `json:"malformed_tiles,omitempty"`
	CatalogError     string                 `json:"catalog_error,omitempty"`
	Synced           bool                   `json:"synced"`
	SyncError        string                 `json:"sync_error,omitempty"`
	SanityWarning    string                 `json:"sanity_warning,omitempty"`
}

// Failed reports whether the run should exit non-zero
func (r *Result) Failed() bool {
	return (r.Report != nil && r.Report.HasFailures()) ||
		len(r.MalformedTiles) > 0 ||
		r.CatalogError != "" ||
		r.SyncError != ""
}

// Options wires a pipeline. DB and Gateway may be nil.
type Options struct {
	Config    *config.Config
	Converter Converter
	DB        *database.DB
	Gateway   gateway.Gateway
	Logger    *slog.Logger
}

// Pipeline runs conversion batches end to end
type Pipeline struct {
	cfg       *config.Config
	converter Converter
	manager   *scheduler.Manager
	scanner   *scanner.Scanner
	reader    *metadata.Reader
	builder   *catalog.Builder
	gateway   gateway.Gateway
	runRepo   *database.RunRepo
	jobRepo   *database.JobRepo
	tileRepo  *database.TileRepo
	logger    *slog.Logger
}

// New creates a pipeline
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil || opts.Converter == nil {
		return nil, fmt.Errorf("%w: pipeline needs a config and a converter", models.ErrInvalidConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		cfg:       opts.Config,
		converter: opts.Converter,
		manager:   scheduler.NewManager(opts.Converter, logger),
		scanner:   scanner.New(opts.DB, opts.Config.Execution.FileGlob, logger),
		reader:    metadata.NewReader(opts.Config.Catalog.Product, logger),
		builder:   catalog.NewBuilder(opts.Config.Catalog),
		gateway:   opts.Gateway,
		logger:    logger,
	}
	if opts.DB != nil {
		p.runRepo = database.NewRunRepo(opts.DB)
		p.jobRepo = database.NewJobRepo(opts.DB)
		p.tileRepo = database.NewTileRepo(opts.DB)
	}
	return p, nil
}

// Manager exposes the worker pool manager for status and events
func (p *Pipeline) Manager() *scheduler.Manager {
	return p.manager
}

// DefaultRequest builds a request from configuration
func (p *Pipeline) DefaultRequest(tiles scanner.TileSelection, force bool) Request {
	return Request{
		Tiles:         tiles,
		Force:         force,
		SkipConverted: p.cfg.SkipConverted(),
		Concurrency:   p.cfg.Execution.MaxConcurrency,
		Sync:          p.cfg.Sync.Enabled,
	}
}

// RunBatch runs the pipeline for the scheduler. A nil tile list means every tile.
func (p *Pipeline) RunBatch(ctx context.Context, tiles []string, force bool) (string, error) {
	selection := scanner.TileSelection{All: true}
	if tiles != nil {
		selection = scanner.TileSelection{IDs: tiles}
	}

	result, err := p.Run(ctx, p.DefaultRequest(selection, force))
	if err != nil {
		return "", err
	}
	if result.Failed() {
		return result.RunID, fmt.Errorf("run %s finished with failures", result.RunID)
	}
	return result.RunID, nil
}

// Run converts the selected tiles and publishes the catalog
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	sourceRoot := p.cfg.Paths.Source
	outputRoot := p.cfg.Paths.Output

	scan, err := p.scanner.Scan(sourceRoot)
	if err != nil {
		return nil, err
	}
	for _, scanErr := range scan.Errors {
		p.logger.Warn("source scan error", "error", scanErr)
	}

	var converted map[string]bool
	if req.SkipConverted {
		stale, err := p.staleTiles(scan.ChangedTiles)
		if err != nil {
			return nil, err
		}
		converted = scanner.ConvertedTiles(outputRoot, scan.Sources, stale)
	}

	jobs, err := scanner.Resolve(req.Tiles, scan.Sources, converted, req.Force, outputRoot)
	if err != nil {
		return nil, err
	}

	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = max(1, len(jobs))
	}

	if len(jobs) > 0 {
		if err := p.converter.CheckDependencies(); err != nil {
			return nil, err
		}
	}

	run := &models.Run{
		Tiles:  req.Tiles.String(),
		Force:  req.Force,
		Status: models.RunStatusRunning,
		Total:  len(jobs),
	}
	if p.runRepo != nil {
		if err := p.runRepo.Create(run); err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
	}

	p.logger.Info("run started", "run_id", run.ID, "tiles", run.Tiles, "jobs", len(jobs), "force", req.Force)

	var report *models.BatchRunReport
	if run.ID != "" {
		report, err = p.manager.RunWithID(ctx, run.ID, jobs, concurrency)
	} else {
		report, err = p.manager.Run(ctx, jobs, concurrency)
	}
	if err != nil {
		p.finishRun(run, nil, err)
		return nil, err
	}

	result := &Result{
		RunID:          report.RunID,
		Report:         report,
		MalformedTiles: make(map[string]string),
	}
	run.ID = report.RunID
	p.persistJobs(run.ID, report)

	failedTiles := make(map[string]bool, len(report.Failed))
	for _, tile := range report.Failed {
		failedTiles[tile] = true
	}

	// A failed tile keeps whatever earlier runs published for it. Only the
	// side-cars this run wrote for it stay out of the catalog.
	excluded := make(map[string]bool)
	skipped := make(map[string]bool)
	var records []models.TileRecord
	for _, outcome := range report.Outcomes {
		if failedTiles[outcome.TileID] {
			for _, path := range outcome.MetadataPaths {
				skipped[filepath.Clean(path)] = true
			}
			continue
		}
		if !outcome.Succeeded() || excluded[outcome.TileID] {
			continue
		}
		tileRecords, err := p.reader.Read(outcome)
		if err != nil {
			p.markMalformed(result, excluded, outcome.TileID, err)
			continue
		}
		records = append(records, tileRecords...)
	}

	var root *catalog.Root
	if !req.NoCatalog {
		root = p.publish(result, records, excluded, skipped)
	}

	if req.Sync && result.CatalogError == "" {
		p.sync(ctx, result)
	}

	p.recordTiles(run.ID, report, result, root)
	p.finishRun(run, result, nil)

	p.logger.Info("run finished",
		"run_id", run.ID,
		"succeeded", report.SucceededJobs(),
		"failed", report.FailedJobs(),
		"malformed_tiles", len(result.MalformedTiles),
		"catalog_documents", result.CatalogDocuments,
		"synced", result.Synced)
	return result, nil
}

// RebuildCatalog regenerates the catalog from every side-car in the output tree
func (p *Pipeline) RebuildCatalog() (*Result, error) {
	result := &Result{MalformedTiles: make(map[string]string)}
	p.publish(result, nil, make(map[string]bool), nil)
	if result.CatalogError != "" {
		return result, errors.New(result.CatalogError)
	}
	return result, nil
}

// Sync uploads the output tree
func (p *Pipeline) Sync(ctx context.Context) error {
	result := &Result{}
	p.sync(ctx, result)
	if result.SyncError != "" {
		return errors.New(result.SyncError)
	}
	return nil
}

// staleTiles adds the tiles the database still owes a conversion to the ones
// whose sources changed in this scan. The source index already holds the new
// checksum, so a failed reconversion is only remembered by the tile state.
func (p *Pipeline) staleTiles(changed []string) ([]string, error) {
	if p.tileRepo == nil {
		return changed, nil
	}
	recorded, err := p.tileRepo.StaleTiles()
	if err != nil {
		return nil, fmt.Errorf("failed to read tile state: %w", err)
	}
	return append(append([]string{}, changed...), recorded...), nil
}

func (p *Pipeline) markMalformed(result *Result, excluded map[string]bool, tileID string, err error) {
	p.logger.Warn("malformed metadata, tile excluded from catalog", "tile", tileID, "error", err)
	if _, seen := result.MalformedTiles[tileID]; !seen {
		result.MalformedTiles[tileID] = err.Error()
	}
	excluded[tileID] = true
}

// publish merges this run's records with every side-car already on disk,
// builds the catalog and writes it. Nothing is written when the build fails.
// Tiles in excluded and side-car paths in skipped are left out.
func (p *Pipeline) publish(result *Result, records []models.TileRecord, excluded, skipped map[string]bool) *catalog.Root {
	outputRoot := p.cfg.Paths.Output

	existing, err := p.readOutputTree(outputRoot, excluded, skipped, result)
	if err != nil {
		result.CatalogError = err.Error()
		return nil
	}

	var all []models.TileRecord
	for _, record := range append(records, existing...) {
		if !excluded[record.TileID] {
			all = append(all, record)
		}
	}

	root, err := p.builder.Build(all, p.cfg.Catalog.BaseURL, p.cfg.Catalog.Product)
	if err != nil {
		p.logger.Error("catalog build failed", "error", err)
		result.CatalogError = err.Error()
		return nil
	}
	docs, err := catalog.Serialize(root)
	if err != nil {
		result.CatalogError = err.Error()
		return nil
	}
	if err := catalog.WriteTree(outputRoot, docs); err != nil {
		p.logger.Error("catalog write failed", "error", err)
		result.CatalogError = err.Error()
		return nil
	}

	result.CatalogDocuments = len(docs)
	result.CatalogItems = root.ItemCount()
	p.logger.Info("catalog written", "root", outputRoot, "documents", len(docs), "tiles", len(root.Tiles))
	return root
}

// readOutputTree reads the side-cars of every tile directory under outputRoot
func (p *Pipeline) readOutputTree(outputRoot string, excluded, skipped map[string]bool, result *Result) ([]models.TileRecord, error) {
	entries, err := os.ReadDir(outputRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read output tree: %w", err)
	}

	var records []models.TileRecord
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		tileID := entry.Name()
		if excluded[tileID] {
			continue
		}

		sidecars, err := filepath.Glob(filepath.Join(outputRoot, tileID, "*.yaml"))
		if err != nil {
			return nil, err
		}
		sort.Strings(sidecars)

		for _, path := range sidecars {
			if skipped[filepath.Clean(path)] {
				continue
			}
			record, err := p.reader.ReadFile(path, tileID)
			if err != nil {
				p.markMalformed(result, excluded, tileID, err)
				break
			}
			records = append(records, *record)
		}
	}
	return records, nil
}

func (p *Pipeline) sync(ctx context.Context, result *Result) {
	if p.gateway == nil {
		result.SyncError = fmt.Sprintf("%s: no sync gateway configured", models.ErrInvalidConfiguration)
		return
	}

	if err := p.gateway.Upload(ctx, p.cfg.Paths.Output, p.cfg.Sync.Remote, p.cfg.Sync.Exclude); err != nil {
		p.logger.Error("sync failed", "remote", p.cfg.Sync.Remote, "error", err)
		result.SyncError = err.Error()
		return
	}
	result.Synced = true

	if p.cfg.Catalog.BaseURL == "" || p.cfg.Catalog.Product == "" {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, gateway.SanityCheckTimeout)
	defer cancel()
	if _, err := gateway.SanityCheck(checkCtx, p.cfg.Catalog.BaseURL, p.cfg.Catalog.Product); err != nil {
		p.logger.Warn("published catalog not reachable", "error", err)
		result.SanityWarning = err.Error()
	}
}

func (p *Pipeline) persistJobs(runID string, report *models.BatchRunReport) {
	if p.jobRepo == nil {
		return
	}
	for _, outcome := range report.Outcomes {
		startedAt, completedAt := outcome.StartedAt, outcome.CompletedAt
		job := &models.Job{
			RunID:       runID,
			TileID:      outcome.TileID,
			SourcePath:  outcome.SourcePath,
			Status:      string(outcome.Status),
			Artifacts:   outcome.ArtifactPaths,
			ErrorDetail: outcome.ErrorDetail,
			LogText:     outcome.LogText,
			StartedAt:   &startedAt,
			CompletedAt: &completedAt,
		}
		if err := p.jobRepo.Create(job); err != nil {
			p.logger.Error("failed to record job", "run_id", runID, "source", outcome.SourcePath, "error", err)
		}
	}
}

func (p *Pipeline) recordTiles(runID string, report *models.BatchRunReport, result *Result, root *catalog.Root) {
	if p.tileRepo == nil {
		return
	}
	record := func(tileID string, status models.JobStatus) {
		items := 0
		if root != nil {
			if tile := root.Tile(tileID); tile != nil {
				items = len(tile.Items)
			}
		}
		if err := p.tileRepo.RecordResult(tileID, runID, status, items); err != nil {
			p.logger.Error("failed to record tile state", "tile", tileID, "error", err)
		}
	}

	for _, tileID := range report.Succeeded {
		if _, malformed := result.MalformedTiles[tileID]; malformed {
			record(tileID, models.JobStatusFailure)
			continue
		}
		record(tileID, models.JobStatusSuccess)
	}
	for _, tileID := range report.Failed {
		record(tileID, models.JobStatusFailure)
	}
}

func (p *Pipeline) finishRun(run *models.Run, result *Result, runErr error) {
	if p.runRepo == nil || run.ID == "" {
		return
	}

	now := time.Now()
	run.CompletedAt = &now
	run.DurationMilli = now.Sub(run.StartedAt).Milliseconds()

	switch {
	case runErr != nil:
		run.Status = models.RunStatusFailed
		run.ErrorMessage = runErr.Error()
	case result != nil:
		run.Succeeded = result.Report.SucceededJobs()
		run.Failed = result.Report.FailedJobs()
		run.CatalogDocs = result.CatalogDocuments
		failed := append([]string{}, result.Report.Failed...)
		for tileID := range result.MalformedTiles {
			failed = append(failed, tileID)
		}
		sort.Strings(failed)
		run.FailedTiles = strings.Join(failed, ",")

		var messages []string
		if result.CatalogError != "" {
			messages = append(messages, "catalog: "+result.CatalogError)
		}
		if result.SyncError != "" {
			messages = append(messages, "sync: "+result.SyncError)
		}
		run.ErrorMessage = strings.Join(messages, "; ")

		run.Status = models.RunStatusCompleted
		if result.Failed() {
			run.Status = models.RunStatusFailed
		}
	}

	if err := p.runRepo.Update(run); err != nil {
		p.logger.Error("failed to update run", "run_id", run.ID, "error", err)
	}
}
