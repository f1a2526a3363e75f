package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/andi/cogstac/backend/metadata"
	"github.com/andi/cogstac/backend/models"
	"github.com/andi/cogstac/backend/workflow"
	"github.com/google/uuid"
)

// Exit codes with special meaning for a recipe step
const (
	ExitStopSuccess = 100 // remaining steps of the band are skipped, band succeeds
	ExitStopFailure = 101 // remaining steps are skipped, job fails
)

// ConversionResult lists what one job produced
type ConversionResult struct {
	ProducedFiles []string
	MetadataPaths []string
	LogText       string
	LogPath       string
}

type runIDKey struct{}

// WithRunID tags ctx with the run a job belongs to. The run id names the
// directory the job log is kept in.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run id set by WithRunID, or ""
func RunIDFrom(ctx context.Context) string {
	runID, _ := ctx.Value(runIDKey{}).(string)
	return runID
}

// Converter converts one source file into COG band files and side-cars
type Converter interface {
	Convert(ctx context.Context, job models.ConversionJob) (*ConversionResult, error)
}

// stepStop reports that a step ended the band early through its exit code
type stepStop struct {
	success bool
	step    string
}

func (e *stepStop) Error() string {
	if e.success {
		return fmt.Sprintf("step %s stopped with success", e.step)
	}
	return fmt.Sprintf("step %s stopped with failure", e.step)
}

// GDALConverter runs the recipe steps for every band of every raster
type GDALConverter struct {
	recipe      *workflow.Recipe
	logDir      string
	jobTimeout  time.Duration
	stepTimeout time.Duration
	logger      *slog.Logger
}

// NewGDALConverter creates a converter. Job logs are kept under logDir.
func NewGDALConverter(recipe *workflow.Recipe, logDir string, jobTimeout, stepTimeout time.Duration, logger *slog.Logger) *GDALConverter {
	if recipe == nil {
		recipe = workflow.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		logger.Warn("failed to create log directory", "dir", logDir, "error", err)
	}

	return &GDALConverter{
		recipe:      recipe,
		logDir:      logDir,
		jobTimeout:  jobTimeout,
		stepTimeout: stepTimeout,
		logger:      logger,
	}
}

// Recipe returns the recipe the converter runs
func (c *GDALConverter) Recipe() *workflow.Recipe {
	return c.recipe
}

// CheckDependencies verifies the recipe's required tools are installed
func (c *GDALConverter) CheckDependencies() error {
	if err := workflow.CheckDependencies(c.recipe.Requires); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidConfiguration, err)
	}
	return nil
}

// LogPath returns where the log of job is kept: <logDir>/<run>/<tile>_<base>.log
func (c *GDALConverter) LogPath(runID string, job models.ConversionJob) string {
	name := filepath.Base(job.SourcePath)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return filepath.Join(c.logDir, runID, fmt.Sprintf("%s_%s.log", job.TileID, base))
}

// Convert converts one source. Side-cars are written only once every band
// file exists, so an interrupted job leaves its tile looking unconverted.
func (c *GDALConverter) Convert(ctx context.Context, job models.ConversionJob) (*ConversionResult, error) {
	if c.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.jobTimeout)
		defer cancel()
	}

	runID := RunIDFrom(ctx)
	if runID == "" {
		runID = uuid.New().String()
	}
	logFilePath := c.LogPath(runID, job)
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create log directory: %v", models.ErrConversionFailure, err)
	}
	logFile, err := os.Create(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create log file: %v", models.ErrConversionFailure, err)
	}
	logWriter := bufio.NewWriter(logFile)

	result := &ConversionResult{LogPath: logFilePath}
	convErr := c.convert(ctx, job, result, logWriter)
	if convErr != nil {
		writeLog(logWriter, fmt.Sprintf("\nJob failed: %v", convErr))
	} else {
		writeLog(logWriter, "\nJob completed successfully")
	}

	logWriter.Flush()
	logFile.Close()

	// Read log file content into the result
	if logContent, err := os.ReadFile(logFilePath); err != nil {
		c.logger.Warn("failed to read job log", "file", logFilePath, "error", err)
	} else {
		result.LogText = string(logContent)
	}

	if convErr != nil {
		if errors.Is(convErr, models.ErrConversionFailure) {
			return result, convErr
		}
		return result, fmt.Errorf("%w: %v", models.ErrConversionFailure, convErr)
	}
	return result, nil
}

func (c *GDALConverter) convert(ctx context.Context, job models.ConversionJob, result *ConversionResult, logWriter *bufio.Writer) error {
	writeLog(logWriter, "Job started")
	writeLog(logWriter, fmt.Sprintf("Tile: %s", job.TileID))
	writeLog(logWriter, fmt.Sprintf("Input: %s", job.SourcePath))
	writeLog(logWriter, fmt.Sprintf("Output directory: %s", job.OutputDir))

	if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	vars := workflow.GetVariables(job.SourcePath, job.OutputDir, job.TileID)

	docs, err := c.loadDocuments(ctx, vars, logWriter)
	if err != nil {
		return err
	}
	rasterCount := len(docs)
	writeLog(logWriter, fmt.Sprintf("Rasters: %d", rasterCount))

	tempDir, err := os.MkdirTemp(job.OutputDir, ".cogstac-")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	for i, doc := range docs {
		rasterIndex := i + 1

		var bands []string
		for _, band := range doc.BandNames() {
			if c.recipe.SkipBand(band) {
				writeLog(logWriter, fmt.Sprintf("Skipping band %s", band))
				continue
			}
			bands = append(bands, band)
		}
		if len(bands) == 0 {
			return fmt.Errorf("raster %d has no bands to convert", rasterIndex)
		}

		for _, band := range bands {
			outputPath := filepath.Join(job.OutputDir, workflow.BandOutputName(vars.FileBase, band, rasterIndex, rasterCount))
			tempPath := filepath.Join(tempDir, fmt.Sprintf("%d_%s.tif", rasterIndex, band))
			bandVars := vars.ForBand(c.recipe, band, rasterIndex, outputPath, tempPath)

			if err := c.convertBand(ctx, bandVars, logWriter); err != nil {
				return err
			}
			if _, err := os.Stat(outputPath); err != nil {
				return fmt.Errorf("band %s: recipe finished without producing %s", band, filepath.Base(outputPath))
			}
			result.ProducedFiles = append(result.ProducedFiles, outputPath)
		}

		doc.RetainBands(bands)
		doc.PrepareForCOG(func(band string) string {
			return workflow.BandOutputName(vars.FileBase, band, rasterIndex, rasterCount)
		})
	}

	for i, doc := range docs {
		sidecarPath := filepath.Join(job.OutputDir, workflow.SidecarName(vars.FileBase, i+1, rasterCount))
		if err := writeSidecar(sidecarPath, doc); err != nil {
			return err
		}
		writeLog(logWriter, fmt.Sprintf("Wrote side-car %s", filepath.Base(sidecarPath)))
		result.MetadataPaths = append(result.MetadataPaths, sidecarPath)
	}

	return nil
}

// loadDocuments reads the dataset documents next to the source, or from the
// recipe's metadata command
func (c *GDALConverter) loadDocuments(ctx context.Context, vars workflow.Variables, logWriter *bufio.Writer) ([]metadata.Document, error) {
	for _, suffix := range c.recipe.Metadata.SidecarSuffixes {
		candidate := filepath.Join(vars.FileDir, vars.FileBase+suffix)
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		writeLog(logWriter, fmt.Sprintf("Dataset document: %s", candidate))
		return metadata.DecodeStream(data)
	}

	if c.recipe.Metadata.Run == "" {
		return nil, fmt.Errorf("no dataset document found for %s", vars.FileName)
	}

	stdout, err := c.runStep(ctx, workflow.Step{Name: "metadata", Run: c.recipe.Metadata.Run}, vars, logWriter)
	if err != nil {
		return nil, err
	}
	return metadata.DecodeStream(stdout)
}

// convertBand runs every recipe step for one band
func (c *GDALConverter) convertBand(ctx context.Context, vars workflow.Variables, logWriter *bufio.Writer) error {
	writeLog(logWriter, fmt.Sprintf("\n=== Raster %d band %s ===", vars.BandIndex, vars.Band))

	for i, step := range c.recipe.Steps {
		if !workflow.EvaluateCondition(step.Condition, vars) {
			writeLog(logWriter, fmt.Sprintf("--- Step %d: %s skipped (condition: %s) ---", i+1, step.Name, step.Condition))
			continue
		}
		writeLog(logWriter, fmt.Sprintf("--- Step %d: %s ---", i+1, step.Name))

		_, err := c.runStep(ctx, step, vars, logWriter)
		var stop *stepStop
		if errors.As(err, &stop) {
			writeLog(logWriter, fmt.Sprintf("INFO: %s", stop.Error()))
			if stop.success {
				return nil
			}
			return fmt.Errorf("band %s: %w", vars.Band, stop)
		}
		if err != nil {
			return fmt.Errorf("band %s: %w", vars.Band, err)
		}

		// Check if context was cancelled
		if ctx.Err() != nil {
			writeLog(logWriter, "Job cancelled or timed out")
			return ctx.Err()
		}
	}
	return nil
}

// runStep executes one command and returns its stdout
func (c *GDALConverter) runStep(ctx context.Context, step workflow.Step, vars workflow.Variables, logWriter *bufio.Writer) ([]byte, error) {
	command := workflow.SubstituteVariables(step.Run, vars)
	writeLog(logWriter, fmt.Sprintf("Command: %s", command))

	timeout := c.stepTimeout
	if step.Timeout > 0 {
		timeout = time.Duration(step.Timeout) * time.Second
	}
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(stepCtx, "sh", "-c", command)
	// Children of the shell may hold the output pipes after it is killed
	cmd.WaitDelay = 2 * time.Second

	stepEnv := make(map[string]string, len(step.Env))
	for key, value := range step.Env {
		stepEnv[key] = workflow.SubstituteVariables(value, vars)
	}
	cmd.Env = append(os.Environ(), workflow.EnvList(workflow.MergeEnvironment(nil, c.recipe.Env, stepEnv))...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	if stdout.Len() > 0 && step.Name != "metadata" {
		writeLog(logWriter, fmt.Sprintf("STDOUT:\n%s", stdout.String()))
	}
	if stderr.Len() > 0 {
		writeLog(logWriter, fmt.Sprintf("STDERR:\n%s", stderr.String()))
	}
	writeLog(logWriter, fmt.Sprintf("Exit code: %d", exitCode))

	switch exitCode {
	case 0:
		return stdout.Bytes(), nil
	case ExitStopSuccess:
		return stdout.Bytes(), &stepStop{success: true, step: step.Name}
	case ExitStopFailure:
		return nil, &stepStop{success: false, step: step.Name}
	}

	if stepCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("step %s timed out after %s", step.Name, timeout)
	}
	return nil, fmt.Errorf("%w: step %s exited with code %d: %s",
		models.ErrConversionFailure, step.Name, exitCode, tail(stderr.String(), 5))
}

func writeSidecar(path string, doc metadata.Document) error {
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode side-car %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write side-car: %w", err)
	}
	return os.Rename(tmp, path)
}

// tail returns the last n non-empty lines of s
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

// writeLog writes a timestamped log entry
func writeLog(w *bufio.Writer, message string) {
	timestamp := time.Now().Format(time.RFC3339)
	fmt.Fprintf(w, "[%s] %s\n", timestamp, message)
}
