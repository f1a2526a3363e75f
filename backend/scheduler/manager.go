package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/andi/cogstac/backend/executor"
	"github.com/andi/cogstac/backend/models"
	"github.com/google/uuid"
)

// NotDispatchedDetail is recorded for jobs left behind by a stopped run
const NotDispatchedDetail = "not dispatched: run stopped"

// EventSink receives progress notifications. Calls are made one at a time from
// the goroutine running the batch, so a slow sink delays dispatch.
type EventSink interface {
	JobStarted(runID string, job models.ConversionJob, slot int)
	JobFinished(runID string, outcome models.JobOutcome)
	RunCompleted(report *models.BatchRunReport)
}

// Manager runs a batch of conversion jobs with bounded concurrency
type Manager struct {
	converter executor.Converter
	logger    *slog.Logger

	mu      sync.RWMutex
	sink    EventSink
	current *SlotPool
	runID   string
}

// NewManager creates a manager driving converter
func NewManager(converter executor.Converter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{converter: converter, logger: logger}
}

// SetEventSink sets the receiver of job events
func (m *Manager) SetEventSink(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

func (m *Manager) eventSink() EventSink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sink
}

// PoolStatus reports the slots of the batch in progress, if any
func (m *Manager) PoolStatus() (string, []SlotStatus) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return "", []SlotStatus{}
	}
	return m.runID, m.current.GetSlotStatus()
}

// Run converts every job and returns once each has a terminal outcome.
// Cancelling ctx stops dispatch; jobs already running finish normally.
func (m *Manager) Run(ctx context.Context, jobs []models.ConversionJob, maxConcurrency int) (*models.BatchRunReport, error) {
	return m.RunWithID(ctx, uuid.New().String(), jobs, maxConcurrency)
}

// RunWithID is Run under a caller supplied run id
func (m *Manager) RunWithID(ctx context.Context, runID string, jobs []models.ConversionJob, maxConcurrency int) (*models.BatchRunReport, error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("%w: max concurrency must be at least 1, got %d", models.ErrInvalidConfiguration, maxConcurrency)
	}

	start := time.Now()
	report := &models.BatchRunReport{
		RunID:     runID,
		Succeeded: []string{},
		Failed:    []string{},
		Outcomes:  []models.JobOutcome{},
	}
	if len(jobs) == 0 {
		return report, nil
	}

	pool, err := NewSlotPool(min(maxConcurrency, len(jobs)), m.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfiguration, err)
	}
	m.mu.Lock()
	m.current = pool
	m.runID = report.RunID
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.current = nil
		m.runID = ""
		m.mu.Unlock()
		pool.Close()
	}()

	m.logger.Info("batch started", "run_id", report.RunID, "jobs", len(jobs), "concurrency", pool.GetPoolSize())

	// Running jobs must not see the stop signal
	jobCtx := context.WithoutCancel(ctx)
	outcomes := make(chan models.JobOutcome, len(jobs))
	sink := m.eventSink()

	dispatched := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		slot, err := pool.Acquire(ctx)
		if err != nil {
			break
		}
		slot.assign(job.TileID, job.SourcePath)
		dispatched++

		if sink != nil {
			sink.JobStarted(report.RunID, job, slot.GetID())
		}
		go func(slot *Slot, job models.ConversionJob) {
			defer pool.Release(slot)
			outcomes <- m.execute(jobCtx, report.RunID, job)
		}(slot, job)
	}

	byKey := make(map[string]models.JobOutcome, len(jobs))
	for i := 0; i < dispatched; i++ {
		outcome := <-outcomes
		byKey[outcome.TileID+"|"+outcome.SourcePath] = outcome
		if sink != nil {
			sink.JobFinished(report.RunID, outcome)
		}
	}

	if dispatched < len(jobs) {
		m.logger.Warn("batch stopped before dispatching every job",
			"run_id", report.RunID, "dispatched", dispatched, "total", len(jobs))
	}

	now := time.Now()
	failedTiles := make(map[string]bool)
	for _, job := range jobs {
		outcome, ok := byKey[job.Key()]
		if !ok {
			outcome = models.JobOutcome{
				TileID:      job.TileID,
				SourcePath:  job.SourcePath,
				Status:      models.JobStatusFailure,
				ErrorDetail: NotDispatchedDetail,
				StartedAt:   now,
				CompletedAt: now,
			}
		}
		if !outcome.Succeeded() {
			failedTiles[job.TileID] = true
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	seen := make(map[string]bool)
	for _, job := range jobs {
		if seen[job.TileID] {
			continue
		}
		seen[job.TileID] = true
		if failedTiles[job.TileID] {
			report.Failed = append(report.Failed, job.TileID)
		} else {
			report.Succeeded = append(report.Succeeded, job.TileID)
		}
	}

	// Jobs held back by a stop still count, as failures
	report.TotalDispatched = len(jobs)
	report.Duration = time.Since(start)

	m.logger.Info("batch finished",
		"run_id", report.RunID,
		"dispatched", dispatched,
		"jobs", len(jobs),
		"succeeded", report.SucceededJobs(),
		"failed", report.FailedJobs(),
		"duration", report.Duration)

	if sink != nil {
		sink.RunCompleted(report)
	}
	return report, nil
}

// execute converts one job. Panics and errors become failure outcomes.
func (m *Manager) execute(ctx context.Context, runID string, job models.ConversionJob) (outcome models.JobOutcome) {
	outcome = models.JobOutcome{
		TileID:     job.TileID,
		SourcePath: job.SourcePath,
		StartedAt:  time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("conversion panicked", "run_id", runID, "tile", job.TileID, "source", job.SourcePath,
				"panic", r, "stack", string(debug.Stack()))
			outcome.Status = models.JobStatusFailure
			outcome.ErrorDetail = fmt.Sprintf("panic: %v", r)
			outcome.CompletedAt = time.Now()
		}
	}()

	m.logger.Info("job started", "run_id", runID, "tile", job.TileID, "source", job.SourcePath)

	result, err := m.converter.Convert(executor.WithRunID(ctx, runID), job)
	outcome.CompletedAt = time.Now()
	if result != nil {
		outcome.ArtifactPaths = result.ProducedFiles
		outcome.MetadataPaths = result.MetadataPaths
		outcome.LogText = result.LogText
	}

	if err != nil {
		outcome.Status = models.JobStatusFailure
		outcome.ErrorDetail = err.Error()
		m.logger.Warn("job failed", "run_id", runID, "tile", job.TileID, "source", job.SourcePath, "error", err)
		return outcome
	}

	outcome.Status = models.JobStatusSuccess
	m.logger.Info("job completed", "run_id", runID, "tile", job.TileID, "source", job.SourcePath,
		"files", len(outcome.ArtifactPaths), "duration", outcome.CompletedAt.Sub(outcome.StartedAt))
	return outcome
}
