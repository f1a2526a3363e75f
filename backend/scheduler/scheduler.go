package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/andi/cogstac/backend/models"
)

// BatchRunner converts a set of tiles. A nil tile list means every tile.
// An error with an empty run id means the batch failed before dispatch.
type BatchRunner interface {
	RunBatch(ctx context.Context, tiles []string, force bool) (string, error)
}

// Scheduler collects tile requests and runs them as batches, one at a time
type Scheduler struct {
	runner        BatchRunner
	batchInterval time.Duration
	logger        *slog.Logger

	stopChan    chan struct{}
	triggerChan chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	stopped     bool
	running     bool
	cancelBatch context.CancelFunc

	pending    map[string]bool // tile id -> force
	pendingAll bool
	allForce   bool
}

// New creates a new scheduler
func New(runner BatchRunner, batchInterval time.Duration, logger *slog.Logger) *Scheduler {
	if batchInterval <= 0 {
		batchInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		runner:        runner,
		batchInterval: batchInterval,
		logger:        logger,
		stopChan:      make(chan struct{}),
		triggerChan:   make(chan struct{}, 1),
		pending:       make(map[string]bool),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler", "batch_interval", s.batchInterval)

	s.wg.Add(1)
	go s.run()
}

// Stop stops dispatching, lets running conversions finish and waits for the loop
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.cancelBatch != nil {
		s.cancelBatch()
	}
	s.mu.Unlock()

	s.logger.Info("stopping scheduler")
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Enqueue adds a tile to the next batch. Force survives until that batch runs.
func (s *Scheduler) Enqueue(tileID string, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[tileID] = s.pending[tileID] || force
}

// EnqueueAll schedules every tile for the next batch
func (s *Scheduler) EnqueueAll(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingAll = true
	s.allForce = s.allForce || force
}

// Trigger runs the next batch without waiting for the interval
func (s *Scheduler) Trigger() {
	select {
	case s.triggerChan <- struct{}{}:
	default:
	}
}

// Pending returns the queued tile ids
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tiles := make([]string, 0, len(s.pending))
	for tile := range s.pending {
		tiles = append(tiles, tile)
	}
	sort.Strings(tiles)
	return tiles
}

// IsRunning reports whether a batch is in progress
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runPending()
		case <-s.triggerChan:
			s.runPending()
		}
	}
}

type batch struct {
	tiles []string
	force bool
}

// takePending drains the queue into at most two batches: forced and normal
func (s *Scheduler) takePending() []batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingAll {
		b := batch{tiles: nil, force: s.allForce}
		s.pendingAll = false
		s.allForce = false
		s.pending = make(map[string]bool)
		return []batch{b}
	}
	if len(s.pending) == 0 {
		return nil
	}

	var forced, normal batch
	forced.force = true
	for tile, force := range s.pending {
		if force {
			forced.tiles = append(forced.tiles, tile)
		} else {
			normal.tiles = append(normal.tiles, tile)
		}
	}
	s.pending = make(map[string]bool)

	var batches []batch
	for _, b := range []batch{forced, normal} {
		if len(b.tiles) > 0 {
			sort.Strings(b.tiles)
			batches = append(batches, b)
		}
	}
	return batches
}

// runPending runs queued tiles. Only the loop goroutine calls it, so batches never overlap.
func (s *Scheduler) runPending() {
	for _, b := range s.takePending() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelBatch = cancel
		s.running = true
		s.mu.Unlock()

		s.logger.Info("running scheduled batch", "tiles", len(b.tiles), "all", b.tiles == nil, "force", b.force)
		runID, err := s.runner.RunBatch(ctx, b.tiles, b.force)
		switch {
		case err != nil && runID == "":
			s.logger.Error("scheduled batch failed before dispatch", "error", err)
			s.requeue(b, err)
		case err != nil:
			s.logger.Error("scheduled batch failed", "run_id", runID, "error", err)
		default:
			s.logger.Info("scheduled batch completed", "run_id", runID)
		}

		s.mu.Lock()
		s.running = false
		s.cancelBatch = nil
		s.mu.Unlock()
		cancel()
	}
}

// requeue puts the tiles of a batch that never dispatched back in the queue.
// Tiles the runner could not find are dropped and the rest run right away;
// any other failure waits for the next interval.
func (s *Scheduler) requeue(b batch, err error) {
	var notFound *models.NotFoundError
	missing := make(map[string]bool)
	if errors.As(err, &notFound) {
		for _, tile := range notFound.TileIDs {
			missing[tile] = true
		}
	}

	s.mu.Lock()
	requeued := 0
	if b.tiles == nil {
		s.pendingAll = true
		s.allForce = s.allForce || b.force
		requeued = 1
	}
	for _, tile := range b.tiles {
		if missing[tile] {
			s.logger.Warn("dropping unknown tile from queue", "tile", tile)
			continue
		}
		s.pending[tile] = s.pending[tile] || b.force
		requeued++
	}
	s.mu.Unlock()

	if len(missing) > 0 && requeued > 0 {
		s.Trigger()
	}
}
