package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Slot is one unit of conversion capacity
type Slot struct {
	id          int
	mu          sync.RWMutex
	busy        bool
	currentTile string
	currentFile string
}

// GetID returns the slot number
func (s *Slot) GetID() int {
	return s.id
}

func (s *Slot) assign(tileID, sourcePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = true
	s.currentTile = tileID
	s.currentFile = sourcePath
}

func (s *Slot) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.currentTile = ""
	s.currentFile = ""
}

// SlotStatus represents the status of a slot
type SlotStatus struct {
	ID          int    `json:"id"`
	Busy        bool   `json:"busy"`
	CurrentTile string `json:"current_tile,omitempty"`
	CurrentFile string `json:"current_file,omitempty"`
}

func (s *Slot) status() SlotStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SlotStatus{ID: s.id, Busy: s.busy, CurrentTile: s.currentTile, CurrentFile: s.currentFile}
}

// SlotPool bounds the number of conversions in flight
type SlotPool struct {
	slots     []*Slot
	available chan *Slot
	logger    *slog.Logger
	mu        sync.Mutex
	closed    bool
}

// NewSlotPool creates a pool with size slots
func NewSlotPool(size int, logger *slog.Logger) (*SlotPool, error) {
	if size < 1 {
		return nil, fmt.Errorf("slot pool size must be at least 1, got %d", size)
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool := &SlotPool{
		slots:     make([]*Slot, size),
		available: make(chan *Slot, size),
		logger:    logger,
	}

	for i := 0; i < size; i++ {
		slot := &Slot{id: i + 1}
		pool.slots[i] = slot
		pool.available <- slot
	}

	logger.Debug("slot pool created", "size", size)
	return pool, nil
}

// Acquire gets an available slot from the pool, blocking if none are available
func (p *SlotPool) Acquire(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("slot pool is closed")
	}
	p.mu.Unlock()

	select {
	case slot, ok := <-p.available:
		if !ok {
			return nil, fmt.Errorf("slot pool is closed")
		}
		p.logger.Debug("slot acquired", "slot", slot.id)
		return slot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a slot to the pool
func (p *SlotPool) Release(slot *Slot) {
	slot.clear()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.logger.Debug("slot released", "slot", slot.id)
	p.available <- slot
}

// GetPoolSize returns the total number of slots in the pool
func (p *SlotPool) GetPoolSize() int {
	return len(p.slots)
}

// GetAvailableCount returns the number of idle slots
func (p *SlotPool) GetAvailableCount() int {
	return len(p.available)
}

// GetBusyCount returns the number of busy slots
func (p *SlotPool) GetBusyCount() int {
	return p.GetPoolSize() - p.GetAvailableCount()
}

// GetSlotStatus returns the status of all slots
func (p *SlotPool) GetSlotStatus() []SlotStatus {
	statuses := make([]SlotStatus, len(p.slots))
	for i, slot := range p.slots {
		statuses[i] = slot.status()
	}
	return statuses
}

// Close closes the pool. Slots released afterwards are dropped.
func (p *SlotPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.available)
	p.logger.Debug("slot pool closed")
}
