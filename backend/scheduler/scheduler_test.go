package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andi/cogstac/backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchCall struct {
	tiles []string
	force bool
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []batchCall
	done   chan struct{}
	result func(tiles []string) (string, error)
}

func (f *fakeRunner) RunBatch(_ context.Context, tiles []string, force bool) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, batchCall{tiles: tiles, force: force})
	result := f.result
	f.mu.Unlock()
	defer func() { f.done <- struct{}{} }()
	if result != nil {
		return result(tiles)
	}
	return "run-1", nil
}

func waitCalls(t *testing.T, r *fakeRunner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("expected %d batch calls", n)
		}
	}
}

func TestSchedulerRunsQueuedTiles(t *testing.T) {
	runner := &fakeRunner{done: make(chan struct{}, 4)}
	s := New(runner, time.Hour, nil)
	s.Start()
	defer s.Stop()

	s.Enqueue("B", false)
	s.Enqueue("A", false)
	s.Enqueue("C", true)
	assert.Equal(t, []string{"A", "B", "C"}, s.Pending())

	s.Trigger()
	waitCalls(t, runner, 2)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.calls, 2)
	assert.Equal(t, batchCall{tiles: []string{"C"}, force: true}, runner.calls[0])
	assert.Equal(t, batchCall{tiles: []string{"A", "B"}, force: false}, runner.calls[1])
	assert.Empty(t, s.Pending())
}

func TestSchedulerEnqueueAll(t *testing.T) {
	runner := &fakeRunner{done: make(chan struct{}, 4)}
	s := New(runner, time.Hour, nil)
	s.Start()
	defer s.Stop()

	s.Enqueue("A", false)
	s.EnqueueAll(true)
	s.Trigger()
	waitCalls(t, runner, 1)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Nil(t, runner.calls[0].tiles)
	assert.True(t, runner.calls[0].force)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s := New(&fakeRunner{done: make(chan struct{}, 1)}, time.Hour, nil)
	s.Start()
	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestSchedulerDropsUnknownTilesAndKeepsTheRest(t *testing.T) {
	runner := &fakeRunner{done: make(chan struct{}, 4)}
	runner.result = func(tiles []string) (string, error) {
		for _, tile := range tiles {
			if tile == "Z" {
				return "", &models.NotFoundError{TileIDs: []string{"Z"}}
			}
		}
		return "run-2", nil
	}
	s := New(runner, time.Hour, nil)
	s.Start()
	defer s.Stop()

	s.Enqueue("A", false)
	s.Enqueue("Z", false)
	s.Trigger()
	waitCalls(t, runner, 2)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{"A", "Z"}, runner.calls[0].tiles)
	assert.Equal(t, []string{"A"}, runner.calls[1].tiles)
	assert.Empty(t, s.Pending())
}

func TestSchedulerRequeuesBatchThatNeverDispatched(t *testing.T) {
	runner := &fakeRunner{done: make(chan struct{}, 4)}
	runner.result = func([]string) (string, error) {
		return "", errors.New("gdal_translate not installed")
	}
	s := New(runner, time.Hour, nil)
	s.Start()
	defer s.Stop()

	s.Enqueue("A", true)
	s.Enqueue("B", false)
	s.Trigger()
	waitCalls(t, runner, 2)

	require.Eventually(t, func() bool { return len(s.Pending()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"A", "B"}, s.Pending())
	s.mu.Lock()
	assert.True(t, s.pending["A"], "force survives the requeue")
	s.mu.Unlock()
}

func TestSchedulerKeepsFailedRunsOutOfQueue(t *testing.T) {
	runner := &fakeRunner{done: make(chan struct{}, 4)}
	runner.result = func([]string) (string, error) {
		return "run-3", errors.New("run run-3 finished with failures")
	}
	s := New(runner, time.Hour, nil)
	s.Start()
	defer s.Stop()

	s.Enqueue("A", false)
	s.Trigger()
	waitCalls(t, runner, 1)

	require.Eventually(t, func() bool { return !s.IsRunning() }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.Pending())
}
