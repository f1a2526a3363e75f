package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/andi/cogstac/backend/database"
	"github.com/andi/cogstac/backend/models"
	"github.com/andi/cogstac/backend/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	all      int
	force    bool
	triggers int
}

func (q *fakeQueue) Enqueue(tileID string, force bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, tileID)
	q.force = force
}

func (q *fakeQueue) EnqueueAll(force bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.all++
	q.force = force
}

func (q *fakeQueue) Trigger() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.triggers++
}

func (q *fakeQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.enqueued...)
}

func (q *fakeQueue) IsRunning() bool { return false }

type fakePool struct {
	runID string
	slots []scheduler.SlotStatus
}

func (p *fakePool) PoolStatus() (string, []scheduler.SlotStatus) {
	return p.runID, p.slots
}

func newTestServer(t *testing.T) (*Server, *database.DB, *fakeQueue, *fakePool) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queue := &fakeQueue{}
	pool := &fakePool{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(db, queue, pool, t.TempDir(), logger)
	t.Cleanup(func() { srv.Hub().Stop() })

	return srv, db, queue, pool
}

func doRequest(t *testing.T, srv *Server, method, target, body string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func createRun(t *testing.T, db *database.DB, tiles string) *models.Run {
	t.Helper()
	run := &models.Run{Tiles: tiles, Status: models.RunStatusCompleted, Total: 2, Succeeded: 2}
	require.NoError(t, database.NewRunRepo(db).Create(run))
	return run
}

func TestListAndGetRuns(t *testing.T) {
	srv, db, _, _ := newTestServer(t)
	run := createRun(t, db, "ALL")
	createRun(t, db, "A,B")

	resp, body := doRequest(t, srv, http.MethodGet, "/api/runs?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Runs  []models.Run `json:"runs"`
		Total int          `json:"total"`
		Limit int          `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, 1, list.Limit)
	assert.Len(t, list.Runs, 1)

	resp, body = doRequest(t, srv, http.MethodGet, "/api/runs/"+run.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Run
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "ALL", got.Tiles)

	resp, _ = doRequest(t, srv, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunJobsAndLog(t *testing.T) {
	srv, db, _, _ := newTestServer(t)
	run := createRun(t, db, "A,B")

	jobs := database.NewJobRepo(db)
	ok := &models.Job{RunID: run.ID, TileID: "A", SourcePath: "/src/A/a.nc", Status: string(models.JobStatusSuccess), LogText: "[t] step one\n[t] step two\n"}
	bad := &models.Job{RunID: run.ID, TileID: "B", SourcePath: "/src/B/b.nc", Status: string(models.JobStatusFailure), ErrorDetail: "exit 1"}
	require.NoError(t, jobs.Create(ok))
	require.NoError(t, jobs.Create(bad))

	resp, body := doRequest(t, srv, http.MethodGet, "/api/runs/"+run.ID+"/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Jobs  []models.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 2, list.Total)
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, "A", list.Jobs[0].TileID)
	assert.Empty(t, list.Jobs[0].LogText)

	resp, body = doRequest(t, srv, http.MethodGet, "/api/runs/"+run.ID+"/jobs?status=failure", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "exit 1", list.Jobs[0].ErrorDetail)

	resp, _ = doRequest(t, srv, http.MethodGet, "/api/runs/missing/jobs", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var logResp struct {
		Content   string `json:"content"`
		Offset    int    `json:"offset"`
		Completed bool   `json:"completed"`
	}
	resp, body = doRequest(t, srv, http.MethodGet, "/api/jobs/"+ok.ID+"/log", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &logResp))
	assert.Equal(t, ok.LogText, logResp.Content)
	assert.Equal(t, len(ok.LogText), logResp.Offset)
	assert.True(t, logResp.Completed)

	resp, body = doRequest(t, srv, http.MethodGet, "/api/jobs/"+ok.ID+"/log?offset=13", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &logResp))
	assert.Equal(t, "[t] step two\n", logResp.Content)

	resp, body = doRequest(t, srv, http.MethodGet, "/api/jobs/"+ok.ID+"/log?offset=1000", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &logResp))
	assert.Empty(t, logResp.Content)

	resp, _ = doRequest(t, srv, http.MethodGet, "/api/jobs/missing/log", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRunQueuesTiles(t *testing.T) {
	srv, _, queue, _ := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodPost, "/api/runs", `{"tiles":"ALL","force":true}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, queue.all)
	assert.True(t, queue.force)
	assert.Equal(t, 1, queue.triggers)

	resp, body := doRequest(t, srv, http.MethodPost, "/api/runs", `{"tiles":"18_-28, -15_-40"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"-15_-40", "18_-28"}, queue.enqueued)
	assert.False(t, queue.force)
	assert.Equal(t, 2, queue.triggers)
	assert.Contains(t, string(body), "-15_-40,18_-28")

	resp, _ = doRequest(t, srv, http.MethodPost, "/api/runs", `{"tiles":" , "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, srv, http.MethodPost, "/api/runs", `{"tiles":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 2, queue.triggers)
}

func TestListTiles(t *testing.T) {
	srv, db, _, _ := newTestServer(t)
	tiles := database.NewTileRepo(db)
	require.NoError(t, tiles.RecordResult("B", "run-1", models.JobStatusFailure, 0))
	require.NoError(t, tiles.RecordResult("A", "run-1", models.JobStatusSuccess, 3))

	resp, body := doRequest(t, srv, http.MethodGet, "/api/tiles", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Tiles []models.Tile `json:"tiles"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 2, list.Total)
	assert.Equal(t, "A", list.Tiles[0].ID)
	assert.True(t, list.Tiles[0].Converted)
	assert.Equal(t, 3, list.Tiles[0].ItemCount)
	assert.False(t, list.Tiles[1].Converted)
}

func TestPoolStatus(t *testing.T) {
	srv, _, _, pool := newTestServer(t)
	pool.runID = "run-7"
	pool.slots = []scheduler.SlotStatus{
		{ID: 0, Busy: true, CurrentTile: "A", CurrentFile: "/src/A/a.nc"},
		{ID: 1},
	}

	resp, body := doRequest(t, srv, http.MethodGet, "/api/pool", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		RunID     string                 `json:"run_id"`
		PoolSize  int                    `json:"pool_size"`
		Busy      int                    `json:"busy"`
		Available int                    `json:"available"`
		Slots     []scheduler.SlotStatus `json:"slots"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "run-7", status.RunID)
	assert.Equal(t, 2, status.PoolSize)
	assert.Equal(t, 1, status.Busy)
	assert.Equal(t, 1, status.Available)
	assert.Equal(t, "A", status.Slots[0].CurrentTile)
}

func TestDashboardRenders(t *testing.T) {
	srv, db, _, pool := newTestServer(t)
	run := createRun(t, db, "A,B")
	require.NoError(t, database.NewTileRepo(db).RecordResult("A", run.ID, models.JobStatusSuccess, 1))
	pool.runID = "run-live"
	pool.slots = []scheduler.SlotStatus{{ID: 0, Busy: true, CurrentTile: "A"}}

	resp, body := doRequest(t, srv, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	page := string(body)
	assert.Contains(t, page, "COG STAC Converter")
	assert.Contains(t, page, run.ID)
	assert.Contains(t, page, "run-live")
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
