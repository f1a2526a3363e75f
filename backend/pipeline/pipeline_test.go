package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/andi/cogstac/backend/config"
	"github.com/andi/cogstac/backend/database"
	"github.com/andi/cogstac/backend/executor"
	"github.com/andi/cogstac/backend/gateway"
	"github.com/andi/cogstac/backend/models"
	"github.com/andi/cogstac/backend/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sidecarTemplate = `id: %[1]s
extent:
  center_dt: 2018-01-01T00:00:00
  coord:
    ll: {lat: -40.0, lon: 138.0}
    ur: {lat: -39.0, lon: 139.0}
grid_spatial:
  projection:
    spatial_reference: %[2]s
image:
  bands:
    BS:
      path: %[3]s
`

type fakeConverter struct {
	fail      map[string]bool
	malformed map[string]bool
	calls     int32
}

func (f *fakeConverter) CheckDependencies() error { return nil }

func (f *fakeConverter) Convert(_ context.Context, job models.ConversionJob) (*executor.ConversionResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fail[job.TileID] {
		return &executor.ConversionResult{LogText: "gdal_translate failed"}, fmt.Errorf("%w: step extract exited with code 1", models.ErrConversionFailure)
	}

	base := strings.TrimSuffix(filepath.Base(job.SourcePath), ".nc")
	if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
		return nil, err
	}
	tif := filepath.Join(job.OutputDir, base+"_BS.tif")
	if err := os.WriteFile(tif, []byte("II*\x00"+job.TileID), 0644); err != nil {
		return nil, err
	}

	crs := "EPSG:3577"
	if f.malformed[job.TileID] {
		crs = `""`
	}
	sidecar := filepath.Join(job.OutputDir, base+".yaml")
	content := fmt.Sprintf(sidecarTemplate, job.TileID+"-"+base, crs, filepath.Base(tif))
	if err := os.WriteFile(sidecar, []byte(content), 0644); err != nil {
		return nil, err
	}

	return &executor.ConversionResult{
		ProducedFiles: []string{tif},
		MetadataPaths: []string{sidecar},
		LogText:       "ok",
	}, nil
}

type env struct {
	cfg    *config.Config
	db     *database.DB
	source string
	output string
}

func newEnv(t *testing.T, tiles ...string) env {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Paths.Source = filepath.Join(root, "netcdf")
	cfg.Paths.Output = filepath.Join(root, "cog")
	cfg.Catalog.BaseURL = "https://data.example.org/"
	cfg.Catalog.Product = "FCP"
	cfg.Execution.MaxConcurrency = 2

	for _, tile := range tiles {
		dir := filepath.Join(cfg.Paths.Source, tile)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "FC_2018.nc"), []byte("CDF"+tile), 0644))
	}

	db, err := database.New(filepath.Join(root, "cogstac.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return env{cfg: cfg, db: db, source: cfg.Paths.Source, output: cfg.Paths.Output}
}

func newPipeline(t *testing.T, e env, conv Converter, gw gateway.Gateway) *Pipeline {
	t.Helper()
	p, err := New(Options{Config: e.cfg, Converter: conv, DB: e.db, Gateway: gw})
	require.NoError(t, err)
	return p
}

func childLinks(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Links []struct {
			Href string `json:"href"`
			Rel  string `json:"rel"`
		} `json:"links"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	var children []string
	for _, link := range doc.Links {
		if link.Rel == "child" {
			children = append(children, link.Href)
		}
	}
	return children
}

func TestRunWithFailingTile(t *testing.T) {
	e := newEnv(t, "A", "B", "C")
	conv := &fakeConverter{fail: map[string]bool{"B": true}}
	p := newPipeline(t, e, conv, nil)

	result, err := p.Run(context.Background(), p.DefaultRequest(scanner.TileSelection{All: true}, false))
	require.NoError(t, err)

	assert.Equal(t, 3, result.Report.TotalDispatched)
	assert.Equal(t, []string{"A", "C"}, result.Report.Succeeded)
	assert.Equal(t, []string{"B"}, result.Report.Failed)
	assert.True(t, result.Failed())
	assert.Equal(t, 5, result.CatalogDocuments)

	assert.Equal(t, []string{"A/catalog.json", "C/catalog.json"}, childLinks(t, filepath.Join(e.output, "catalog.json")))
	assert.FileExists(t, filepath.Join(e.output, "A", "A_20180101T000000Z_STAC.json"))
	assert.NoFileExists(t, filepath.Join(e.output, "B", "catalog.json"))

	run, err := database.NewRunRepo(e.db).GetByID(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, 2, run.Succeeded)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, "B", run.FailedTiles)

	jobs, err := database.NewJobRepo(e.db).ListByRun(result.RunID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "gdal_translate failed", jobs[1].LogText)

	tile, err := database.NewTileRepo(e.db).GetByID("A")
	require.NoError(t, err)
	require.NotNil(t, tile)
	assert.True(t, tile.Converted)
	assert.Equal(t, 1, tile.ItemCount)

	// A rerun only retries the failed tile and keeps the published ones
	conv.fail = nil
	again, err := p.Run(context.Background(), p.DefaultRequest(scanner.TileSelection{All: true}, false))
	require.NoError(t, err)
	assert.Equal(t, 1, again.Report.TotalDispatched)
	assert.False(t, again.Failed())
	assert.Equal(t, []string{"A/catalog.json", "B/catalog.json", "C/catalog.json"}, childLinks(t, filepath.Join(e.output, "catalog.json")))
}

func TestRunRetriesChangedSourceAfterFailedReconversion(t *testing.T) {
	e := newEnv(t, "A")
	conv := &fakeConverter{}
	p := newPipeline(t, e, conv, nil)
	req := p.DefaultRequest(scanner.TileSelection{All: true}, false)

	first, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Report.TotalDispatched)
	assert.False(t, first.Failed())

	require.NoError(t, os.WriteFile(filepath.Join(e.source, "A", "FC_2018.nc"), []byte("CDF reprocessed"), 0644))
	conv.fail = map[string]bool{"A": true}
	second, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Report.TotalDispatched)
	assert.Equal(t, []string{"A"}, second.Report.Failed)

	// The source index already holds the new checksum, the tile state still owes a conversion
	conv.fail = nil
	third, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Report.TotalDispatched)
	assert.Equal(t, []string{"A"}, third.Report.Succeeded)
	assert.False(t, third.Failed())

	fourth, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, fourth.Report.TotalDispatched)
}

func TestRunFailedRerunKeepsPublishedTile(t *testing.T) {
	e := newEnv(t, "A", "B")
	conv := &fakeConverter{}
	p := newPipeline(t, e, conv, nil)

	_, err := p.Run(context.Background(), p.DefaultRequest(scanner.TileSelection{All: true}, false))
	require.NoError(t, err)
	rootPath := filepath.Join(e.output, "catalog.json")
	require.Equal(t, []string{"A/catalog.json", "B/catalog.json"}, childLinks(t, rootPath))

	conv.fail = map[string]bool{"B": true}
	sel, err := scanner.ParseTileSelection("B")
	require.NoError(t, err)
	result, err := p.Run(context.Background(), p.DefaultRequest(sel, true))
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, result.Report.Failed)
	assert.True(t, result.Failed())
	assert.Empty(t, result.CatalogError)

	assert.Equal(t, []string{"A/catalog.json", "B/catalog.json"}, childLinks(t, rootPath))
	assert.FileExists(t, filepath.Join(e.output, "B", "B_20180101T000000Z_STAC.json"))

	// The failed tile is retried by the next plain run
	conv.fail = nil
	again, err := p.Run(context.Background(), p.DefaultRequest(scanner.TileSelection{All: true}, false))
	require.NoError(t, err)
	assert.Equal(t, 1, again.Report.TotalDispatched)
	assert.Equal(t, []string{"B"}, again.Report.Succeeded)
}

func TestRunIsIdempotent(t *testing.T) {
	e := newEnv(t, "A", "B")
	p := newPipeline(t, e, &fakeConverter{}, nil)
	req := p.DefaultRequest(scanner.TileSelection{All: true}, false)

	_, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(e.output, "A", "catalog.json"))
	require.NoError(t, err)

	req.Force = true
	result, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Report.TotalDispatched)

	second, err := os.ReadFile(filepath.Join(e.output, "A", "catalog.json"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRunUnknownTile(t *testing.T) {
	e := newEnv(t, "A")
	conv := &fakeConverter{}
	p := newPipeline(t, e, conv, nil)

	sel, err := scanner.ParseTileSelection("A,Z")
	require.NoError(t, err)
	_, err = p.Run(context.Background(), p.DefaultRequest(sel, false))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Zero(t, atomic.LoadInt32(&conv.calls))
}

func TestRunMalformedMetadata(t *testing.T) {
	e := newEnv(t, "A", "C")
	p := newPipeline(t, e, &fakeConverter{malformed: map[string]bool{"C": true}}, nil)

	result, err := p.Run(context.Background(), p.DefaultRequest(scanner.TileSelection{All: true}, false))
	require.NoError(t, err)

	assert.Empty(t, result.Report.Failed)
	assert.Contains(t, result.MalformedTiles, "C")
	assert.Contains(t, result.MalformedTiles["C"], "crs")
	assert.True(t, result.Failed())
	assert.Equal(t, []string{"A/catalog.json"}, childLinks(t, filepath.Join(e.output, "catalog.json")))
}

func TestRunDuplicateConflictWritesNothing(t *testing.T) {
	e := newEnv(t, "A")
	require.NoError(t, os.WriteFile(filepath.Join(e.source, "A", "FC_2019.nc"), []byte("CDF"), 0644))
	p := newPipeline(t, e, &fakeConverter{}, nil)

	result, err := p.Run(context.Background(), p.DefaultRequest(scanner.TileSelection{All: true}, false))
	require.NoError(t, err)

	assert.Contains(t, result.CatalogError, "duplicate conflict")
	assert.True(t, result.Failed())
	assert.Zero(t, result.CatalogDocuments)
	assert.NoFileExists(t, filepath.Join(e.output, "catalog.json"))
	assert.NoFileExists(t, filepath.Join(e.output, "A", "catalog.json"))
}

func TestRunNoCatalog(t *testing.T) {
	e := newEnv(t, "A")
	p := newPipeline(t, e, &fakeConverter{}, nil)

	req := p.DefaultRequest(scanner.TileSelection{All: true}, false)
	req.NoCatalog = true
	result, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Failed())
	assert.NoFileExists(t, filepath.Join(e.output, "catalog.json"))

	rebuilt, err := p.RebuildCatalog()
	require.NoError(t, err)
	assert.Equal(t, 3, rebuilt.CatalogDocuments)
	assert.FileExists(t, filepath.Join(e.output, "catalog.json"))
}

func TestRunWithSync(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := newEnv(t, "A")
	remote := t.TempDir()
	e.cfg.Catalog.BaseURL = server.URL + "/"
	e.cfg.Sync.Enabled = true
	e.cfg.Sync.Remote = "file://" + remote
	p := newPipeline(t, e, &fakeConverter{}, gateway.NewDirGateway(nil))

	result, err := p.Run(context.Background(), p.DefaultRequest(scanner.TileSelection{All: true}, false))
	require.NoError(t, err)
	assert.True(t, result.Synced)
	assert.Empty(t, result.SanityWarning)

	assert.FileExists(t, filepath.Join(remote, "catalog.json"))
	assert.FileExists(t, filepath.Join(remote, "A", "FC_2018_BS.tif"))
	assert.NoFileExists(t, filepath.Join(remote, "A", "FC_2018.yaml"))
}

func TestRunBatch(t *testing.T) {
	e := newEnv(t, "A", "B")
	conv := &fakeConverter{}
	p := newPipeline(t, e, conv, nil)

	runID, err := p.RunBatch(context.Background(), []string{"B"}, false)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&conv.calls))

	// Failures before dispatch carry no run id
	runID, err = p.RunBatch(context.Background(), []string{"Z"}, false)
	assert.Empty(t, runID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
