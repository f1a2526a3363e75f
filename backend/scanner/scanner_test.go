package scanner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/andi/cogstac/backend/database"
	"github.com/andi/cogstac/backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func makeSourceTree(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "-15_-40", "FC_2018.nc"), "netcdf-a")
	writeFile(t, filepath.Join(root, "-15_-40", "FC_2017.nc"), "netcdf-b")
	writeFile(t, filepath.Join(root, "-15_-40", "notes.txt"), "ignored")
	writeFile(t, filepath.Join(root, "18_-28", "nested", "FC_2018.nc"), "netcdf-c")
	writeFile(t, filepath.Join(root, "empty", "readme.md"), "no sources")
	writeFile(t, filepath.Join(root, "loose.nc"), "not in a tile")
	return root
}

func TestDiscoverSources(t *testing.T) {
	root := makeSourceTree(t)

	sources, err := DiscoverSources(root, "*.nc")
	require.NoError(t, err)

	assert.Equal(t, []string{"-15_-40", "18_-28"}, SortedTiles(sources))
	assert.Equal(t, []string{
		filepath.Join(root, "-15_-40", "FC_2017.nc"),
		filepath.Join(root, "-15_-40", "FC_2018.nc"),
	}, sources["-15_-40"])
	assert.Len(t, sources["18_-28"], 1)
}

func TestDiscoverSourcesMissingRoot(t *testing.T) {
	_, err := DiscoverSources(filepath.Join(t.TempDir(), "nope"), "*.nc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidConfiguration))
}

func TestConvertedTiles(t *testing.T) {
	root := makeSourceTree(t)
	out := t.TempDir()
	sources, err := DiscoverSources(root, "*.nc")
	require.NoError(t, err)

	// Only one of two sources converted
	writeFile(t, filepath.Join(out, "-15_-40", "FC_2018.yaml"), "id: a")
	// Stacked source: first raster side-car
	writeFile(t, filepath.Join(out, "18_-28", "FC_2018_1.yaml"), "id: c")

	converted := ConvertedTiles(out, sources, nil)
	assert.Equal(t, map[string]bool{"18_-28": true}, converted)

	writeFile(t, filepath.Join(out, "-15_-40", "FC_2017.yaml"), "id: b")
	converted = ConvertedTiles(out, sources, nil)
	assert.True(t, converted["-15_-40"])

	converted = ConvertedTiles(out, sources, []string{"-15_-40"})
	assert.False(t, converted["-15_-40"])
}

func TestScanTracksChanges(t *testing.T) {
	root := makeSourceTree(t)
	db, err := database.New(filepath.Join(t.TempDir(), "scan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tileRepo := database.NewTileRepo(db)
	require.NoError(t, tileRepo.RecordResult("-15_-40", "run-1", models.JobStatusSuccess, 2))

	s := New(db, "*.nc", nil)

	first, err := s.Scan(root)
	require.NoError(t, err)
	assert.Equal(t, 3, first.FilesScanned)
	assert.Equal(t, 3, first.FilesNew)
	assert.Empty(t, first.ChangedTiles)

	second, err := s.Scan(root)
	require.NoError(t, err)
	assert.Equal(t, 3, second.FilesSkipped)
	assert.Empty(t, second.ChangedTiles)

	writeFile(t, filepath.Join(root, "-15_-40", "FC_2018.nc"), "netcdf-a-reprocessed")
	third, err := s.Scan(root)
	require.NoError(t, err)
	assert.Equal(t, 1, third.FilesChanged)
	assert.Equal(t, []string{"-15_-40"}, third.ChangedTiles)

	converted, err := tileRepo.ConvertedSet()
	require.NoError(t, err)
	assert.False(t, converted["-15_-40"])
}

func TestCalculateMD5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.nc")
	writeFile(t, path, "hello")

	sum, size, err := CalculateMD5(path)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)
	assert.Equal(t, int64(5), size)
}
