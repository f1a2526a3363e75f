package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andi/cogstac/backend/metadata"
	"github.com/andi/cogstac/backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://data.example.org/"

var (
	t2018 = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	t2019 = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
)

func record(tile string, at time.Time, sidecar string, bands ...string) models.TileRecord {
	r := models.TileRecord{
		TileID:      tile,
		ProductCode: "FCP",
		BBox:        models.BBox{138, -40, 139, -39},
		CRS:         "EPSG:3577",
		Datetime:    at,
		SidecarPath: "/out/" + tile + "/" + sidecar,
	}
	for _, band := range bands {
		r.Assets = append(r.Assets, models.Asset{
			Name:      band,
			Path:      "/out/" + tile + "/" + band + ".tif",
			MediaType: "image/tiff; application=geotiff; profile=cloud-optimized",
			Checksum:  "0123456789abcdef0123456789abcdef",
			Size:      42,
			Required:  true,
		})
	}
	return r
}

func paths(docs []Document) []string {
	var out []string
	for _, d := range docs {
		out = append(out, d.Path)
	}
	return out
}

func TestBuildTwoTiles(t *testing.T) {
	records := []models.TileRecord{
		record("18_-28", t2018, "b.yaml", "BS"),
		record("-15_-40", t2018, "a.yaml", "BS", "PV"),
	}

	root, err := Build(records, testBaseURL, "FCP")
	require.NoError(t, err)
	require.Len(t, root.Tiles, 2)
	assert.Equal(t, "-15_-40", root.Tiles[0].ID)
	assert.Equal(t, 2, root.ItemCount())

	docs, err := Serialize(root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"catalog.json",
		"-15_-40/catalog.json",
		"-15_-40/-15_-40_20180101T000000Z_STAC.json",
		"18_-28/catalog.json",
		"18_-28/18_-28_20180101T000000Z_STAC.json",
	}, paths(docs))

	var rootJSON map[string]any
	require.NoError(t, json.Unmarshal(docs[0].Body, &rootJSON))
	assert.Equal(t, "1.0.0", rootJSON["stac_version"])
	assert.Equal(t, "FCP", rootJSON["name"])
	links := rootJSON["links"].([]any)
	require.Len(t, links, 4)
	assert.Equal(t, "https://data.example.org/FCP/catalog.json", links[0].(map[string]any)["href"])
	assert.Equal(t, "-15_-40/catalog.json", links[2].(map[string]any)["href"])
	assert.Equal(t, "child", links[2].(map[string]any)["rel"])

	var tileJSON map[string]any
	require.NoError(t, json.Unmarshal(docs[1].Body, &tileJSON))
	tileLinks := tileJSON["links"].([]any)
	require.Len(t, tileLinks, 4)
	assert.Equal(t, "parent", tileLinks[1].(map[string]any)["rel"])
	assert.Equal(t, "-15_-40_20180101T000000Z_STAC.json", tileLinks[3].(map[string]any)["href"])

	var itemJSON map[string]any
	require.NoError(t, json.Unmarshal(docs[2].Body, &itemJSON))
	assert.Equal(t, "Feature", itemJSON["type"])
	assets := itemJSON["assets"].(map[string]any)
	bs := assets["BS"].(map[string]any)
	assert.Equal(t, "https://data.example.org/FCP/-15_-40/BS.tif", bs["href"])
	assert.Equal(t, "d5100123456789abcdef0123456789abcdef", bs["file:checksum"])
	props := itemJSON["properties"].(map[string]any)
	assert.Equal(t, "2018-01-01T00:00:00Z", props["datetime"])
}

func TestBuildGroupsByDatetime(t *testing.T) {
	records := []models.TileRecord{
		record("A", t2019, "a_2.yaml", "BS"),
		record("A", t2018, "a_1.yaml", "BS"),
	}
	root, err := Build(records, testBaseURL, "FCP")
	require.NoError(t, err)

	tile := root.Tile("A")
	require.NotNil(t, tile)
	require.Len(t, tile.Items, 2)
	assert.Equal(t, "A_20180101T000000Z", tile.Items[0].ID)
	assert.Equal(t, "A_20190101T000000Z", tile.Items[1].ID)
}

func TestBuildMergesSameAcquisition(t *testing.T) {
	first := record("A", t2018, "x.yaml", "BS")
	second := record("A", t2018, "y.yaml", "PV")
	second.BBox = models.BBox{139, -41, 140, -39}

	root, err := Build([]models.TileRecord{second, first}, testBaseURL, "FCP")
	require.NoError(t, err)
	require.Len(t, root.Tiles[0].Items, 1)

	item := root.Tiles[0].Items[0]
	assert.Equal(t, models.BBox{138, -41, 140, -39}, item.BBox)
	require.Len(t, item.Assets, 2)
	assert.Equal(t, "BS", item.Assets[0].Name)
}

func TestBuildMergesSidecarsOfOneAcquisition(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "A")
	require.NoError(t, os.MkdirAll(dir, 0755))
	reader := metadata.NewReader("FCP", nil)

	var records []models.TileRecord
	for _, sidecar := range []struct{ base, band string }{{"FC_2018_1", "BS"}, {"FC_2018_2", "PV"}} {
		tif := sidecar.base + "_" + sidecar.band + ".tif"
		require.NoError(t, os.WriteFile(filepath.Join(dir, tif), []byte("II*\x00"+sidecar.band), 0644))
		content := fmt.Sprintf(`id: %s
extent:
  center_dt: 2018-01-01T00:00:00
  coord:
    ll: {lat: -40.0, lon: 138.0}
    ur: {lat: -39.0, lon: 139.0}
grid_spatial:
  projection:
    spatial_reference: EPSG:3577
image:
  bands:
    %s:
      path: %s
`, sidecar.base, sidecar.band, tif)
		path := filepath.Join(dir, sidecar.base+".yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		record, err := reader.ReadFile(path, "A")
		require.NoError(t, err)
		records = append(records, *record)
	}

	root, err := Build(records, testBaseURL, "FCP")
	require.NoError(t, err)
	require.Len(t, root.Tiles[0].Items, 1)

	var names []string
	for _, asset := range root.Tiles[0].Items[0].Assets {
		names = append(names, asset.Name)
	}
	assert.Equal(t, []string{"BS", "BS_metadata", "FC_2018_1_YAML", "FC_2018_2_YAML", "PV", "PV_metadata"}, names)

	docs, err := Serialize(root)
	require.NoError(t, err)
	var item struct {
		Assets map[string]struct {
			Roles []string `json:"roles"`
		} `json:"assets"`
	}
	require.NoError(t, json.Unmarshal(docs[len(docs)-1].Body, &item))
	assert.Equal(t, []string{"metadata"}, item.Assets["FC_2018_2_YAML"].Roles)
	assert.Equal(t, []string{"data"}, item.Assets["PV"].Roles)
}

func TestBuildSubSecondAcquisitionsShareOneItem(t *testing.T) {
	first := record("A", t2018.Add(100*time.Millisecond), "a.yaml", "BS")
	second := record("A", t2018.Add(200*time.Millisecond), "b.yaml", "PV")

	root, err := Build([]models.TileRecord{second, first}, testBaseURL, "FCP")
	require.NoError(t, err)
	require.Len(t, root.Tiles[0].Items, 1)
	assert.Equal(t, "A_20180101T000000Z", root.Tiles[0].Items[0].ID)
	assert.Len(t, root.Tiles[0].Items[0].Assets, 2)

	docs, err := Serialize(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"catalog.json", "A/catalog.json", "A/A_20180101T000000Z_STAC.json"}, paths(docs))

	// The same asset from two sub-second acquisitions is a conflict, not an overwrite
	clash := record("A", t2018.Add(200*time.Millisecond), "c.yaml", "BS")
	clash.Assets[0].Checksum = "ffffffffffffffffffffffffffffffff"
	_, err = Build([]models.TileRecord{first, clash}, testBaseURL, "FCP")
	assert.True(t, errors.Is(err, models.ErrDuplicateConflict))
}

func TestBuildIdenticalDuplicatesCollapse(t *testing.T) {
	r := record("A", t2018, "a.yaml", "BS", "PV")

	once, err := Build([]models.TileRecord{r}, testBaseURL, "FCP")
	require.NoError(t, err)
	twice, err := Build([]models.TileRecord{r, r}, testBaseURL, "FCP")
	require.NoError(t, err)

	onceDocs, err := Serialize(once)
	require.NoError(t, err)
	twiceDocs, err := Serialize(twice)
	require.NoError(t, err)
	assert.Equal(t, onceDocs, twiceDocs)
}

func TestBuildDuplicateConflict(t *testing.T) {
	first := record("A", t2018, "a.yaml", "BS")
	second := record("A", t2018, "b.yaml", "BS")
	second.Assets[0].Checksum = "ffffffffffffffffffffffffffffffff"

	root, err := Build([]models.TileRecord{first, second}, testBaseURL, "FCP")
	require.Error(t, err)
	assert.Nil(t, root)
	assert.True(t, errors.Is(err, models.ErrDuplicateConflict))

	var conflict *models.DuplicateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "A", conflict.TileID)
	assert.Equal(t, "BS", conflict.Asset)
	assert.True(t, t2018.Equal(conflict.Datetime))
}

func TestBuildRequiresBaseURL(t *testing.T) {
	_, err := Build(nil, "", "FCP")
	assert.True(t, errors.Is(err, models.ErrInvalidConfiguration))
}

func TestSerializeDeterministic(t *testing.T) {
	records := []models.TileRecord{
		record("B", t2018, "b.yaml", "PV", "BS"),
		record("A", t2019, "a.yaml", "BS"),
	}

	var previous []Document
	for i := 0; i < 5; i++ {
		root, err := Build(records, testBaseURL, "FCP")
		require.NoError(t, err)
		docs, err := Serialize(root)
		require.NoError(t, err)
		if previous != nil {
			assert.Equal(t, previous, docs)
		}
		previous = docs
	}
}

func TestAdditiveTilesKeepDocuments(t *testing.T) {
	a := record("A", t2018, "a.yaml", "BS")
	b := record("B", t2018, "b.yaml", "BS")

	before, err := Build([]models.TileRecord{a}, testBaseURL, "FCP")
	require.NoError(t, err)
	after, err := Build([]models.TileRecord{a, b}, testBaseURL, "FCP")
	require.NoError(t, err)

	beforeDocs, err := Serialize(before)
	require.NoError(t, err)
	afterDocs, err := Serialize(after)
	require.NoError(t, err)

	byPath := map[string][]byte{}
	for _, d := range afterDocs {
		byPath[d.Path] = d.Body
	}
	for _, d := range beforeDocs {
		if d.Path == "catalog.json" {
			assert.NotEqual(t, d.Body, byPath[d.Path])
			continue
		}
		assert.Equal(t, d.Body, byPath[d.Path], d.Path)
	}
	assert.Len(t, afterDocs, len(beforeDocs)+2)
}

func TestSerializeSubtree(t *testing.T) {
	root, err := Build([]models.TileRecord{record("A", t2018, "a.yaml", "BS")}, testBaseURL, "FCP")
	require.NoError(t, err)

	docs, err := Serialize(root.Tiles[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"A/catalog.json", "A/A_20180101T000000Z_STAC.json"}, paths(docs))

	docs, err = Serialize(root.Tiles[0].Items[0])
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestWriteTree(t *testing.T) {
	out := t.TempDir()
	root, err := Build([]models.TileRecord{record("A", t2018, "a.yaml", "BS")}, testBaseURL, "FCP")
	require.NoError(t, err)
	docs, err := Serialize(root)
	require.NoError(t, err)

	require.NoError(t, WriteTree(out, docs))
	for _, doc := range docs {
		data, err := os.ReadFile(filepath.Join(out, doc.Path))
		require.NoError(t, err)
		assert.Equal(t, doc.Body, data)
	}

	leftovers, err := filepath.Glob(filepath.Join(out, "A", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	err = WriteTree(out, []Document{{Path: "../escape.json", Body: []byte("{}")}})
	assert.Error(t, err)
}
