package catalog

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andi/cogstac/backend/models"
)

// ItemTimeFormat renders the acquisition time inside item identifiers
const ItemTimeFormat = "20060102T150405Z"

// Node is any level of the catalog tree
type Node interface {
	// Path is the document location relative to the product root
	Path() string
	documents() ([]Document, error)
}

// Root is the product catalog listing every tile
type Root struct {
	Product string
	BaseURL string
	Info    Info
	Tiles   []*TileCatalog
}

// TileCatalog groups the items of one spatial tile
type TileCatalog struct {
	ID    string
	Items []*Item
	root  *Root
}

// Item is one acquisition of one tile
type Item struct {
	ID          string
	TileID      string
	Datetime    time.Time
	StartTime   time.Time
	EndTime     time.Time
	BBox        models.BBox
	Geometry    [][2]float64
	CRS         string
	Instrument  string
	Platform    string
	ProductType string
	Resolution  []float64
	Assets      []models.Asset
	tile        *TileCatalog
}

// Builder assembles catalog trees
type Builder struct {
	Info Info
}

// NewBuilder creates a builder publishing info on the root catalog
func NewBuilder(info Info) *Builder {
	return &Builder{Info: info}
}

// Build assembles the tree with the default root information
func Build(records []models.TileRecord, baseURL, productCode string) (*Root, error) {
	return NewBuilder(DefaultInfo()).Build(records, baseURL, productCode)
}

// ItemID derives the stable identifier of a tile acquisition
func ItemID(tileID string, datetime time.Time) string {
	return tileID + "_" + datetime.UTC().Format(ItemTimeFormat)
}

// Build groups records into tiles and items. Records sharing a tile and
// acquisition time merge into one item. Nothing is returned when two records
// disagree about the same asset.
func (b *Builder) Build(records []models.TileRecord, baseURL, productCode string) (*Root, error) {
	if baseURL == "" || productCode == "" {
		return nil, fmt.Errorf("%w: base url and product code are required", models.ErrInvalidConfiguration)
	}

	sorted := make([]models.TileRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TileID != sorted[j].TileID {
			return sorted[i].TileID < sorted[j].TileID
		}
		if !sorted[i].Datetime.Equal(sorted[j].Datetime) {
			return sorted[i].Datetime.Before(sorted[j].Datetime)
		}
		return sorted[i].SidecarPath < sorted[j].SidecarPath
	})

	root := &Root{Product: productCode, BaseURL: baseURL, Info: b.Info}
	tiles := make(map[string]*TileCatalog)
	// Keyed by item id, so acquisitions that format to the same id share one document
	items := make(map[string]*Item)
	sources := make(map[string]map[string]bool)

	for _, record := range sorted {
		if record.TileID == "" {
			return nil, fmt.Errorf("%w: record %s has no tile", models.ErrInvalidConfiguration, record.SidecarPath)
		}

		tile, ok := tiles[record.TileID]
		if !ok {
			tile = &TileCatalog{ID: record.TileID, root: root}
			tiles[record.TileID] = tile
			root.Tiles = append(root.Tiles, tile)
		}

		key := ItemID(record.TileID, record.Datetime)
		item, ok := items[key]
		if !ok {
			item = newItem(record, tile)
			items[key] = item
			sources[key] = map[string]bool{}
			tile.Items = append(tile.Items, item)
		} else if !sources[key][record.SidecarPath] {
			item.BBox = item.BBox.Union(record.BBox)
			item.Geometry = outline(item.BBox)
			if !record.StartTime.IsZero() && record.StartTime.Before(item.StartTime) {
				item.StartTime = record.StartTime
			}
			if record.EndTime.After(item.EndTime) {
				item.EndTime = record.EndTime
			}
		}
		sources[key][record.SidecarPath] = true

		if err := item.mergeAssets(record.Assets); err != nil {
			return nil, err
		}
	}

	for _, tile := range root.Tiles {
		for _, item := range tile.Items {
			sort.Slice(item.Assets, func(i, j int) bool { return item.Assets[i].Name < item.Assets[j].Name })
		}
	}
	return root, nil
}

func newItem(record models.TileRecord, tile *TileCatalog) *Item {
	geometry := record.Geometry
	if len(geometry) == 0 {
		geometry = outline(record.BBox)
	}
	start, end := record.StartTime, record.EndTime
	if start.IsZero() {
		start = record.Datetime
	}
	if end.IsZero() {
		end = record.Datetime
	}
	return &Item{
		ID:          ItemID(record.TileID, record.Datetime),
		TileID:      record.TileID,
		Datetime:    record.Datetime.UTC(),
		StartTime:   start.UTC(),
		EndTime:     end.UTC(),
		BBox:        record.BBox,
		Geometry:    geometry,
		CRS:         record.CRS,
		Instrument:  record.Instrument,
		Platform:    record.Platform,
		ProductType: record.ProductType,
		Resolution:  record.Resolution,
		tile:        tile,
	}
}

func (it *Item) mergeAssets(assets []models.Asset) error {
	for _, asset := range assets {
		existing := it.asset(asset.Name)
		if existing == nil {
			it.Assets = append(it.Assets, asset)
			continue
		}
		if *existing != asset {
			return &models.DuplicateConflictError{
				TileID:   it.TileID,
				Datetime: it.Datetime,
				Asset:    asset.Name,
				First:    describe(*existing),
				Second:   describe(asset),
			}
		}
	}
	return nil
}

func (it *Item) asset(name string) *models.Asset {
	for i := range it.Assets {
		if it.Assets[i].Name == name {
			return &it.Assets[i]
		}
	}
	return nil
}

func describe(a models.Asset) string {
	if a.Checksum != "" {
		return fmt.Sprintf("%s md5=%s", a.Path, a.Checksum)
	}
	return a.Path
}

func outline(bbox models.BBox) [][2]float64 {
	return [][2]float64{
		{bbox[0], bbox[1]},
		{bbox[2], bbox[1]},
		{bbox[2], bbox[3]},
		{bbox[0], bbox[3]},
		{bbox[0], bbox[1]},
	}
}

// Path implements Node
func (r *Root) Path() string { return "catalog.json" }

// Path implements Node
func (t *TileCatalog) Path() string { return t.ID + "/catalog.json" }

// Path implements Node
func (it *Item) Path() string { return it.TileID + "/" + it.ID + "_STAC.json" }

// Tile returns the tile catalog with id, or nil
func (r *Root) Tile(id string) *TileCatalog {
	for _, tile := range r.Tiles {
		if tile.ID == id {
			return tile
		}
	}
	return nil
}

// ItemCount counts items over every tile
func (r *Root) ItemCount() int {
	n := 0
	for _, tile := range r.Tiles {
		n += len(tile.Items)
	}
	return n
}

func (r *Root) href(rel string) string {
	return strings.TrimSuffix(r.BaseURL, "/") + "/" + r.Product + "/" + rel
}

// assetHref publishes an asset next to the item that lists it
func (it *Item) assetHref(asset models.Asset) string {
	return it.tile.root.href(it.TileID + "/" + filepath.Base(asset.Path))
}
