package metadata

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andi/cogstac/backend/models"
	"github.com/andi/cogstac/backend/scanner"
	"github.com/gabriel-vasile/mimetype"
	"gopkg.in/yaml.v3"
)

// Media types published on catalog assets
const (
	MediaTypeCOG  = "image/tiff; application=geotiff; profile=cloud-optimized"
	MediaTypeYAML = "application/x-yaml"
	MediaTypeXML  = "application/xml"
	MediaTypeJSON = "application/json"
)

// sidecar mirrors the parts of a dataset document the catalog needs
type sidecar struct {
	ID          string `yaml:"id"`
	ProductType string `yaml:"product_type"`
	Extent      struct {
		Coord struct {
			LL *point `yaml:"ll"`
			UR *point `yaml:"ur"`
		} `yaml:"coord"`
		CenterDT string `yaml:"center_dt"`
		FromDT   string `yaml:"from_dt"`
		ToDT     string `yaml:"to_dt"`
	} `yaml:"extent"`
	GridSpatial struct {
		Projection struct {
			SpatialReference string    `yaml:"spatial_reference"`
			Resolution       []float64 `yaml:"resolution"`
			ValidData        struct {
				Coordinates [][][]float64 `yaml:"coordinates"`
			} `yaml:"valid_data"`
		} `yaml:"projection"`
	} `yaml:"grid_spatial"`
	Instrument struct {
		Name string `yaml:"name"`
	} `yaml:"instrument"`
	Platform struct {
		Code string `yaml:"code"`
	} `yaml:"platform"`
	Image struct {
		Bands map[string]struct {
			Path string `yaml:"path"`
		} `yaml:"bands"`
	} `yaml:"image"`
}

type point struct {
	Lat *float64 `yaml:"lat"`
	Lon *float64 `yaml:"lon"`
}

func (p *point) valid() bool {
	return p != nil && p.Lat != nil && p.Lon != nil
}

// Reader turns side-car documents into TileRecords
type Reader struct {
	productCode string
	logger      *slog.Logger
}

// NewReader creates a reader stamping records with productCode
func NewReader(productCode string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{productCode: productCode, logger: logger}
}

// Read parses every side-car a successful outcome produced
func (r *Reader) Read(outcome models.JobOutcome) ([]models.TileRecord, error) {
	if !outcome.Succeeded() {
		return nil, fmt.Errorf("%w: cannot read metadata of failed job %s", models.ErrInvalidConfiguration, outcome.SourcePath)
	}

	records := make([]models.TileRecord, 0, len(outcome.MetadataPaths))
	for _, path := range outcome.MetadataPaths {
		record, err := r.ReadFile(path, outcome.TileID)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

// ReadFile parses one side-car belonging to tileID
func (r *Reader) ReadFile(path, tileID string) (*models.TileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.MalformedMetadataError{Path: path, Cause: err}
	}

	var doc sidecar
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &models.MalformedMetadataError{Path: path, Cause: err}
	}

	var missing []string
	if !doc.Extent.Coord.LL.valid() || !doc.Extent.Coord.UR.valid() {
		missing = append(missing, "bbox")
	}
	if doc.GridSpatial.Projection.SpatialReference == "" {
		missing = append(missing, "crs")
	}
	center, centerErr := parseTimestamp(doc.Extent.CenterDT)
	if centerErr != nil {
		missing = append(missing, "timestamp")
	}
	if len(doc.Image.Bands) == 0 {
		missing = append(missing, "bands")
	}
	if len(missing) > 0 {
		return nil, &models.MalformedMetadataError{Path: path, Missing: missing}
	}

	record := &models.TileRecord{
		ID:          doc.ID,
		TileID:      tileID,
		ProductCode: r.productCode,
		BBox: models.BBox{
			*doc.Extent.Coord.LL.Lon,
			*doc.Extent.Coord.LL.Lat,
			*doc.Extent.Coord.UR.Lon,
			*doc.Extent.Coord.UR.Lat,
		},
		CRS:         doc.GridSpatial.Projection.SpatialReference,
		Datetime:    center,
		StartTime:   center,
		EndTime:     center,
		Instrument:  doc.Instrument.Name,
		Platform:    doc.Platform.Code,
		ProductType: doc.ProductType,
		Resolution:  doc.GridSpatial.Projection.Resolution,
		SidecarPath: path,
	}
	if from, err := parseTimestamp(doc.Extent.FromDT); err == nil {
		record.StartTime = from
	}
	if to, err := parseTimestamp(doc.Extent.ToDT); err == nil {
		record.EndTime = to
	}
	record.Geometry = footprint(doc.GridSpatial.Projection.ValidData.Coordinates, record.CRS, record.BBox)

	dir := filepath.Dir(path)
	names := make([]string, 0, len(doc.Image.Bands))
	for name := range doc.Image.Bands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		bandPath := doc.Image.Bands[name].Path
		if bandPath == "" {
			return nil, &models.MalformedMetadataError{Path: path, Missing: []string{"bands." + name + ".path"}}
		}
		if !filepath.IsAbs(bandPath) {
			bandPath = filepath.Join(dir, filepath.Base(bandPath))
		}
		record.Assets = append(record.Assets,
			r.asset(name, bandPath, true),
			r.asset(name+"_metadata", bandPath+".aux.xml", false),
		)
	}
	// Named after the side-car so documents of one acquisition merge into one item
	record.Assets = append(record.Assets, r.asset(models.SidecarAssetName(path), path, true))
	sort.Slice(record.Assets, func(i, j int) bool { return record.Assets[i].Name < record.Assets[j].Name })

	return record, nil
}

func (r *Reader) asset(name, path string, required bool) models.Asset {
	asset := models.Asset{
		Name:      name,
		Path:      path,
		MediaType: MediaType(path),
		Required:  required,
	}
	if sum, size, err := scanner.CalculateMD5(path); err == nil {
		asset.Checksum = sum
		asset.Size = size
	} else if required {
		r.logger.Debug("asset not readable, publishing without checksum", "path", path, "error", err)
	}
	return asset
}

// MediaType detects the media type of an asset, by content when the file
// exists and by extension otherwise
func MediaType(path string) string {
	if mtype, err := mimetype.DetectFile(path); err == nil {
		switch {
		case mtype.Is("image/tiff"):
			return MediaTypeCOG
		case mtype.Is("text/xml"), mtype.Is("application/xml"):
			return MediaTypeXML
		case mtype.Is("application/json"):
			return MediaTypeJSON
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return MediaTypeCOG
	case ".yaml", ".yml":
		return MediaTypeYAML
	case ".xml":
		return MediaTypeXML
	case ".json":
		return MediaTypeJSON
	}

	if mtype, err := mimetype.DetectFile(path); err == nil {
		return mtype.String()
	}
	return "application/octet-stream"
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseTimestamp accepts the datetime forms found in dataset documents. A
// value without a zone is UTC.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}

// footprint returns the valid-data ring in degrees. Australian Albers rings
// are reprojected, rings already in degrees are kept, and anything else falls
// back to the bbox outline.
func footprint(coordinates [][][]float64, crs string, bbox models.BBox) [][2]float64 {
	if len(coordinates) > 0 && len(coordinates[0]) >= 4 {
		projected := isAustralianAlbers(crs)
		ring := make([][2]float64, 0, len(coordinates[0]))
		valid := true
		for _, pt := range coordinates[0] {
			if len(pt) < 2 {
				valid = false
				break
			}
			lon, lat := pt[0], pt[1]
			if projected {
				lon, lat = australianAlbers.inverse(pt[0], pt[1])
			}
			if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
				valid = false
				break
			}
			ring = append(ring, [2]float64{lon, lat})
		}
		if valid {
			return ring
		}
	}

	return [][2]float64{
		{bbox[0], bbox[1]},
		{bbox[2], bbox[1]},
		{bbox[2], bbox[3]},
		{bbox[0], bbox[3]},
		{bbox[0], bbox[1]},
	}
}
