package catalog

import "github.com/andi/cogstac/backend/config"

// StacVersion is written on every document
const StacVersion = "1.0.0"

// Info is the descriptive content of the root catalog
type Info = config.CatalogConfig

// DefaultInfo returns the Geoscience Australia defaults
func DefaultInfo() Info {
	cfg, _ := config.Load("")
	return cfg.Catalog
}

// Link is a STAC link object
type Link struct {
	Href  string `json:"href"`
	Rel   string `json:"rel"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

type licenseDoc struct {
	Name      string `json:"name"`
	Copyright string `json:"copyright,omitempty"`
}

type contactDoc struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	URL   string `json:"url,omitempty"`
}

type providerDoc struct {
	Name          string `json:"name,omitempty"`
	Scheme        string `json:"scheme"`
	Region        string `json:"region,omitempty"`
	RequesterPays bool   `json:"requesterPays"`
}

type rootDoc struct {
	StacVersion string      `json:"stac_version"`
	Type        string      `json:"type"`
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	License     licenseDoc  `json:"license"`
	Contact     contactDoc  `json:"contact"`
	Formats     []string    `json:"formats"`
	Provider    providerDoc `json:"provider"`
	Links       []Link      `json:"links"`
}

type tileDoc struct {
	StacVersion string `json:"stac_version"`
	Type        string `json:"type"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Links       []Link `json:"links"`
}

type geometryDoc struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

type assetDoc struct {
	Href     string   `json:"href"`
	Type     string   `json:"type"`
	Roles    []string `json:"roles"`
	Required bool     `json:"required"`
	Checksum string   `json:"file:checksum,omitempty"`
	Size     int64    `json:"file:size,omitempty"`
}

type itemDoc struct {
	StacVersion    string              `json:"stac_version"`
	StacExtensions []string            `json:"stac_extensions"`
	Type           string              `json:"type"`
	ID             string              `json:"id"`
	BBox           [4]float64          `json:"bbox"`
	Geometry       geometryDoc         `json:"geometry"`
	Properties     map[string]any      `json:"properties"`
	Links          []Link              `json:"links"`
	Assets         map[string]assetDoc `json:"assets"`
}

var itemExtensions = []string{
	"https://stac-extensions.github.io/projection/v2.0.0/schema.json",
	"https://stac-extensions.github.io/file/v2.1.0/schema.json",
}
