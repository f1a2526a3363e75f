package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andi/cogstac/backend/models"
)

// Document is one serialized catalog file
type Document struct {
	Path string `json:"path"`
	Body []byte `json:"-"`
}

// Serialize renders node and everything below it. Output order is root
// first, then each tile followed by its items.
func Serialize(node Node) ([]Document, error) {
	if node == nil {
		return nil, fmt.Errorf("nil catalog node")
	}
	return node.documents()
}

func encode(path string, v any) (Document, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", " ")
	if err := encoder.Encode(v); err != nil {
		return Document{}, fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return Document{Path: path, Body: buf.Bytes()}, nil
}

func (r *Root) documents() ([]Document, error) {
	self := r.href(r.Path())
	doc := rootDoc{
		StacVersion: StacVersion,
		Type:        "Catalog",
		ID:          r.Product,
		Name:        r.Product,
		Description: r.Info.Description,
		License:     licenseDoc{Name: r.Info.License.Name, Copyright: r.Info.License.Copyright},
		Contact: contactDoc{
			Name:  r.Info.Contact.Name,
			Email: r.Info.Contact.Email,
			Phone: r.Info.Contact.Phone,
			URL:   r.Info.Contact.URL,
		},
		Formats: r.Info.Formats,
		Provider: providerDoc{
			Name:          r.Info.Provider.Name,
			Scheme:        r.Info.Provider.Scheme,
			Region:        r.Info.Provider.Region,
			RequesterPays: r.Info.Provider.RequesterPays,
		},
		Links: []Link{
			{Href: self, Rel: "self", Type: "application/json"},
			{Href: self, Rel: "root", Type: "application/json"},
		},
	}
	for _, tile := range r.Tiles {
		doc.Links = append(doc.Links, Link{Href: tile.Path(), Rel: "child", Type: "application/json", Title: tile.ID})
	}

	rootDocument, err := encode(r.Path(), doc)
	if err != nil {
		return nil, err
	}
	docs := []Document{rootDocument}
	for _, tile := range r.Tiles {
		tileDocs, err := tile.documents()
		if err != nil {
			return nil, err
		}
		docs = append(docs, tileDocs...)
	}
	return docs, nil
}

func (t *TileCatalog) documents() ([]Document, error) {
	root := t.root
	doc := tileDoc{
		StacVersion: StacVersion,
		Type:        "Catalog",
		ID:          t.ID,
		Name:        t.ID,
		Description: fmt.Sprintf("%s tile %s", root.Product, t.ID),
		Links: []Link{
			{Href: root.href(t.Path()), Rel: "self", Type: "application/json"},
			{Href: root.href(root.Path()), Rel: "parent", Type: "application/json"},
			{Href: root.href(root.Path()), Rel: "root", Type: "application/json"},
		},
	}
	for _, item := range t.Items {
		doc.Links = append(doc.Links, Link{Href: filepath.Base(item.Path()), Rel: "item", Type: "application/geo+json"})
	}

	tileDocument, err := encode(t.Path(), doc)
	if err != nil {
		return nil, err
	}
	docs := []Document{tileDocument}
	for _, item := range t.Items {
		itemDocs, err := item.documents()
		if err != nil {
			return nil, err
		}
		docs = append(docs, itemDocs...)
	}
	return docs, nil
}

func (it *Item) documents() ([]Document, error) {
	root := it.tile.root
	properties := map[string]any{
		"datetime":       it.Datetime.Format(time.RFC3339),
		"start_datetime": it.StartTime.Format(time.RFC3339),
		"end_datetime":   it.EndTime.Format(time.RFC3339),
		"proj:code":      it.CRS,
		"provider":       root.Info.Provider.Name,
		"license":        root.Info.License.Name,
		"odc:product":    root.Product,
		"odc:tile":       it.TileID,
	}
	if it.Platform != "" {
		properties["platform"] = it.Platform
	}
	if it.Instrument != "" {
		properties["instruments"] = []string{it.Instrument}
	}
	if it.ProductType != "" {
		properties["product_type"] = it.ProductType
	}
	if len(it.Resolution) > 0 {
		properties["gsd"] = abs(it.Resolution[len(it.Resolution)-1])
	}

	doc := itemDoc{
		StacVersion:    StacVersion,
		StacExtensions: itemExtensions,
		Type:           "Feature",
		ID:             it.ID,
		BBox:           [4]float64(it.BBox),
		Geometry:       geometryDoc{Type: "Polygon", Coordinates: [][][2]float64{it.Geometry}},
		Properties:     properties,
		Links: []Link{
			{Href: root.href(it.Path()), Rel: "self", Type: "application/geo+json"},
			{Href: root.href(it.tile.Path()), Rel: "parent", Type: "application/json"},
			{Href: root.href(root.Path()), Rel: "root", Type: "application/json"},
		},
		Assets: make(map[string]assetDoc, len(it.Assets)),
	}
	for _, asset := range it.Assets {
		roles := []string{"data"}
		if !asset.Required || strings.HasSuffix(asset.Name, models.SidecarAssetSuffix) {
			roles = []string{"metadata"}
		}
		ad := assetDoc{
			Href:     it.assetHref(asset),
			Type:     asset.MediaType,
			Roles:    roles,
			Required: asset.Required,
			Size:     asset.Size,
		}
		if asset.Checksum != "" {
			// multihash: md5 code 0xd5, digest length 0x10
			ad.Checksum = "d510" + asset.Checksum
		}
		doc.Assets[asset.Name] = ad
	}

	itemDocument, err := encode(it.Path(), doc)
	if err != nil {
		return nil, err
	}
	return []Document{itemDocument}, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// WriteTree writes docs under root. Every document is staged before any is
// moved into place, so a failed write leaves existing documents untouched.
func WriteTree(root string, docs []Document) error {
	staged := make([]string, 0, len(docs))
	cleanup := func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}

	for _, doc := range docs {
		if doc.Path == "" || filepath.IsAbs(doc.Path) || strings.HasPrefix(filepath.Clean(doc.Path), "..") {
			cleanup()
			return fmt.Errorf("invalid document path %q", doc.Path)
		}
		target := filepath.Join(root, filepath.FromSlash(doc.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			cleanup()
			return fmt.Errorf("failed to create directory for %s: %w", doc.Path, err)
		}
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, doc.Body, 0644); err != nil {
			cleanup()
			return fmt.Errorf("failed to stage %s: %w", doc.Path, err)
		}
		staged = append(staged, tmp)
	}

	for i, doc := range docs {
		target := filepath.Join(root, filepath.FromSlash(doc.Path))
		if err := os.Rename(staged[i], target); err != nil {
			cleanup()
			return fmt.Errorf("failed to write %s: %w", doc.Path, err)
		}
	}
	return nil
}
