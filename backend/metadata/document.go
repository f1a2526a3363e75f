package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// Document is one decoded dataset document. Stacked NetCDF files carry one
// document per raster.
type Document map[string]interface{}

// DecodeStream splits a YAML stream into its documents. Empty documents are dropped.
func DecodeStream(data []byte) ([]Document, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))

	var docs []Document
	for {
		var doc Document
		err := decoder.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode dataset document %d: %w", len(docs)+1, err)
		}
		if len(doc) > 0 {
			docs = append(docs, doc)
		}
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("no dataset document found")
	}
	return docs, nil
}

// BandNames returns the sorted measurement names under image.bands
func (d Document) BandNames() []string {
	bands := d.bands()
	names := make([]string, 0, len(bands))
	for name := range bands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrepareForCOG points every band at its converted file and marks the
// document as describing GeoTIFF output with no lineage.
func (d Document) PrepareForCOG(bandPath func(band string) string) {
	for name, value := range d.bands() {
		band, ok := value.(map[string]interface{})
		if !ok {
			band = map[string]interface{}{}
		}
		band["path"] = bandPath(name)
		band["layer"] = "1"
		d.bands()[name] = band
	}
	d["format"] = map[string]interface{}{"name": "GeoTIFF"}
	d["lineage"] = map[string]interface{}{"source_datasets": map[string]interface{}{}}
}

// RetainBands drops every band not named in keep
func (d Document) RetainBands(keep []string) {
	wanted := make(map[string]bool, len(keep))
	for _, name := range keep {
		wanted[name] = true
	}
	bands := d.bands()
	for name := range bands {
		if !wanted[name] {
			delete(bands, name)
		}
	}
}

// Marshal renders the document as block-style YAML
func (d Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(map[string]interface{}(d)); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d Document) bands() map[string]interface{} {
	image, ok := d["image"].(map[string]interface{})
	if !ok {
		return nil
	}
	bands, ok := image["bands"].(map[string]interface{})
	if !ok {
		return nil
	}
	return bands
}
