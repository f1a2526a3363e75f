package scanner

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andi/cogstac/backend/models"
)

// AllTiles is the selector keyword expanding to every available tile
const AllTiles = "ALL"

// TileSelection is either every available tile or an explicit set of tile ids
type TileSelection struct {
	All bool
	IDs []string
}

// ParseTileSelection parses "ALL" or a comma separated list of tile ids
func ParseTileSelection(value string) (TileSelection, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, AllTiles) {
		return TileSelection{All: true}, nil
	}

	seen := make(map[string]bool)
	var ids []string
	for _, part := range strings.Split(value, ",") {
		id := strings.TrimSpace(part)
		if id == "" || seen[id] {
			continue
		}
		if strings.EqualFold(id, AllTiles) {
			return TileSelection{}, fmt.Errorf("%w: %s cannot be combined with tile ids", models.ErrInvalidConfiguration, AllTiles)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return TileSelection{}, fmt.Errorf("%w: empty tile selection %q", models.ErrInvalidConfiguration, value)
	}

	sort.Strings(ids)
	return TileSelection{IDs: ids}, nil
}

// String renders the selection the way it is parsed
func (s TileSelection) String() string {
	if s.All {
		return AllTiles
	}
	return strings.Join(s.IDs, ",")
}

// Resolve turns a tile selection into the ordered list of conversion jobs.
// Tiles in converted are skipped unless force is set. Unknown tiles fail the whole
// request with a NotFoundError before anything is returned.
func Resolve(requested TileSelection, available map[string][]string, converted map[string]bool, force bool, outputRoot string) ([]models.ConversionJob, error) {
	var tiles []string
	if requested.All {
		tiles = SortedTiles(available)
	} else {
		var missing []string
		for _, id := range requested.IDs {
			if _, ok := available[id]; !ok {
				missing = append(missing, id)
				continue
			}
			tiles = append(tiles, id)
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, &models.NotFoundError{TileIDs: missing}
		}
		sort.Strings(tiles)
	}

	jobs := make([]models.ConversionJob, 0, len(tiles))
	for _, tileID := range tiles {
		if !force && converted[tileID] {
			continue
		}

		sources := append([]string(nil), available[tileID]...)
		sort.Strings(sources)
		for _, source := range sources {
			jobs = append(jobs, models.ConversionJob{
				TileID:     tileID,
				SourcePath: source,
				OutputDir:  filepath.Join(outputRoot, tileID),
			})
		}
	}

	return jobs, nil
}
