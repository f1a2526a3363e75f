package scanner

import (
	"crypto/md5"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andi/cogstac/backend/database"
	"github.com/andi/cogstac/backend/models"
	"github.com/andi/cogstac/backend/workflow"
)

// Scanner discovers NetCDF sources per tile and tracks which tiles are converted
type Scanner struct {
	sourceRepo *database.SourceFileRepo
	tileRepo   *database.TileRepo
	fileGlob   string
	logger     *slog.Logger
}

// New creates a new scanner. db may be nil, which disables the checksum index.
func New(db *database.DB, fileGlob string, logger *slog.Logger) *Scanner {
	if fileGlob == "" {
		fileGlob = "*.nc"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scanner{fileGlob: fileGlob, logger: logger}
	if db != nil {
		s.sourceRepo = database.NewSourceFileRepo(db)
		s.tileRepo = database.NewTileRepo(db)
	}
	return s
}

// ScanResult represents the result of a scan operation
type ScanResult struct {
	Sources      map[string][]string // tile id -> sorted source paths
	FilesScanned int
	FilesNew     int
	FilesChanged int
	FilesSkipped int
	ChangedTiles []string
	Errors       []error
}

// Scan discovers the sources under sourceRoot and updates the checksum index
func (s *Scanner) Scan(sourceRoot string) (*ScanResult, error) {
	sources, err := DiscoverSources(sourceRoot, s.fileGlob)
	if err != nil {
		return nil, err
	}

	result := &ScanResult{Sources: sources}
	if s.sourceRepo == nil {
		for _, files := range sources {
			result.FilesScanned += len(files)
		}
		return result, nil
	}

	changed := make(map[string]bool)
	for _, tileID := range SortedTiles(sources) {
		for _, path := range sources[tileID] {
			fileChanged, err := s.scanFile(tileID, path, result)
			if err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			if fileChanged {
				changed[tileID] = true
			}
		}
	}

	for tileID := range changed {
		result.ChangedTiles = append(result.ChangedTiles, tileID)
	}
	sort.Strings(result.ChangedTiles)

	if s.tileRepo != nil && len(result.ChangedTiles) > 0 {
		if err := s.tileRepo.Invalidate(result.ChangedTiles); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}

	return result, nil
}

// scanFile indexes a single file. It reports whether an already indexed file changed.
func (s *Scanner) scanFile(tileID, filePath string, result *ScanResult) (bool, error) {
	result.FilesScanned++

	md5Hash, fileSize, err := calculateMD5(filePath)
	if err != nil {
		return false, fmt.Errorf("failed to calculate MD5 for %s: %w", filePath, err)
	}

	now := time.Now()
	existing, err := s.sourceRepo.GetByPath(filePath)
	if err != nil {
		return false, fmt.Errorf("failed to check source index: %w", err)
	}

	if existing == nil {
		file := &models.SourceFile{
			TileID:        tileID,
			FilePath:      filePath,
			FileMD5:       md5Hash,
			FileSize:      fileSize,
			LastScannedAt: now,
		}
		if err := s.sourceRepo.Create(file); err != nil {
			return false, fmt.Errorf("failed to create source record: %w", err)
		}
		result.FilesNew++
		s.logger.Debug("new source detected", "tile", tileID, "path", filePath)
		return false, nil
	}

	if existing.FileMD5 == md5Hash {
		result.FilesSkipped++
		return false, nil
	}

	existing.FileMD5 = md5Hash
	existing.FileSize = fileSize
	existing.LastScannedAt = now
	if err := s.sourceRepo.Update(existing); err != nil {
		return false, fmt.Errorf("failed to update source record: %w", err)
	}
	result.FilesChanged++
	s.logger.Info("source changed since last scan", "tile", tileID, "path", filePath)
	return true, nil
}

// DiscoverSources maps every tile directory under sourceRoot to its matching source files
func DiscoverSources(sourceRoot, fileGlob string) (map[string][]string, error) {
	absRoot, err := filepath.Abs(sourceRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve source %s: %v", models.ErrInvalidConfiguration, sourceRoot, err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: source not found %s: %v", models.ErrInvalidConfiguration, absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: source %s is not a directory", models.ErrInvalidConfiguration, absRoot)
	}

	entries, err := os.ReadDir(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read source %s: %w", absRoot, err)
	}

	sources := make(map[string][]string)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		tileID := entry.Name()
		tileDir := filepath.Join(absRoot, tileID)

		var files []string
		walkFn := func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if workflow.MatchesFileGlob(path, fileGlob) {
				files = append(files, path)
			}
			return nil
		}
		if err := filepath.WalkDir(tileDir, walkFn); err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", tileDir, err)
		}

		if len(files) > 0 {
			sort.Strings(files)
			sources[tileID] = files
		}
	}

	return sources, nil
}

// SidecarExists reports whether the side-car of a source is present in outputDir.
// Stacked sources are considered converted once their first raster side-car exists.
func SidecarExists(outputDir, sourcePath string) bool {
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	for _, name := range []string{workflow.SidecarName(base, 1, 1), workflow.SidecarName(base, 1, 2)} {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err == nil {
			return true
		}
	}
	return false
}

// ConvertedTiles returns the tiles whose every source already has a side-car
// under outputRoot/<tile>, excluding tiles whose sources changed.
func ConvertedTiles(outputRoot string, sources map[string][]string, changed []string) map[string]bool {
	changedSet := make(map[string]bool, len(changed))
	for _, tileID := range changed {
		changedSet[tileID] = true
	}

	converted := make(map[string]bool)
	for tileID, files := range sources {
		if changedSet[tileID] {
			continue
		}
		outputDir := filepath.Join(outputRoot, tileID)
		complete := len(files) > 0
		for _, path := range files {
			if !SidecarExists(outputDir, path) {
				complete = false
				break
			}
		}
		if complete {
			converted[tileID] = true
		}
	}
	return converted
}

// SortedTiles returns the tile ids of a source map in lexical order
func SortedTiles(sources map[string][]string) []string {
	tiles := make([]string, 0, len(sources))
	for tileID := range sources {
		tiles = append(tiles, tileID)
	}
	sort.Strings(tiles)
	return tiles
}

// CalculateMD5 calculates the MD5 hash and size of a file
func CalculateMD5(filePath string) (string, int64, error) {
	return calculateMD5(filePath)
}

// calculateMD5 calculates the MD5 hash of a file
func calculateMD5(filePath string) (string, int64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hash := md5.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), size, nil
}
