package models

import (
	"path/filepath"
	"strings"
	"time"
)

// ConversionJob is one NetCDF source file scheduled for conversion
type ConversionJob struct {
	TileID     string `json:"tile_id"`
	SourcePath string `json:"source_path"`
	OutputDir  string `json:"output_dir"`
}

// Key identifies a job within a batch
func (j ConversionJob) Key() string {
	return j.TileID + "|" + j.SourcePath
}

// JobStatus is the terminal state of a conversion job
type JobStatus string

// JobStatus constants
const (
	JobStatusSuccess JobStatus = "success"
	JobStatusFailure JobStatus = "failure"
)

// JobOutcome is the recorded result of one dispatched ConversionJob
type JobOutcome struct {
	TileID        string    `json:"tile_id"`
	SourcePath    string    `json:"source_path"`
	Status        JobStatus `json:"status"`
	ArtifactPaths []string  `json:"artifact_paths"`
	MetadataPaths []string  `json:"metadata_paths"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	LogText       string    `json:"-"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Succeeded reports whether the conversion produced its artifacts
func (o JobOutcome) Succeeded() bool {
	return o.Status == JobStatusSuccess
}

// BBox is west, south, east, north in decimal degrees
type BBox [4]float64

// Union returns the smallest box covering both b and o
func (b BBox) Union(o BBox) BBox {
	return BBox{
		min(b[0], o[0]),
		min(b[1], o[1]),
		max(b[2], o[2]),
		max(b[3], o[3]),
	}
}

// SidecarAssetSuffix ends the name of the asset publishing a side-car document
const SidecarAssetSuffix = "_YAML"

// SidecarAssetName names the asset of the side-car at path, e.g. FC_2018_1_YAML
func SidecarAssetName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base)) + SidecarAssetSuffix
}

// Asset is one file belonging to a catalog item
type Asset struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	MediaType string `json:"media_type"`
	Checksum  string `json:"checksum,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Required  bool   `json:"required"`
}

// TileRecord is the structured form of one side-car metadata document
type TileRecord struct {
	ID          string       `json:"id"`
	TileID      string       `json:"tile_id"`
	ProductCode string       `json:"product_code"`
	BBox        BBox         `json:"bbox"`
	Geometry    [][2]float64 `json:"geometry,omitempty"`
	CRS         string       `json:"crs"`
	Datetime    time.Time    `json:"datetime"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     time.Time    `json:"end_time"`
	Instrument  string       `json:"instrument,omitempty"`
	Platform    string       `json:"platform,omitempty"`
	ProductType string       `json:"product_type,omitempty"`
	Resolution  []float64    `json:"resolution,omitempty"`
	SidecarPath string       `json:"sidecar_path"`
	Assets      []Asset      `json:"assets"`
}

// BatchRunReport summarizes one Worker Pool Manager run
type BatchRunReport struct {
	RunID           string        `json:"run_id"`
	TotalDispatched int           `json:"total_dispatched"`
	Succeeded       []string      `json:"succeeded"`
	Failed          []string      `json:"failed"`
	Outcomes        []JobOutcome  `json:"outcomes"`
	Duration        time.Duration `json:"duration"`
}

// SucceededJobs counts successful outcomes
func (r *BatchRunReport) SucceededJobs() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			n++
		}
	}
	return n
}

// FailedJobs counts failed outcomes
func (r *BatchRunReport) FailedJobs() int {
	return len(r.Outcomes) - r.SucceededJobs()
}

// HasFailures reports whether any job failed
func (r *BatchRunReport) HasFailures() bool {
	return len(r.Failed) > 0
}

// Run is the persisted view of a batch run
type Run struct {
	ID            string     `json:"id"`
	Tiles         string     `json:"tiles"`
	Force         bool       `json:"force"`
	Status        string     `json:"status"` // running, completed, failed
	Total         int        `json:"total"`
	Succeeded     int        `json:"succeeded"`
	Failed        int        `json:"failed"`
	FailedTiles   string     `json:"failed_tiles,omitempty"`
	CatalogDocs   int        `json:"catalog_docs"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMilli int64      `json:"duration_ms"`
}

// Job is the persisted view of one conversion job
type Job struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	TileID      string     `json:"tile_id"`
	SourcePath  string     `json:"source_path"`
	Status      string     `json:"status"` // pending, running, success, failure
	Artifacts   []string   `json:"artifacts,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	LogText     string     `json:"log_text,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Tile is the persisted conversion state of one spatial tile
type Tile struct {
	ID          string     `json:"id"`
	Converted   bool       `json:"converted"`
	LastRunID   string     `json:"last_run_id,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"`
	ItemCount   int        `json:"item_count"`
	ConvertedAt *time.Time `json:"converted_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SourceFile is an indexed NetCDF input
type SourceFile struct {
	ID            string    `json:"id"`
	TileID        string    `json:"tile_id"`
	FilePath      string    `json:"file_path"`
	FileMD5       string    `json:"file_md5"`
	FileSize      int64     `json:"file_size"`
	LastScannedAt time.Time `json:"last_scanned_at"`
}

// RunStatus constants
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// JobRecord status constants, in addition to the terminal JobStatus values
const (
	JobRecordPending = "pending"
	JobRecordRunning = "running"
)
