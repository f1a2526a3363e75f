package database

import (
	"strings"
	"time"

	"github.com/andi/cogstac/backend/models"
)

// RunModel is a persisted batch run
type RunModel struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)"`
	Tiles         string    `gorm:"type:text"`
	Force         bool      `gorm:"not null;default:false"`
	Status        string    `gorm:"type:varchar(20);not null;index"`
	Total         int       `gorm:"not null;default:0"`
	Succeeded     int       `gorm:"not null;default:0"`
	Failed        int       `gorm:"not null;default:0"`
	FailedTiles   string    `gorm:"type:text"`
	CatalogDocs   int       `gorm:"not null;default:0"`
	ErrorMessage  string    `gorm:"type:text"`
	StartedAt     time.Time `gorm:"index"`
	CompletedAt   *time.Time
	DurationMilli int64
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (RunModel) TableName() string {
	return "runs"
}

// JobModel is a persisted conversion job
type JobModel struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	RunID       string `gorm:"type:varchar(36);not null;index"`
	TileID      string `gorm:"type:varchar(255);not null;index"`
	SourcePath  string `gorm:"type:varchar(1024);not null"`
	Status      string `gorm:"type:varchar(20);not null;index"`
	Artifacts   string `gorm:"type:text"` // newline separated
	ErrorDetail string `gorm:"type:text"`
	LogText     string `gorm:"type:text"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (JobModel) TableName() string {
	return "jobs"
}

// TileModel is the conversion state of one tile
type TileModel struct {
	ID          string `gorm:"primaryKey;type:varchar(255)"`
	Converted   bool   `gorm:"not null;default:false;index"`
	LastRunID   string `gorm:"type:varchar(36)"`
	LastStatus  string `gorm:"type:varchar(20)"`
	ItemCount   int    `gorm:"not null;default:0"`
	ConvertedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (TileModel) TableName() string {
	return "tiles"
}

// SourceFileModel indexes one NetCDF input by checksum
type SourceFileModel struct {
	ID            string `gorm:"primaryKey;type:varchar(36)"`
	TileID        string `gorm:"type:varchar(255);not null;index"`
	FilePath      string `gorm:"type:varchar(768);not null;uniqueIndex"`
	FileMD5       string `gorm:"type:varchar(32);not null"`
	FileSize      int64  `gorm:"not null"`
	LastScannedAt time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (SourceFileModel) TableName() string {
	return "source_files"
}

// ToRun converts RunModel to models.Run
func (m *RunModel) ToRun() *models.Run {
	return &models.Run{
		ID:            m.ID,
		Tiles:         m.Tiles,
		Force:         m.Force,
		Status:        m.Status,
		Total:         m.Total,
		Succeeded:     m.Succeeded,
		Failed:        m.Failed,
		FailedTiles:   m.FailedTiles,
		CatalogDocs:   m.CatalogDocs,
		ErrorMessage:  m.ErrorMessage,
		StartedAt:     m.StartedAt,
		CompletedAt:   m.CompletedAt,
		DurationMilli: m.DurationMilli,
	}
}

// FromRun converts models.Run to RunModel
func FromRun(r *models.Run) *RunModel {
	return &RunModel{
		ID:            r.ID,
		Tiles:         r.Tiles,
		Force:         r.Force,
		Status:        r.Status,
		Total:         r.Total,
		Succeeded:     r.Succeeded,
		Failed:        r.Failed,
		FailedTiles:   r.FailedTiles,
		CatalogDocs:   r.CatalogDocs,
		ErrorMessage:  r.ErrorMessage,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		DurationMilli: r.DurationMilli,
	}
}

// ToJob converts JobModel to models.Job
func (m *JobModel) ToJob() *models.Job {
	var artifacts []string
	if m.Artifacts != "" {
		artifacts = strings.Split(m.Artifacts, "\n")
	}
	return &models.Job{
		ID:          m.ID,
		RunID:       m.RunID,
		TileID:      m.TileID,
		SourcePath:  m.SourcePath,
		Status:      m.Status,
		Artifacts:   artifacts,
		ErrorDetail: m.ErrorDetail,
		LogText:     m.LogText,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

// FromJob converts models.Job to JobModel
func FromJob(j *models.Job) *JobModel {
	return &JobModel{
		ID:          j.ID,
		RunID:       j.RunID,
		TileID:      j.TileID,
		SourcePath:  j.SourcePath,
		Status:      j.Status,
		Artifacts:   strings.Join(j.Artifacts, "\n"),
		ErrorDetail: j.ErrorDetail,
		LogText:     j.LogText,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// ToTile converts TileModel to models.Tile
func (m *TileModel) ToTile() *models.Tile {
	return &models.Tile{
		ID:          m.ID,
		Converted:   m.Converted,
		LastRunID:   m.LastRunID,
		LastStatus:  m.LastStatus,
		ItemCount:   m.ItemCount,
		ConvertedAt: m.ConvertedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// ToSourceFile converts SourceFileModel to models.SourceFile
func (m *SourceFileModel) ToSourceFile() *models.SourceFile {
	return &models.SourceFile{
		ID:            m.ID,
		TileID:        m.TileID,
		FilePath:      m.FilePath,
		FileMD5:       m.FileMD5,
		FileSize:      m.FileSize,
		LastScannedAt: m.LastScannedAt,
	}
}

// FromSourceFile converts models.SourceFile to SourceFileModel
func FromSourceFile(f *models.SourceFile) *SourceFileModel {
	return &SourceFileModel{
		ID:            f.ID,
		TileID:        f.TileID,
		FilePath:      f.FilePath,
		FileMD5:       f.FileMD5,
		FileSize:      f.FileSize,
		LastScannedAt: f.LastScannedAt,
	}
}
