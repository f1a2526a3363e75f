package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/andi/cogstac/backend/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SourceFileRepo handles the NetCDF source index
type SourceFileRepo struct {
	db *DB
}

// NewSourceFileRepo creates a new source file repository
func NewSourceFileRepo(db *DB) *SourceFileRepo {
	return &SourceFileRepo{db: db}
}

// Create creates a new source file record
func (r *SourceFileRepo) Create(file *models.SourceFile) error {
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	if file.LastScannedAt.IsZero() {
		file.LastScannedAt = time.Now()
	}
	return r.db.conn.Create(FromSourceFile(file)).Error
}

// GetByPath retrieves a source file by path, or nil when it is not indexed
func (r *SourceFileRepo) GetByPath(filePath string) (*models.SourceFile, error) {
	var model SourceFileModel
	err := r.db.conn.Where("file_path = ?", filePath).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToSourceFile(), nil
}

// Update updates a source file record
func (r *SourceFileRepo) Update(file *models.SourceFile) error {
	result := r.db.conn.Model(&SourceFileModel{}).
		Where("id = ?", file.ID).
		Updates(map[string]interface{}{
			"file_md5":        file.FileMD5,
			"file_size":       file.FileSize,
			"last_scanned_at": file.LastScannedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("source file not found")
	}
	return nil
}

// ListByTile retrieves the indexed sources of a tile
func (r *SourceFileRepo) ListByTile(tileID string, limit, offset int) ([]*models.SourceFile, error) {
	var modelList []SourceFileModel
	err := r.db.conn.Where("tile_id = ?", tileID).
		Order("file_path").
		Limit(limit).
		Offset(offset).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	files := make([]*models.SourceFile, len(modelList))
	for i, model := range modelList {
		files[i] = model.ToSourceFile()
	}
	return files, nil
}

// CountByTile counts the indexed sources of a tile
func (r *SourceFileRepo) CountByTile(tileID string) (int, error) {
	var count int64
	err := r.db.conn.Model(&SourceFileModel{}).Where("tile_id = ?", tileID).Count(&count).Error
	return int(count), err
}
