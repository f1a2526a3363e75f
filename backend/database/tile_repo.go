package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/andi/cogstac/backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TileRepo handles tile state database operations
type TileRepo struct {
	db *DB
}

// NewTileRepo creates a new tile repository
func NewTileRepo(db *DB) *TileRepo {
	return &TileRepo{db: db}
}

// GetByID retrieves a tile, or nil when it was never processed
func (r *TileRepo) GetByID(id string) (*models.Tile, error) {
	var model TileModel
	err := r.db.conn.Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToTile(), nil
}

// List retrieves all tiles ordered by id
func (r *TileRepo) List() ([]*models.Tile, error) {
	var modelList []TileModel
	if err := r.db.conn.Order("id").Find(&modelList).Error; err != nil {
		return nil, err
	}

	tiles := make([]*models.Tile, len(modelList))
	for i, model := range modelList {
		tiles[i] = model.ToTile()
	}
	return tiles, nil
}

// ConvertedSet returns the ids of tiles recorded as converted
func (r *TileRepo) ConvertedSet() (map[string]bool, error) {
	var ids []string
	err := r.db.conn.Model(&TileModel{}).Where("converted = ?", true).Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// StaleTiles returns the ids of tiles recorded as needing conversion again,
// either invalidated by a source change or left behind by a failed run
func (r *TileRepo) StaleTiles() ([]string, error) {
	var ids []string
	err := r.db.conn.Model(&TileModel{}).Where("converted = ?", false).Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RecordResult upserts the outcome of a run for one tile
func (r *TileRepo) RecordResult(tileID, runID string, status models.JobStatus, itemCount int) error {
	model := TileModel{
		ID:         tileID,
		LastRunID:  runID,
		LastStatus: string(status),
		Converted:  status == models.JobStatusSuccess,
		ItemCount:  itemCount,
	}
	columns := []string{"last_run_id", "last_status", "converted", "item_count", "updated_at"}
	if model.Converted {
		now := time.Now()
		model.ConvertedAt = &now
		columns = append(columns, "converted_at")
	}

	err := r.db.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to record tile %s: %w", tileID, err)
	}
	return nil
}

// Invalidate marks tiles as needing conversion again
func (r *TileRepo) Invalidate(tileIDs []string) error {
	if len(tileIDs) == 0 {
		return nil
	}
	return r.db.conn.Model(&TileModel{}).
		Where("id IN ?", tileIDs).
		Update("converted", false).Error
}
