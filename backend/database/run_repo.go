package database

import (
	"fmt"
	"time"

	"github.com/andi/cogstac/backend/models"
	"github.com/google/uuid"
)

// RunRepo handles batch run database operations
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new run repository
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

// Create creates a new run
func (r *RunRepo) Create(run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	model := FromRun(run)
	if err := r.db.conn.Create(model).Error; err != nil {
		return err
	}

	*run = *model.ToRun()
	return nil
}

// GetByID retrieves a run by ID
func (r *RunRepo) GetByID(id string) (*models.Run, error) {
	var model RunModel
	if err := r.db.conn.Where("id = ?", id).First(&model).Error; err != nil {
		return nil, fmt.Errorf("run not found")
	}
	return model.ToRun(), nil
}

// List retrieves runs, newest first, with an optional status filter
func (r *RunRepo) List(status string, limit, offset int) ([]*models.Run, error) {
	query := r.db.conn.Model(&RunModel{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var modelList []RunModel
	err := query.Order("started_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	runs := make([]*models.Run, len(modelList))
	for i, model := range modelList {
		runs[i] = model.ToRun()
	}
	return runs, nil
}

// Count counts runs with an optional status filter
func (r *RunRepo) Count(status string) (int, error) {
	query := r.db.conn.Model(&RunModel{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var count int64
	err := query.Count(&count).Error
	return int(count), err
}

// Update updates a run
func (r *RunRepo) Update(run *models.Run) error {
	model := FromRun(run)
	result := r.db.conn.Model(model).Select("*").Omit("id", "created_at").Updates(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("run not found")
	}
	*run = *model.ToRun()
	return nil
}

// ResetRunningRuns marks runs interrupted by a restart as failed
func (r *RunRepo) ResetRunningRuns() (int, error) {
	now := time.Now()
	result := r.db.conn.Model(&RunModel{}).
		Where("status = ?", models.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":        models.RunStatusFailed,
			"error_message": "interrupted by restart",
			"completed_at":  &now,
		})
	if result.Error != nil {
		return 0, result.Error
	}

	// Jobs of those runs never reached a terminal state either
	r.db.conn.Model(&JobModel{}).
		Where("status IN ?", []string{models.JobRecordPending, models.JobRecordRunning}).
		Updates(map[string]interface{}{
			"status":       string(models.JobStatusFailure),
			"error_detail": "interrupted by restart",
		})

	return int(result.RowsAffected), nil
}
