package database

import (
	"fmt"

	"github.com/andi/cogstac/backend/models"
	"github.com/google/uuid"
)

// JobRepo handles conversion job database operations
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new job repository
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Create creates a new job
func (r *JobRepo) Create(job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	model := FromJob(job)
	if err := r.db.conn.Create(model).Error; err != nil {
		return err
	}

	*job = *model.ToJob()
	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepo) GetByID(id string) (*models.Job, error) {
	var model JobModel
	if err := r.db.conn.Where("id = ?", id).First(&model).Error; err != nil {
		return nil, fmt.Errorf("job not found")
	}
	return model.ToJob(), nil
}

// GetByRunAndSource retrieves the job of a run for one source file
func (r *JobRepo) GetByRunAndSource(runID, sourcePath string) (*models.Job, error) {
	var model JobModel
	err := r.db.conn.Where("run_id = ? AND source_path = ?", runID, sourcePath).First(&model).Error
	if err != nil {
		return nil, fmt.Errorf("job not found")
	}
	return model.ToJob(), nil
}

// ListByRun retrieves the jobs of a run ordered by tile, with an optional status filter
func (r *JobRepo) ListByRun(runID, status string, limit, offset int) ([]*models.Job, error) {
	query := r.db.conn.Model(&JobModel{}).Where("run_id = ?", runID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var modelList []JobModel
	err := query.Order("tile_id, source_path").
		Limit(limit).
		Offset(offset).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, len(modelList))
	for i, model := range modelList {
		jobs[i] = model.ToJob()
	}
	return jobs, nil
}

// CountByRun counts the jobs of a run
func (r *JobRepo) CountByRun(runID, status string) (int, error) {
	query := r.db.conn.Model(&JobModel{}).Where("run_id = ?", runID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var count int64
	err := query.Count(&count).Error
	return int(count), err
}

// Update updates a job
func (r *JobRepo) Update(job *models.Job) error {
	model := FromJob(job)
	result := r.db.conn.Model(model).Select("*").Omit("id", "created_at").Updates(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job not found")
	}
	*job = *model.ToJob()
	return nil
}
