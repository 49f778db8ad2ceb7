package repository

import (
	"github.com/flowzap/flowzap-backend/internal/models"

	"gorm.io/gorm"
)

type ScheduledJobRepository struct {
	db *gorm.DB
}

func NewScheduledJobRepository(db *gorm.DB) *ScheduledJobRepository {
	return &ScheduledJobRepository{db: db}
}

// Create creates a new scheduled job
func (r *ScheduledJobRepository) Create(job *models.ScheduledJob) error {
	return r.db.Create(job).Error
}

// GetDue retrieves pending jobs whose resume time has passed
func (r *ScheduledJobRepository) GetDue(limit int) ([]*models.ScheduledJob, error) {
	var jobs []*models.ScheduledJob
	err := r.db.Where("status = ? AND resume_at <= NOW()", models.JobPending).
		Order("resume_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// Claim transitions a pending job to DONE. Returns false when another
// process already claimed it, making poller wake-ups idempotent.
func (r *ScheduledJobRepository) Claim(jobID string) (bool, error) {
	result := r.db.Model(&models.ScheduledJob{}).
		Where("id = ? AND status = ?", jobID, models.JobPending).
		Update("status", models.JobDone)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkFailed marks a job failed after its continuation errored
func (r *ScheduledJobRepository) MarkFailed(jobID string) error {
	return r.db.Model(&models.ScheduledJob{}).Where("id = ?", jobID).
		Update("status", models.JobFailed).Error
}

// CancelByExecution cancels pending jobs for an execution, used when the
// execution is abandoned or reset while a timer is outstanding
func (r *ScheduledJobRepository) CancelByExecution(executionID string) error {
	return r.db.Model(&models.ScheduledJob{}).
		Where("execution_id = ? AND status = ?", executionID, models.JobPending).
		Update("status", models.JobCancelled).Error
}
