package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScheduledJobStatus is the lifecycle state of a timer continuation
type ScheduledJobStatus string

const (
	JobPending   ScheduledJobStatus = "PENDING"
	JobDone      ScheduledJobStatus = "DONE"
	JobCancelled ScheduledJobStatus = "CANCELLED"
	JobFailed    ScheduledJobStatus = "FAILED"
)

// ScheduledJob is a durable TIMER continuation. Conversations can pause for
// hours, so the continuation lives in the database and survives restarts.
type ScheduledJob struct {
	ID          string             `json:"id" gorm:"primaryKey;type:uuid"`
	ExecutionID string             `json:"execution_id" gorm:"type:uuid;not null;index"`
	NodeID      string             `json:"node_id" gorm:"type:varchar(255);not null"`
	ResumeAt    time.Time          `json:"resume_at" gorm:"not null;index"`
	Status      ScheduledJobStatus `json:"status" gorm:"type:varchar(20);default:'PENDING';index"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`

	Execution FlowExecution `json:"-" gorm:"foreignKey:ExecutionID;references:ID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate is a GORM hook that runs before creating a new record
func (j *ScheduledJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for the ScheduledJob model
func (ScheduledJob) TableName() string {
	return "scheduled_jobs"
}
