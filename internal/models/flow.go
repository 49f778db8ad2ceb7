package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Flow represents a conversational flow definition (node/edge graph)
type Flow struct {
	ID             string    `json:"id" gorm:"primaryKey;type:uuid"`
	OrganizationID string    `json:"organization_id" gorm:"type:uuid;not null;index"`
	Name           string    `json:"name" gorm:"type:varchar(255);not null"`
	Description    string    `json:"description" gorm:"type:text"`
	IsActive       bool      `json:"is_active" gorm:"default:true;index"`
	CooldownHours  int       `json:"cooldown_hours" gorm:"default:0"`
	Definition     RawJSON   `json:"definition" gorm:"type:jsonb"` // {nodes: [...], edges: [...]}
	CreatedAt      time.Time `json:"created_at" gorm:"index"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BeforeCreate is a GORM hook that runs before creating a new record
func (f *Flow) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for the Flow model
func (Flow) TableName() string {
	return "flows"
}
