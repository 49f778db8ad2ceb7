package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Contact represents a WhatsApp contact within an organization
type Contact struct {
	ID             string    `json:"id" gorm:"primaryKey;type:uuid"`
	Phone          string    `json:"phone" gorm:"type:varchar(32);not null;uniqueIndex:idx_contacts_phone_org"`
	OrganizationID string    `json:"organization_id" gorm:"type:uuid;not null;uniqueIndex:idx_contacts_phone_org;index"`
	Name           string    `json:"name" gorm:"type:varchar(255)"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BeforeCreate is a GORM hook that runs before creating a new record
func (c *Contact) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for the Contact model
func (Contact) TableName() string {
	return "contacts"
}
