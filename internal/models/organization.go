package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Organization owns contacts, flows and campaigns and carries the credentials
// used to talk to the messaging gateway and the LLM provider
type Organization struct {
	ID                string    `json:"id" gorm:"primaryKey;type:uuid"`
	Name              string    `json:"name" gorm:"type:varchar(255);not null"`
	GatewayInstanceID string    `json:"gateway_instance_id" gorm:"type:varchar(255)"`
	GatewayAPIKey     string    `json:"-" gorm:"type:varchar(255)"`
	LLMAPIKey         string    `json:"-" gorm:"type:varchar(255)"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// BeforeCreate is a GORM hook that runs before creating a new record
func (o *Organization) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for the Organization model
func (Organization) TableName() string {
	return "organizations"
}

// GatewayCredentials is the per-organization credential set carried by
// dispatch jobs so workers never need a database lookup to send
type GatewayCredentials struct {
	InstanceID string `json:"instanceId"`
	APIKey     string `json:"apiKey"`
}

// HasCredentials reports whether the organization can reach the gateway
func (o *Organization) HasCredentials() bool {
	return o.GatewayInstanceID != "" && o.GatewayAPIKey != ""
}

// Credentials returns the dispatch credential set for this organization
func (o *Organization) Credentials() GatewayCredentials {
	return GatewayCredentials{
		InstanceID: o.GatewayInstanceID,
		APIKey:     o.GatewayAPIKey,
	}
}
