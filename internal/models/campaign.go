package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignRunning   CampaignStatus = "RUNNING"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignFinished  CampaignStatus = "FINISHED"
	CampaignCancelled CampaignStatus = "CANCELLED"
)

// LeadStatus is the delivery state of one contact within a campaign
type LeadStatus string

const (
	LeadPending   LeadStatus = "PENDING"
	LeadSent      LeadStatus = "SENT"
	LeadDelivered LeadStatus = "DELIVERED"
	LeadRead      LeadStatus = "READ"
	LeadReplied   LeadStatus = "REPLIED"
	LeadError     LeadStatus = "ERROR"
)

// Engaged reports whether the lead counts toward campaign ownership of the
// contact: the campaign has actually reached this contact
func (s LeadStatus) Engaged() bool {
	switch s {
	case LeadSent, LeadDelivered, LeadRead, LeadReplied:
		return true
	}
	return false
}

// Campaign represents a bulk-messaging campaign bound to one flow
type Campaign struct {
	ID             string         `json:"id" gorm:"primaryKey;type:uuid"`
	OrganizationID string         `json:"organization_id" gorm:"type:uuid;not null;index"`
	Name           string         `json:"name" gorm:"type:varchar(255);not null"`
	FlowID         string         `json:"flow_id" gorm:"type:uuid;not null;index"`
	Status         CampaignStatus `json:"status" gorm:"type:varchar(20);default:'DRAFT';index"`
	StartedAt      *time.Time     `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	Flow  Flow           `json:"flow,omitempty" gorm:"foreignKey:FlowID;references:ID;constraint:OnDelete:CASCADE"`
	Leads []CampaignLead `json:"leads,omitempty" gorm:"foreignKey:CampaignID;references:ID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate is a GORM hook that runs before creating a new record
func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for the Campaign model
func (Campaign) TableName() string {
	return "campaigns"
}

// CampaignLead represents one contact's participation in a campaign
type CampaignLead struct {
	ID         string     `json:"id" gorm:"primaryKey;type:uuid"`
	CampaignID string     `json:"campaign_id" gorm:"type:uuid;not null;uniqueIndex:idx_leads_campaign_contact"`
	ContactID  string     `json:"contact_id" gorm:"type:uuid;not null;uniqueIndex:idx_leads_campaign_contact;index"`
	Status     LeadStatus `json:"status" gorm:"type:varchar(20);default:'PENDING';index"`
	SentAt     *time.Time `json:"sent_at"`
	RepliedAt  *time.Time `json:"replied_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	Campaign Campaign `json:"-" gorm:"foreignKey:CampaignID;references:ID;constraint:OnDelete:CASCADE"`
	Contact  Contact  `json:"-" gorm:"foreignKey:ContactID;references:ID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate is a GORM hook that runs before creating a new record
func (l *CampaignLead) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for the CampaignLead model
func (CampaignLead) TableName() string {
	return "campaign_leads"
}

// ImportLeadsResponse summarizes a spreadsheet lead import
type ImportLeadsResponse struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}
