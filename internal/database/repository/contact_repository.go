package repository

import (
	"github.com/flowzap/flowzap-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ContactRepository struct {
	db *gorm.DB
}

func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Create creates a new contact
func (r *ContactRepository) Create(contact *models.Contact) error {
	return r.db.Create(contact).Error
}

// GetByID retrieves a contact by ID
func (r *ContactRepository) GetByID(id string) (*models.Contact, error) {
	var contact models.Contact
	err := r.db.First(&contact, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// GetByPhoneAndOrganization retrieves a contact by phone within an organization
func (r *ContactRepository) GetByPhoneAndOrganization(phone, organizationID string) (*models.Contact, error) {
	var contact models.Contact
	err := r.db.Where("phone = ? AND organization_id = ?", phone, organizationID).
		First(&contact).Error
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// FindOrCreate returns the contact for (phone, organization), creating it on
// first inbound message. The unique index on (phone, organization_id) makes
// concurrent creation safe; on conflict the existing row is re-read.
func (r *ContactRepository) FindOrCreate(phone, organizationID, name string) (*models.Contact, error) {
	contact := &models.Contact{
		Phone:          phone,
		OrganizationID: organizationID,
		Name:           name,
	}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone"}, {Name: "organization_id"}},
		DoNothing: true,
	}).Create(contact).Error
	if err != nil {
		return nil, err
	}
	return r.GetByPhoneAndOrganization(phone, organizationID)
}
