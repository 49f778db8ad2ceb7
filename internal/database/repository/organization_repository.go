package repository

import (
	"github.com/flowzap/flowzap-backend/internal/models"

	"gorm.io/gorm"
)

type OrganizationRepository struct {
	db *gorm.DB
}

func NewOrganizationRepository(db *gorm.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// GetByID retrieves an organization by ID
func (r *OrganizationRepository) GetByID(id string) (*models.Organization, error) {
	var organization models.Organization
	err := r.db.First(&organization, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &organization, nil
}

// Create creates a new organization
func (r *OrganizationRepository) Create(organization *models.Organization) error {
	return r.db.Create(organization).Error
}
