package repository

import (
	"github.com/flowzap/flowzap-backend/internal/models"

	"gorm.io/gorm"
)

type FlowRepository struct {
	db *gorm.DB
}

func NewFlowRepository(db *gorm.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

// Create creates a new flow
func (r *FlowRepository) Create(flow *models.Flow) error {
	return r.db.Create(flow).Error
}

// GetByID retrieves a flow by ID
func (r *FlowRepository) GetByID(id string) (*models.Flow, error) {
	var flow models.Flow
	err := r.db.First(&flow, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &flow, nil
}

// GetActiveByOrganization retrieves active flows for an organization in a
// stable order (oldest first) so trigger scanning is deterministic
func (r *FlowRepository) GetActiveByOrganization(organizationID string) ([]*models.Flow, error) {
	var flows []*models.Flow
	err := r.db.Where("organization_id = ? AND is_active = ?", organizationID, true).
		Order("created_at ASC").
		Find(&flows).Error
	return flows, err
}

// Update updates a flow
func (r *FlowRepository) Update(flow *models.Flow) error {
	return r.db.Save(flow).Error
}
