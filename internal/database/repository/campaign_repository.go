package repository

import (
	"time"

	"github.com/flowzap/flowzap-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CampaignRepository struct {
	db *gorm.DB
}

func NewCampaignRepository(db *gorm.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create creates a new campaign
func (r *CampaignRepository) Create(campaign *models.Campaign) error {
	return r.db.Create(campaign).Error
}

// GetByID retrieves a campaign by ID
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	var campaign models.Campaign
	err := r.db.Preload("Flow").First(&campaign, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

// GetActiveForContact retrieves the campaigns that own a contact: campaign is
// RUNNING and the contact has a lead the campaign has actually reached
// (SENT, DELIVERED, READ or REPLIED). Ordered oldest first so arbitration
// between overlapping campaigns is deterministic.
func (r *CampaignRepository) GetActiveForContact(contactID, organizationID string) ([]*models.Campaign, error) {
	var campaigns []*models.Campaign
	err := r.db.
		Joins("JOIN campaign_leads ON campaign_leads.campaign_id = campaigns.id").
		Where("campaigns.organization_id = ? AND campaigns.status = ?", organizationID, models.CampaignRunning).
		Where("campaign_leads.contact_id = ? AND campaign_leads.status IN ?",
			contactID, []models.LeadStatus{models.LeadSent, models.LeadDelivered, models.LeadRead, models.LeadReplied}).
		Order("campaigns.created_at ASC").
		Preload("Flow").
		Find(&campaigns).Error
	return campaigns, err
}

// GetRunningFlowIDs retrieves the flow ids bound to RUNNING campaigns in an
// organization, used to exclude campaign flows from generic trigger scanning
func (r *CampaignRepository) GetRunningFlowIDs(organizationID string) ([]string, error) {
	var flowIDs []string
	err := r.db.Model(&models.Campaign{}).
		Where("organization_id = ? AND status = ?", organizationID, models.CampaignRunning).
		Pluck("flow_id", &flowIDs).Error
	return flowIDs, err
}

// GetLead retrieves one contact's lead within a campaign
func (r *CampaignRepository) GetLead(campaignID, contactID string) (*models.CampaignLead, error) {
	var lead models.CampaignLead
	err := r.db.Where("campaign_id = ? AND contact_id = ?", campaignID, contactID).
		First(&lead).Error
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// GetEngagedLeadsByContact retrieves the contact's leads in running campaigns
// that have already been reached, for delivery receipt fan-out
func (r *CampaignRepository) GetEngagedLeadsByContact(contactID string) ([]*models.CampaignLead, error) {
	var leads []*models.CampaignLead
	err := r.db.
		Joins("JOIN campaigns ON campaigns.id = campaign_leads.campaign_id").
		Where("campaigns.status = ?", models.CampaignRunning).
		Where("campaign_leads.contact_id = ? AND campaign_leads.status IN ?",
			contactID, []models.LeadStatus{models.LeadSent, models.LeadDelivered, models.LeadRead, models.LeadReplied}).
		Find(&leads).Error
	return leads, err
}

// UpdateLeadStatus transitions a lead's delivery status
func (r *CampaignRepository) UpdateLeadStatus(leadID string, status models.LeadStatus) error {
	updates := map[string]interface{}{"status": status}
	now := time.Now().UTC()
	switch status {
	case models.LeadSent:
		updates["sent_at"] = &now
	case models.LeadReplied:
		updates["replied_at"] = &now
	}
	return r.db.Model(&models.CampaignLead{}).Where("id = ?", leadID).
		Updates(updates).Error
}

// CreateLead inserts a lead, ignoring duplicates for the same
// (campaign, contact) pair. Returns true when a new row was inserted.
func (r *CampaignRepository) CreateLead(lead *models.CampaignLead) (bool, error) {
	result := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "contact_id"}},
		DoNothing: true,
	}).Create(lead)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
