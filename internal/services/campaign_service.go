package services

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/flowzap/flowzap-backend/internal/database/repository"
	"github.com/flowzap/flowzap-backend/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

type CampaignService struct {
	campaignRepo *repository.CampaignRepository
	contactRepo  *repository.ContactRepository
}

func NewCampaignService(campaignRepo *repository.CampaignRepository, contactRepo *repository.ContactRepository) *CampaignService {
	return &CampaignService{
		campaignRepo: campaignRepo,
		contactRepo:  contactRepo,
	}
}

// GetActiveCampaignsForContact returns the campaigns that currently own the
// contact: RUNNING campaigns that have actually reached them
func (s *CampaignService) GetActiveCampaignsForContact(contactID, organizationID string) ([]*models.Campaign, error) {
	return s.campaignRepo.GetActiveForContact(contactID, organizationID)
}

// GetRunningFlowIDs returns flow ids bound to running campaigns
func (s *CampaignService) GetRunningFlowIDs(organizationID string) ([]string, error) {
	return s.campaignRepo.GetRunningFlowIDs(organizationID)
}

// MarkLeadReplied records that the contact answered a campaign message
func (s *CampaignService) MarkLeadReplied(campaignID, contactID string) error {
	lead, err := s.campaignRepo.GetLead(campaignID, contactID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if lead.Status == models.LeadReplied || !lead.Status.Engaged() {
		return nil
	}
	return s.campaignRepo.UpdateLeadStatus(lead.ID, models.LeadReplied)
}

// UpdateLeadDeliveryStatus applies a gateway delivery receipt to the
// contact's engaged leads. READ never downgrades to DELIVERED and a reply is
// final.
func (s *CampaignService) UpdateLeadDeliveryStatus(contactID string, status models.LeadStatus) error {
	leads, err := s.campaignRepo.GetEngagedLeadsByContact(contactID)
	if err != nil {
		return err
	}

	for _, lead := range leads {
		if !leadStatusAdvances(lead.Status, status) {
			continue
		}
		if err := s.campaignRepo.UpdateLeadStatus(lead.ID, status); err != nil {
			logrus.Warnf("Failed to update lead %s status: %v", lead.ID, err)
		}
	}
	return nil
}

// leadStatusAdvances reports whether the receipt moves the lead forward.
// A reply is final; ERROR applies from any earlier state.
func leadStatusAdvances(current, next models.LeadStatus) bool {
	if current == models.LeadReplied {
		return false
	}
	rank := map[models.LeadStatus]int{
		models.LeadPending:   0,
		models.LeadSent:      1,
		models.LeadDelivered: 2,
		models.LeadRead:      3,
		models.LeadReplied:   4,
		models.LeadError:     5,
	}
	currentRank, ok := rank[current]
	if !ok {
		return false
	}
	nextRank, ok := rank[next]
	if !ok {
		return false
	}
	return nextRank > currentRank
}

// ImportLeadsFromExcel reads a spreadsheet with one phone number per row
// (first column, optional name in the second) and creates pending leads for
// the campaign, creating unknown contacts along the way
func (s *CampaignService) ImportLeadsFromExcel(campaignID string, file io.Reader) (*models.ImportLeadsResponse, error) {
	campaign, err := s.campaignRepo.GetByID(campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign not found: %w", err)
	}

	workbook, err := excelize.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet has no sheets")
	}

	rows, err := workbook.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet: %w", err)
	}

	response := &models.ImportLeadsResponse{}
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		phone := normalizePhone(row[0])
		if phone == "" {
			// Tolerate a header row and blank cells
			if i > 0 {
				response.Errors = append(response.Errors, fmt.Sprintf("row %d: invalid phone %q", i+1, row[0]))
			}
			continue
		}

		name := ""
		if len(row) > 1 {
			name = strings.TrimSpace(row[1])
		}

		contact, err := s.contactRepo.FindOrCreate(phone, campaign.OrganizationID, name)
		if err != nil {
			response.Errors = append(response.Errors, fmt.Sprintf("row %d: %v", i+1, err))
			continue
		}

		created, err := s.campaignRepo.CreateLead(&models.CampaignLead{
			CampaignID: campaign.ID,
			ContactID:  contact.ID,
			Status:     models.LeadPending,
		})
		if err != nil {
			response.Errors = append(response.Errors, fmt.Sprintf("row %d: %v", i+1, err))
			continue
		}
		if created {
			response.Imported++
		} else {
			response.Skipped++
		}
	}

	logrus.Infof("Imported %d leads into campaign %s (%d skipped)", response.Imported, campaign.ID, response.Skipped)
	return response, nil
}

func normalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	phone := b.String()
	if len(phone) < 8 {
		return ""
	}
	return phone
}
