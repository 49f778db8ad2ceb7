package services

import (
	"errors"

	"github.com/flowzap/flowzap-backend/internal/database/repository"
	"github.com/flowzap/flowzap-backend/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MessageStatusService applies outgoing-message events and delivery receipts
// to campaign leads. It never touches flow executions.
type MessageStatusService struct {
	contactRepo     *repository.ContactRepository
	campaignService *CampaignService
}

func NewMessageStatusService(contactRepo *repository.ContactRepository, campaignService *CampaignService) *MessageStatusService {
	return &MessageStatusService{
		contactRepo:     contactRepo,
		campaignService: campaignService,
	}
}

// HandleOutgoing records that a message of ours reached the gateway
func (s *MessageStatusService) HandleOutgoing(organizationID, phone string, msg *models.WebhookMessage) error {
	return s.applyStatus(organizationID, phone, models.LeadSent)
}

// HandleReceipt applies a delivery/read/failure receipt
func (s *MessageStatusService) HandleReceipt(organizationID, phone string, msg *models.WebhookMessage) error {
	status, ok := leadStatusFromReceipt(msg.Status)
	if !ok {
		logrus.Debugf("Ignoring receipt status %q", msg.Status)
		return nil
	}
	return s.applyStatus(organizationID, phone, status)
}

func (s *MessageStatusService) applyStatus(organizationID, phone string, status models.LeadStatus) error {
	contact, err := s.contactRepo.GetByPhoneAndOrganization(phone, organizationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return s.campaignService.UpdateLeadDeliveryStatus(contact.ID, status)
}

func leadStatusFromReceipt(receipt string) (models.LeadStatus, bool) {
	switch receipt {
	case "SENT", "SERVER_ACK":
		return models.LeadSent, true
	case "DELIVERED", "DELIVERY_ACK":
		return models.LeadDelivered, true
	case "READ":
		return models.LeadRead, true
	case "ERROR", "FAILED":
		return models.LeadError, true
	default:
		return "", false
	}
}
