package services

import (
	"context"
	"strings"

	"github.com/flowzap/flowzap-backend/internal/database/repository"
	"github.com/flowzap/flowzap-backend/internal/models"
	"github.com/flowzap/flowzap-backend/internal/utils"

	"github.com/sirupsen/logrus"
)

// WebhookService translates gateway webhook payloads into engine calls.
// Messages the contact sent drive the flow engine; our own outgoing messages
// and their receipts go to the status updater; everything else is ignored.
type WebhookService struct {
	contactRepo   *repository.ContactRepository
	engine        *FlowEngineService
	messageStatus *MessageStatusService
}

func NewWebhookService(contactRepo *repository.ContactRepository, engine *FlowEngineService, messageStatus *MessageStatusService) *WebhookService {
	return &WebhookService{
		contactRepo:   contactRepo,
		engine:        engine,
		messageStatus: messageStatus,
	}
}

// HandleEvent processes one normalized gateway event for an organization
func (s *WebhookService) HandleEvent(ctx context.Context, organizationID string, event *models.WebhookEvent) error {
	switch event.Event {
	case "messages.upsert":
		return s.handleMessage(ctx, organizationID, &event.Data)
	case "messages.update":
		return s.handleReceipt(organizationID, &event.Data)
	default:
		// Connection updates, presence and the rest are not the engine's
		// concern
		logrus.Debugf("Ignoring gateway event %q", event.Event)
		return nil
	}
}

func (s *WebhookService) handleMessage(ctx context.Context, organizationID string, msg *models.WebhookMessage) error {
	phone := utils.PhoneFromRemoteJid(msg.RemoteJid)
	if phone == "" {
		logrus.Debugf("Ignoring message from unsupported address %q", msg.RemoteJid)
		return nil
	}

	if msg.FromMe {
		// Our own message echoed back; only relevant as a delivery signal
		return s.messageStatus.HandleOutgoing(organizationID, phone, msg)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	contact, err := s.contactRepo.FindOrCreate(phone, organizationID, msg.PushName)
	if err != nil {
		return err
	}

	return s.engine.HandleInboundMessage(ctx, contact.ID, text, organizationID)
}

func (s *WebhookService) handleReceipt(organizationID string, msg *models.WebhookMessage) error {
	phone := utils.PhoneFromRemoteJid(msg.RemoteJid)
	if phone == "" {
		return nil
	}
	return s.messageStatus.HandleReceipt(organizationID, phone, msg)
}
