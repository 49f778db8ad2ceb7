package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowzap/flowzap-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// WhatsAppSender is the capability interface for outbound sends. The dispatch
// queue is its only caller; node handlers never reach the gateway directly.
type WhatsAppSender interface {
	SendText(ctx context.Context, creds models.GatewayCredentials, phone, message string) error
	SendMedia(ctx context.Context, creds models.GatewayCredentials, phone, mediaType, url, caption string) error
}

// RESTWhatsAppSender talks to an Evolution-style gateway over HTTP
type RESTWhatsAppSender struct {
	baseURL string
	client  *http.Client
}

func NewRESTWhatsAppSender(baseURL string) *RESTWhatsAppSender {
	return &RESTWhatsAppSender{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SendText sends a plain text message through the gateway
func (s *RESTWhatsAppSender) SendText(ctx context.Context, creds models.GatewayCredentials, phone, message string) error {
	payload := map[string]interface{}{
		"number": phone,
		"text":   message,
	}
	url := fmt.Sprintf("%s/message/sendText/%s", s.baseURL, creds.InstanceID)
	return s.post(ctx, url, creds.APIKey, payload)
}

// SendMedia sends a media message through the gateway
func (s *RESTWhatsAppSender) SendMedia(ctx context.Context, creds models.GatewayCredentials, phone, mediaType, url, caption string) error {
	payload := map[string]interface{}{
		"number":    phone,
		"mediatype": mediaType,
		"media":     url,
		"caption":   caption,
	}
	endpoint := fmt.Sprintf("%s/message/sendMedia/%s", s.baseURL, creds.InstanceID)
	return s.post(ctx, endpoint, creds.APIKey, payload)
}

func (s *RESTWhatsAppSender) post(ctx context.Context, url, apiKey string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logrus.Warnf("Gateway returned status %d: %s", resp.StatusCode, string(respBody))
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	return nil
}
