package models

// WebhookEvent is the normalized shape of a gateway webhook delivery
type WebhookEvent struct {
	Event string         `json:"event"` // messages.upsert, messages.update, connection.update
	Data  WebhookMessage `json:"data"`
}

// WebhookMessage carries the message-level fields the engine cares about.
// RemoteJid is the gateway's contact address (phone@s.whatsapp.net).
type WebhookMessage struct {
	RemoteJid string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
	PushName  string `json:"pushName"`
	Status    string `json:"status"` // delivery receipts: SENT, DELIVERED, READ, ERROR
}
