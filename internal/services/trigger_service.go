package services

import (
	"strings"

	"github.com/flowzap/flowzap-backend/internal/models"
)

// TriggerService decides whether a START node's trigger matches an inbound
// message. Matching is pure: no side effects, safe to call repeatedly.
type TriggerService struct{}

func NewTriggerService() *TriggerService {
	return &TriggerService{}
}

// Matches applies the trigger rules, case-insensitive and trimmed
func (s *TriggerService) Matches(config *models.StartConfig, message string) bool {
	if config == nil {
		return false
	}

	text := strings.ToLower(strings.TrimSpace(message))
	keyword := strings.ToLower(strings.TrimSpace(config.Keyword))

	switch config.TriggerType {
	case models.TriggerKeywordExact:
		return keyword != "" && text == keyword
	case models.TriggerKeywordContains:
		return keyword != "" && strings.Contains(text, keyword)
	case models.TriggerKeywordStartsWith:
		return keyword != "" && strings.HasPrefix(text, keyword)
	case models.TriggerAnyResponse:
		return text != ""
	case models.TriggerTimer, models.TriggerWebhook, models.TriggerManual:
		// Started by other means, never by an inbound text
		return false
	default:
		// Legacy trigger types carried a keyword without a recognized type;
		// fall back to equality or containment
		if keyword == "" {
			return false
		}
		return text == keyword || strings.Contains(text, keyword)
	}
}
