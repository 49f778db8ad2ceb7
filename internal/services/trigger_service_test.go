package services

import (
	"testing"

	"github.com/flowzap/flowzap-backend/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestTriggerMatches(t *testing.T) {
	triggers := NewTriggerService()

	tests := []struct {
		name    string
		config  *models.StartConfig
		message string
		matches bool
	}{
		{"exact match", &models.StartConfig{TriggerType: models.TriggerKeywordExact, Keyword: "oi"}, "oi", true},
		{"exact is case-insensitive", &models.StartConfig{TriggerType: models.TriggerKeywordExact, Keyword: "Oi"}, "OI", true},
		{"exact trims whitespace", &models.StartConfig{TriggerType: models.TriggerKeywordExact, Keyword: "oi"}, "  oi  ", true},
		{"exact rejects superset", &models.StartConfig{TriggerType: models.TriggerKeywordExact, Keyword: "oi"}, "oi tudo bem", false},
		{"exact empty keyword never matches", &models.StartConfig{TriggerType: models.TriggerKeywordExact, Keyword: ""}, "", false},

		{"contains match", &models.StartConfig{TriggerType: models.TriggerKeywordContains, Keyword: "promo"}, "quero a PROMO de hoje", true},
		{"contains miss", &models.StartConfig{TriggerType: models.TriggerKeywordContains, Keyword: "promo"}, "oi", false},

		{"starts with match", &models.StartConfig{TriggerType: models.TriggerKeywordStartsWith, Keyword: "menu"}, "Menu principal", true},
		{"starts with miss", &models.StartConfig{TriggerType: models.TriggerKeywordStartsWith, Keyword: "menu"}, "abrir menu", false},

		{"any response matches text", &models.StartConfig{TriggerType: models.TriggerAnyResponse}, "qualquer coisa", true},
		{"any response rejects blank", &models.StartConfig{TriggerType: models.TriggerAnyResponse}, "   ", false},

		{"timer never matches inbound", &models.StartConfig{TriggerType: models.TriggerTimer, Keyword: "oi"}, "oi", false},
		{"webhook never matches inbound", &models.StartConfig{TriggerType: models.TriggerWebhook}, "oi", false},
		{"manual never matches inbound", &models.StartConfig{TriggerType: models.TriggerManual}, "oi", false},

		{"legacy type falls back to equality", &models.StartConfig{TriggerType: "KEYWORD", Keyword: "oi"}, "oi", true},
		{"legacy type falls back to containment", &models.StartConfig{TriggerType: "KEYWORD", Keyword: "oi"}, "oi pessoal", true},
		{"legacy type without keyword", &models.StartConfig{TriggerType: "KEYWORD"}, "oi", false},

		{"nil config", nil, "oi", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, triggers.Matches(tt.config, tt.message))
		})
	}
}
