package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhoneFromRemoteJid(t *testing.T) {
	tests := []struct {
		name      string
		remoteJid string
		expected  string
	}{
		{"direct chat", "5511999999999@s.whatsapp.net", "5511999999999"},
		{"group chat ignored", "123456789@g.us", ""},
		{"broadcast ignored", "status@broadcast", ""},
		{"bare number", "5511999999999", "5511999999999"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PhoneFromRemoteJid(tt.remoteJid))
		})
	}
}
