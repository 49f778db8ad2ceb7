package utils

import "strings"

// PhoneFromRemoteJid extracts the bare phone number from a gateway contact
// address such as "5511999999999@s.whatsapp.net". Group and broadcast
// addresses are returned empty since the engine only handles direct chats.
func PhoneFromRemoteJid(remoteJid string) string {
	if remoteJid == "" {
		return ""
	}
	if strings.HasSuffix(remoteJid, "@g.us") || strings.HasSuffix(remoteJid, "@broadcast") {
		return ""
	}
	phone, _, found := strings.Cut(remoteJid, "@")
	if !found {
		phone = remoteJid
	}
	return strings.TrimSpace(phone)
}
