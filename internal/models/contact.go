package models

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Contact is a WhatsApp counterparty. Phone numbers are stored in
// international format without a leading plus, digits only.
type Contact struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	PhoneNumber       string    `json:"phone_number"`
	WhatsAppChatID    string    `json:"whatsapp_chat_id,omitempty"`
	ProfilePictureURL string    `json:"profile_picture_url,omitempty"`
	IsBusiness        bool      `json:"is_business"`
	IsVerified        bool      `json:"is_verified"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NormalizePhone strips every non-digit rune. WAHA chat ids carry an
// "@c.us" suffix, which is dropped along with everything else.
func NormalizePhone(phone string) string {
	if i := strings.IndexByte(phone, '@'); i >= 0 {
		phone = phone[:i]
	}
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidatePhone checks a normalized phone number: digits only, 7-15 digits
// including the country code.
func ValidatePhone(phone string) error {
	if phone == "" {
		return fmt.Errorf("phone number is required")
	}
	for _, r := range phone {
		if !unicode.IsDigit(r) {
			return fmt.Errorf("phone number must contain only digits")
		}
	}
	if len(phone) < 7 || len(phone) > 15 {
		return fmt.Errorf("phone number must be between 7 and 15 digits")
	}
	return nil
}
