package models

import "time"

type APIType string

const (
	APITypeOfficial APIType = "official"
	APITypeWAHA     APIType = "waha"
)

// PhoneNumber is a WhatsApp business number registered with the gateway.
// Depending on APIType it carries either Meta Graph Cloud API credentials
// or WAHA credentials.
type PhoneNumber struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	PhoneNumber string  `json:"phone_number"`
	APIType     APIType `json:"api_type"`

	// Official Cloud API credentials
	PhoneNumberID     string `json:"phone_number_id,omitempty"`
	BusinessAccountID string `json:"business_account_id,omitempty"`
	AccessToken       string `json:"access_token,omitempty"`
	BusinessID        string `json:"business_id,omitempty"`
	WabaID            string `json:"waba_id,omitempty"`
	AppSecret         string `json:"app_secret,omitempty"`

	// WAHA credentials
	WAHAEndpoint string `json:"waha_endpoint,omitempty"`
	WAHAUsername string `json:"waha_username,omitempty"`
	WAHAPassword string `json:"waha_password,omitempty"`
	WAHASession  string `json:"waha_session,omitempty"`

	Active     bool `json:"active"`
	Configured bool `json:"configured"`

	VerifyToken  string `json:"verify_token,omitempty"`
	WebhookToken string `json:"webhook_token,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *PhoneNumber) IsOfficial() bool {
	return p.APIType == APITypeOfficial
}

func (p *PhoneNumber) IsWAHA() bool {
	return p.APIType == APITypeWAHA
}

// CanSend reports whether the number carries the credentials its API type
// needs for outbound sends.
func (p *PhoneNumber) CanSend() bool {
	switch p.APIType {
	case APITypeOfficial:
		return p.AccessToken != "" && p.PhoneNumberID != ""
	case APITypeWAHA:
		return p.WAHAEndpoint != "" && p.WAHAUsername != "" && p.WAHAPassword != ""
	}
	return false
}

// CanSyncTemplates reports whether templates can be fetched from the Graph
// API for this number. Templates only exist on the official API.
func (p *PhoneNumber) CanSyncTemplates() bool {
	return p.IsOfficial() && p.AccessToken != "" && p.BusinessAccountID != ""
}
