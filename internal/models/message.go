package models

import (
	"encoding/json"
	"time"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusReceived  MessageStatus = "received"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeAudio       MessageType = "audio"
	TypeVideo       MessageType = "video"
	TypeDocument    MessageType = "document"
	TypeLocation    MessageType = "location"
	TypeTemplate    MessageType = "template"
	TypeButton      MessageType = "button"
	TypeInteractive MessageType = "interactive"
	TypeSticker     MessageType = "sticker"
	TypeReaction    MessageType = "reaction"
	TypeContacts    MessageType = "contacts"
	TypeSystem      MessageType = "system"
	TypeUnknown     MessageType = "unknown"
)

// IsMediaType reports whether inbound messages of this type carry a media id
// that should be downloaded and archived.
func IsMediaType(t MessageType) bool {
	switch t {
	case TypeImage, TypeAudio, TypeVideo, TypeDocument, TypeSticker:
		return true
	}
	return false
}

// IsOutboundMediaType reports whether the type can be sent as an outbound
// media message. Narrower than IsMediaType: stickers arrive inbound but
// neither provider sends them out.
func IsOutboundMediaType(t MessageType) bool {
	switch t {
	case TypeImage, TypeAudio, TypeVideo, TypeDocument:
		return true
	}
	return false
}

// Message is a single inbound or outbound WhatsApp message.
type Message struct {
	ID                string            `json:"id"`
	PhoneNumberID     string            `json:"phone_number_id"`
	ContactID         string            `json:"contact_id,omitempty"`
	TemplateID        string            `json:"template_id,omitempty"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`

	WAMessageID    string `json:"wa_message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	FromNumber     string `json:"from_number"`
	ToNumber       string `json:"to_number"`

	Direction Direction   `json:"direction"`
	Type      MessageType `json:"type"`
	Body      string      `json:"body,omitempty"`

	MediaLink     string `json:"media_link,omitempty"`
	MediaID       string `json:"media_id,omitempty"`
	MediaMimeType string `json:"media_mime_type,omitempty"`
	MediaPath     string `json:"media_path,omitempty"`
	MediaFilename string `json:"media_filename,omitempty"`

	Metadata   map[string]any  `json:"metadata,omitempty"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`

	Status       MessageStatus `json:"status"`
	DeliveredAt  *time.Time    `json:"delivered_at,omitempty"`
	ReadAt       *time.Time    `json:"read_at,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`

	ReplyToWAID string    `json:"reply_to_wa_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// statusRank orders statuses for receipt processing. Provider webhooks
// redeliver and arrive out of order; a receipt never moves a message to a
// lower-ranked status.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusReceived:  1,
	StatusSent:      1,
	StatusFailed:    2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// StatusAdvances reports whether moving from to next is a forward
// transition.
func StatusAdvances(from, next MessageStatus) bool {
	return statusRank[next] > statusRank[from]
}

// StatusReceipt is a delivery/read/failure notice for an outbound message,
// extracted from a provider status webhook.
type StatusReceipt struct {
	Status         MessageStatus
	Timestamp      time.Time
	ConversationID string
	Conversation   map[string]any
	Pricing        map[string]any
	Errors         []any
	ErrorCode      string
	ErrorMessage   string
}

// SetMeta stores a key in the message metadata, allocating the map on first
// use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[key] = value
}
