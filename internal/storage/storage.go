package storage

import (
	"context"
	"time"

	"github.com/wahub-io/wahub/internal/models"
)

// MessageFilter narrows ListMessages. Zero values mean "any".
type MessageFilter struct {
	Direction     models.Direction
	Status        models.MessageStatus
	Type          models.MessageType
	PhoneNumberID string
	ContactID     string
	Limit         int
	Offset        int
}

type Store interface {
	// Phone numbers
	CreatePhoneNumber(ctx context.Context, n *models.PhoneNumber) error
	GetPhoneNumber(ctx context.Context, id string) (*models.PhoneNumber, error)
	GetPhoneNumberByWebhookToken(ctx context.Context, token string) (*models.PhoneNumber, error)
	GetPhoneNumberByWAHASession(ctx context.Context, session string) (*models.PhoneNumber, error)
	GetPhoneNumberByPhone(ctx context.Context, phone string) (*models.PhoneNumber, error)
	ListPhoneNumbers(ctx context.Context) ([]models.PhoneNumber, error)
	UpdatePhoneNumber(ctx context.Context, n *models.PhoneNumber) error
	DeletePhoneNumber(ctx context.Context, id string) error
	SetPhoneNumberConfigured(ctx context.Context, id string, configured bool) error

	// Contacts
	CreateContact(ctx context.Context, c *models.Contact) error
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	GetContactByPhone(ctx context.Context, phone string) (*models.Contact, error)
	GetOrCreateContactByPhone(ctx context.Context, phone, name string) (*models.Contact, error)
	ListContacts(ctx context.Context) ([]models.Contact, error)
	UpdateContact(ctx context.Context, c *models.Contact) error
	DeleteContact(ctx context.Context, id string) error

	// Messages
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessageByWAID(ctx context.Context, waMessageID string) (*models.Message, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]models.Message, error)
	ListPendingOutgoing(ctx context.Context, limit int) ([]models.Message, error)
	MarkMessageSent(ctx context.Context, id, waMessageID string) error
	MarkMessageFailed(ctx context.Context, id, errorCode, errorMessage string) error
	MarkMessageRead(ctx context.Context, id string, at time.Time) error
	ResetMessageForRetry(ctx context.Context, id string) error
	AttachMedia(ctx context.Context, id, mediaID, mimeType, path, filename string) error
	ApplyStatusReceipt(ctx context.Context, waMessageID string, r *models.StatusReceipt) (*models.Message, error)

	// Templates
	UpsertTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetTemplateByName(ctx context.Context, phoneNumberID, name, language string) (*models.Template, error)
	ListTemplates(ctx context.Context, phoneNumberID string, status models.TemplateStatus) ([]models.Template, error)
	DeleteTemplate(ctx context.Context, id string) error

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	TotalMessages     int64   `json:"total_messages"`
	IncomingMessages  int64   `json:"incoming_messages"`
	OutgoingMessages  int64   `json:"outgoing_messages"`
	PendingMessages   int64   `json:"pending_messages"`
	SentMessages      int64   `json:"sent_messages"`
	DeliveredMessages int64   `json:"delivered_messages"`
	ReadMessages      int64   `json:"read_messages"`
	FailedMessages    int64   `json:"failed_messages"`
	SuccessRate       float64 `json:"success_rate"`
	TotalContacts     int64   `json:"total_contacts"`
	TotalNumbers      int64   `json:"total_numbers"`
	ActiveNumbers     int64   `json:"active_numbers"`
	TotalTemplates    int64   `json:"total_templates"`
	ApprovedTemplates int64   `json:"approved_templates"`
}
