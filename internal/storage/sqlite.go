package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wahub-io/wahub/internal/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS phone_numbers (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			phone_number TEXT NOT NULL UNIQUE,
			api_type TEXT NOT NULL DEFAULT 'official',
			phone_number_id TEXT NOT NULL DEFAULT '',
			business_account_id TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			business_id TEXT NOT NULL DEFAULT '',
			waba_id TEXT NOT NULL DEFAULT '',
			app_secret TEXT NOT NULL DEFAULT '',
			waha_endpoint TEXT NOT NULL DEFAULT '',
			waha_username TEXT NOT NULL DEFAULT '',
			waha_password TEXT NOT NULL DEFAULT '',
			waha_session TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			configured INTEGER NOT NULL DEFAULT 0,
			verify_token TEXT NOT NULL DEFAULT '',
			webhook_token TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone_number TEXT NOT NULL UNIQUE,
			whatsapp_chat_id TEXT NOT NULL DEFAULT '',
			profile_picture_url TEXT NOT NULL DEFAULT '',
			is_business INTEGER NOT NULL DEFAULT 0,
			is_verified INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			phone_number_id TEXT NOT NULL REFERENCES phone_numbers(id) ON DELETE CASCADE,
			contact_id TEXT NOT NULL DEFAULT '',
			template_id TEXT NOT NULL DEFAULT '',
			template_variables TEXT NOT NULL DEFAULT '{}',
			wa_message_id TEXT,
			conversation_id TEXT NOT NULL DEFAULT '',
			from_number TEXT NOT NULL,
			to_number TEXT NOT NULL,
			direction TEXT NOT NULL,
			type TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			media_link TEXT NOT NULL DEFAULT '',
			media_id TEXT NOT NULL DEFAULT '',
			media_mime_type TEXT NOT NULL DEFAULT '',
			media_path TEXT NOT NULL DEFAULT '',
			media_filename TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			raw_payload TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			delivered_at DATETIME,
			read_at DATETIME,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			reply_to_wa_id TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (wa_message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			phone_number_id TEXT NOT NULL REFERENCES phone_numbers(id) ON DELETE CASCADE,
			template_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			language TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			category TEXT NOT NULL DEFAULT 'UTILITY',
			header_type TEXT NOT NULL DEFAULT '',
			header_text TEXT NOT NULL DEFAULT '',
			body_text TEXT NOT NULL DEFAULT '',
			footer_text TEXT NOT NULL DEFAULT '',
			components TEXT NOT NULL DEFAULT '[]',
			buttons TEXT NOT NULL DEFAULT '[]',
			examples TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (phone_number_id, name, language)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_phone_numbers_webhook_token ON phone_numbers(webhook_token)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_phone_numbers_waha_session ON phone_numbers(waha_session) WHERE api_type = 'waha' AND waha_session != ''`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_phone ON contacts(phone_number)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_number ON messages(phone_number_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_contact ON messages(contact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages(direction, status) WHERE direction = 'outgoing' AND status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_templates_number ON templates(phone_number_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Phone numbers ---

const phoneNumberCols = `id, display_name, phone_number, api_type, phone_number_id, business_account_id,
	access_token, business_id, waba_id, app_secret, waha_endpoint, waha_username, waha_password,
	waha_session, active, configured, verify_token, webhook_token, created_at, updated_at`

func (s *SQLiteStore) CreatePhoneNumber(ctx context.Context, n *models.PhoneNumber) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phone_numbers (`+phoneNumberCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.DisplayName, n.PhoneNumber, n.APIType, n.PhoneNumberID, n.BusinessAccountID,
		n.AccessToken, n.BusinessID, n.WabaID, n.AppSecret, n.WAHAEndpoint, n.WAHAUsername, n.WAHAPassword,
		n.WAHASession, boolToInt(n.Active), boolToInt(n.Configured), n.VerifyToken, n.WebhookToken,
		n.CreatedAt, n.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) scanPhoneNumber(row interface{ Scan(...interface{}) error }) (*models.PhoneNumber, error) {
	var n models.PhoneNumber
	var active, configured int
	err := row.Scan(&n.ID, &n.DisplayName, &n.PhoneNumber, &n.APIType, &n.PhoneNumberID, &n.BusinessAccountID,
		&n.AccessToken, &n.BusinessID, &n.WabaID, &n.AppSecret, &n.WAHAEndpoint, &n.WAHAUsername, &n.WAHAPassword,
		&n.WAHASession, &active, &configured, &n.VerifyToken, &n.WebhookToken, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.Active = active == 1
	n.Configured = configured == 1
	return &n, nil
}

func (s *SQLiteStore) getPhoneNumberWhere(ctx context.Context, where string, args ...interface{}) (*models.PhoneNumber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+phoneNumberCols+` FROM phone_numbers WHERE `+where, args...)
	n, err := s.scanPhoneNumber(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

func (s *SQLiteStore) GetPhoneNumber(ctx context.Context, id string) (*models.PhoneNumber, error) {
	return s.getPhoneNumberWhere(ctx, `id = ?`, id)
}

func (s *SQLiteStore) GetPhoneNumberByWebhookToken(ctx context.Context, token string) (*models.PhoneNumber, error) {
	return s.getPhoneNumberWhere(ctx, `webhook_token = ?`, token)
}

func (s *SQLiteStore) GetPhoneNumberByWAHASession(ctx context.Context, session string) (*models.PhoneNumber, error) {
	return s.getPhoneNumberWhere(ctx, `waha_session = ? AND api_type = 'waha'`, session)
}

func (s *SQLiteStore) GetPhoneNumberByPhone(ctx context.Context, phone string) (*models.PhoneNumber, error) {
	return s.getPhoneNumberWhere(ctx, `phone_number = ?`, models.NormalizePhone(phone))
}

func (s *SQLiteStore) ListPhoneNumbers(ctx context.Context) ([]models.PhoneNumber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+phoneNumberCols+` FROM phone_numbers ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var numbers []models.PhoneNumber
	for rows.Next() {
		n, err := s.scanPhoneNumber(rows)
		if err != nil {
			return nil, err
		}
		numbers = append(numbers, *n)
	}
	return numbers, rows.Err()
}

func (s *SQLiteStore) UpdatePhoneNumber(ctx context.Context, n *models.PhoneNumber) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE phone_numbers SET display_name = ?, phone_number = ?, api_type = ?, phone_number_id = ?,
		 business_account_id = ?, access_token = ?, business_id = ?, waba_id = ?, app_secret = ?,
		 waha_endpoint = ?, waha_username = ?, waha_password = ?, waha_session = ?,
		 active = ?, configured = ?, updated_at = ? WHERE id = ?`,
		n.DisplayName, n.PhoneNumber, n.APIType, n.PhoneNumberID,
		n.BusinessAccountID, n.AccessToken, n.BusinessID, n.WabaID, n.AppSecret,
		n.WAHAEndpoint, n.WAHAUsername, n.WAHAPassword, n.WAHASession,
		boolToInt(n.Active), boolToInt(n.Configured), time.Now().UTC(), n.ID,
	)
	return err
}

func (s *SQLiteStore) DeletePhoneNumber(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM phone_numbers WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) SetPhoneNumberConfigured(ctx context.Context, id string, configured bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE phone_numbers SET configured = ?, updated_at = ? WHERE id = ?`,
		boolToInt(configured), time.Now().UTC(), id,
	)
	return err
}

// --- Contacts ---

const contactCols = `id, name, phone_number, whatsapp_chat_id, profile_picture_url, is_business, is_verified, created_at, updated_at`

func (s *SQLiteStore) CreateContact(ctx context.Context, c *models.Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (`+contactCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.PhoneNumber, c.WhatsAppChatID, c.ProfilePictureURL,
		boolToInt(c.IsBusiness), boolToInt(c.IsVerified), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) scanContact(row interface{ Scan(...interface{}) error }) (*models.Contact, error) {
	var c models.Contact
	var isBusiness, isVerified int
	err := row.Scan(&c.ID, &c.Name, &c.PhoneNumber, &c.WhatsAppChatID, &c.ProfilePictureURL,
		&isBusiness, &isVerified, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.IsBusiness = isBusiness == 1
	c.IsVerified = isVerified == 1
	return &c, nil
}

func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactCols+` FROM contacts WHERE id = ?`, id)
	c, err := s.scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) GetContactByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactCols+` FROM contacts WHERE phone_number = ?`,
		models.NormalizePhone(phone))
	c, err := s.scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) GetOrCreateContactByPhone(ctx context.Context, phone, name string) (*models.Contact, error) {
	normalized := models.NormalizePhone(phone)
	c, err := s.GetContactByPhone(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}

	if name == "" {
		name = normalized
	}
	now := time.Now().UTC()
	c = &models.Contact{
		ID:          models.NewID("ct"),
		Name:        name,
		PhoneNumber: normalized,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.CreateContact(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) ListContacts(ctx context.Context) ([]models.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contactCols+` FROM contacts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c, err := s.scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

func (s *SQLiteStore) UpdateContact(ctx context.Context, c *models.Contact) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET name = ?, phone_number = ?, whatsapp_chat_id = ?, profile_picture_url = ?,
		 is_business = ?, is_verified = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.PhoneNumber, c.WhatsAppChatID, c.ProfilePictureURL,
		boolToInt(c.IsBusiness), boolToInt(c.IsVerified), time.Now().UTC(), c.ID,
	)
	return err
}

func (s *SQLiteStore) DeleteContact(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id)
	return err
}

// --- Messages ---

const messageCols = `id, phone_number_id, contact_id, template_id, template_variables, wa_message_id,
	conversation_id, from_number, to_number, direction, type, body, media_link, media_id,
	media_mime_type, media_path, media_filename, metadata, raw_payload, status, delivered_at,
	read_at, error_code, error_message, reply_to_wa_id, timestamp, created_at, updated_at`

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *models.Message) error {
	vars, _ := json.Marshal(m.TemplateVariables)
	meta, _ := json.Marshal(m.Metadata)
	if m.TemplateVariables == nil {
		vars = []byte("{}")
	}
	if m.Metadata == nil {
		meta = []byte("{}")
	}

	var waID interface{}
	if m.WAMessageID != "" {
		waID = m.WAMessageID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PhoneNumberID, m.ContactID, m.TemplateID, string(vars), waID,
		m.ConversationID, m.FromNumber, m.ToNumber, m.Direction, m.Type, m.Body, m.MediaLink, m.MediaID,
		m.MediaMimeType, m.MediaPath, m.MediaFilename, string(meta), string(m.RawPayload), m.Status, m.DeliveredAt,
		m.ReadAt, m.ErrorCode, m.ErrorMessage, m.ReplyToWAID, m.Timestamp, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) scanMessage(row interface{ Scan(...interface{}) error }) (*models.Message, error) {
	var m models.Message
	var vars, meta, raw string
	var waID sql.NullString
	var deliveredAt, readAt sql.NullTime
	err := row.Scan(&m.ID, &m.PhoneNumberID, &m.ContactID, &m.TemplateID, &vars, &waID,
		&m.ConversationID, &m.FromNumber, &m.ToNumber, &m.Direction, &m.Type, &m.Body, &m.MediaLink, &m.MediaID,
		&m.MediaMimeType, &m.MediaPath, &m.MediaFilename, &meta, &raw, &m.Status, &deliveredAt,
		&readAt, &m.ErrorCode, &m.ErrorMessage, &m.ReplyToWAID, &m.Timestamp, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.WAMessageID = waID.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		m.DeliveredAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	if vars != "" && vars != "{}" {
		json.Unmarshal([]byte(vars), &m.TemplateVariables)
	}
	if meta != "" && meta != "{}" {
		json.Unmarshal([]byte(meta), &m.Metadata)
	}
	if raw != "" {
		m.RawPayload = json.RawMessage(raw)
	}
	return &m, nil
}

func (s *SQLiteStore) getMessageWhere(ctx context.Context, where string, args ...interface{}) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE `+where, args...)
	m, err := s.scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return s.getMessageWhere(ctx, `id = ?`, id)
}

func (s *SQLiteStore) GetMessageByWAID(ctx context.Context, waMessageID string) (*models.Message, error) {
	return s.getMessageWhere(ctx, `wa_message_id = ?`, waMessageID)
}

func (s *SQLiteStore) ListMessages(ctx context.Context, f MessageFilter) ([]models.Message, error) {
	query := `SELECT ` + messageCols + ` FROM messages WHERE 1=1`
	var args []interface{}

	if f.Direction != "" {
		query += ` AND direction = ?`
		args = append(args, f.Direction)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.PhoneNumberID != "" {
		query += ` AND phone_number_id = ?`
		args = append(args, f.PhoneNumberID)
	}
	if f.ContactID != "" {
		query += ` AND contact_id = ?`
		args = append(args, f.ContactID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) ListPendingOutgoing(ctx context.Context, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE direction = 'outgoing' AND status = 'pending'
		 ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) MarkMessageSent(ctx context.Context, id, waMessageID string) error {
	var waID interface{}
	if waMessageID != "" {
		waID = waMessageID
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'sent', wa_message_id = ?, error_code = '', error_message = '', updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		waID, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) MarkMessageFailed(ctx context.Context, id, errorCode, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'failed', error_code = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		errorCode, errorMessage, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'read', read_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) ResetMessageForRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'pending', error_code = '', error_message = '', updated_at = ?
		 WHERE id = ? AND direction = 'outgoing' AND status = 'failed'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message is not a failed outgoing message")
	}
	return nil
}

func (s *SQLiteStore) AttachMedia(ctx context.Context, id, mediaID, mimeType, path, filename string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET media_id = ?, media_mime_type = ?, media_path = ?, media_filename = ?, updated_at = ?
		 WHERE id = ?`,
		mediaID, mimeType, path, filename, time.Now().UTC(), id,
	)
	return err
}

// ApplyStatusReceipt merges a provider status receipt into the message
// identified by wa_message_id. Receipts arrive out of order and get
// redelivered; the status only ever moves forward, while timestamps and
// metadata from stale receipts are still recorded.
func (s *SQLiteStore) ApplyStatusReceipt(ctx context.Context, waMessageID string, r *models.StatusReceipt) (*models.Message, error) {
	m, err := s.GetMessageByWAID(ctx, waMessageID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}

	if models.StatusAdvances(m.Status, r.Status) {
		m.Status = r.Status
	}

	switch r.Status {
	case models.StatusDelivered:
		if m.DeliveredAt == nil {
			t := r.Timestamp
			m.DeliveredAt = &t
		}
	case models.StatusRead:
		if m.ReadAt == nil {
			t := r.Timestamp
			m.ReadAt = &t
		}
	}

	if r.ConversationID != "" {
		m.ConversationID = r.ConversationID
	}
	if r.Conversation != nil {
		m.SetMeta("conversation", r.Conversation)
	}
	if r.Pricing != nil {
		m.SetMeta("pricing", r.Pricing)
	}
	if len(r.Errors) > 0 {
		m.SetMeta("errors", r.Errors)
	}
	if r.ErrorCode != "" {
		m.ErrorCode = r.ErrorCode
		m.ErrorMessage = r.ErrorMessage
	}

	meta, _ := json.Marshal(m.Metadata)
	if m.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, conversation_id = ?, metadata = ?, delivered_at = ?, read_at = ?,
		 error_code = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		m.Status, m.ConversationID, string(meta), m.DeliveredAt, m.ReadAt,
		m.ErrorCode, m.ErrorMessage, time.Now().UTC(), m.ID,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// --- Templates ---

const templateCols = `id, phone_number_id, template_id, name, language, status, category,
	header_type, header_text, body_text, footer_text, components, buttons, examples, created_at, updated_at`

func (s *SQLiteStore) scanTemplate(row interface{ Scan(...interface{}) error }) (*models.Template, error) {
	var t models.Template
	var components, buttons, examples string
	err := row.Scan(&t.ID, &t.PhoneNumberID, &t.TemplateID, &t.Name, &t.Language, &t.Status, &t.Category,
		&t.HeaderType, &t.HeaderText, &t.BodyText, &t.FooterText, &components, &buttons, &examples,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if components != "" && components != "[]" {
		json.Unmarshal([]byte(components), &t.Components)
	}
	if buttons != "" && buttons != "[]" {
		json.Unmarshal([]byte(buttons), &t.Buttons)
	}
	if examples != "" {
		t.Examples = json.RawMessage(examples)
	}
	return &t, nil
}

// UpsertTemplate inserts or updates a template keyed by
// (phone_number_id, name, language). On update the stored id and
// created_at are kept and written back to t.
func (s *SQLiteStore) UpsertTemplate(ctx context.Context, t *models.Template) error {
	existing, err := s.GetTemplateByName(ctx, t.PhoneNumberID, t.Name, t.Language)
	if err != nil {
		return err
	}

	components, _ := json.Marshal(t.Components)
	if t.Components == nil {
		components = []byte("[]")
	}
	buttons, _ := json.Marshal(t.Buttons)
	if t.Buttons == nil {
		buttons = []byte("[]")
	}
	now := time.Now().UTC()

	if existing == nil {
		if t.ID == "" {
			t.ID = models.NewID("tpl")
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO templates (`+templateCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.PhoneNumberID, t.TemplateID, t.Name, t.Language, t.Status, t.Category,
			t.HeaderType, t.HeaderText, t.BodyText, t.FooterText, string(components), string(buttons),
			string(t.Examples), t.CreatedAt, t.UpdatedAt,
		)
		return err
	}

	t.ID = existing.ID
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`UPDATE templates SET template_id = ?, status = ?, category = ?, header_type = ?, header_text = ?,
		 body_text = ?, footer_text = ?, components = ?, buttons = ?, examples = ?, updated_at = ? WHERE id = ?`,
		t.TemplateID, t.Status, t.Category, t.HeaderType, t.HeaderText,
		t.BodyText, t.FooterText, string(components), string(buttons), string(t.Examples), t.UpdatedAt, t.ID,
	)
	return err
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateCols+` FROM templates WHERE id = ?`, id)
	t, err := s.scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) GetTemplateByName(ctx context.Context, phoneNumberID, name, language string) (*models.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateCols+` FROM templates WHERE phone_number_id = ? AND name = ? AND language = ?`,
		phoneNumberID, name, language)
	t, err := s.scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) ListTemplates(ctx context.Context, phoneNumberID string, status models.TemplateStatus) ([]models.Template, error) {
	query := `SELECT ` + templateCols + ` FROM templates WHERE 1=1`
	var args []interface{}
	if phoneNumberID != "" {
		query += ` AND phone_number_id = ?`
		args = append(args, phoneNumberID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []models.Template
	for rows.Next() {
		t, err := s.scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	return err
}

// --- Stats ---

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&stats.TotalMessages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE direction = 'incoming'`).Scan(&stats.IncomingMessages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE direction = 'outgoing'`).Scan(&stats.OutgoingMessages)
	// Per-status counts track delivery of our own sends; inbound rows also
	// move through statuses (received, read) and must not leak in here.
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE direction = 'outgoing' AND status = 'pending'`).Scan(&stats.PendingMessages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE direction = 'outgoing' AND status = 'sent'`).Scan(&stats.SentMessages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE direction = 'outgoing' AND status = 'delivered'`).Scan(&stats.DeliveredMessages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE direction = 'outgoing' AND status = 'read'`).Scan(&stats.ReadMessages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE direction = 'outgoing' AND status = 'failed'`).Scan(&stats.FailedMessages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&stats.TotalContacts)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM phone_numbers`).Scan(&stats.TotalNumbers)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM phone_numbers WHERE active = 1`).Scan(&stats.ActiveNumbers)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates`).Scan(&stats.TotalTemplates)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates WHERE status = 'APPROVED'`).Scan(&stats.ApprovedTemplates)

	if stats.OutgoingMessages > 0 {
		delivered := stats.SentMessages + stats.DeliveredMessages + stats.ReadMessages
		stats.SuccessRate = float64(delivered) / float64(stats.OutgoingMessages) * 100
	}

	return stats, nil
}
