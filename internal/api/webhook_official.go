package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/wahub-io/wahub/internal/config"
	"github.com/wahub-io/wahub/internal/dedupe"
	"github.com/wahub-io/wahub/internal/media"
	"github.com/wahub-io/wahub/internal/models"
	"github.com/wahub-io/wahub/internal/signing"
	"github.com/wahub-io/wahub/internal/storage"
	"github.com/wahub-io/wahub/internal/whatsapp"
)

const maxWebhookBody = 1 << 20 // 1MB

// OfficialWebhookHandler receives Cloud API webhooks. Each phone number
// gets its own webhook URL keyed by its webhook token.
type OfficialWebhookHandler struct {
	store  storage.Store
	media  *media.Store
	graph  config.WhatsAppConfig
	dedupe dedupe.Cache
	log    zerolog.Logger
}

func NewOfficialWebhookHandler(store storage.Store, mediaStore *media.Store, graph config.WhatsAppConfig, dedupeCache dedupe.Cache, log zerolog.Logger) *OfficialWebhookHandler {
	return &OfficialWebhookHandler{store: store, media: mediaStore, graph: graph, dedupe: dedupeCache, log: log}
}

func (h *OfficialWebhookHandler) lookupNumber(w http.ResponseWriter, r *http.Request) *models.PhoneNumber {
	token := chi.URLParam(r, "token")
	number, err := h.store.GetPhoneNumberByWebhookToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if number == nil || !number.IsOfficial() {
		writeError(w, http.StatusForbidden, "invalid webhook token")
		return nil
	}
	return number
}

// Verify answers the Meta subscription handshake: hub.mode=subscribe with
// the number's verify token echoes back hub.challenge.
func (h *OfficialWebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	number := h.lookupNumber(w, r)
	if number == nil {
		return
	}

	q := r.URL.Query()
	if q.Get("hub.verify_token") != number.VerifyToken {
		writeError(w, http.StatusForbidden, "verification failed: invalid token")
		return
	}
	if q.Get("hub.mode") != "subscribe" {
		writeError(w, http.StatusForbidden, "verification failed: invalid mode")
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(q.Get("hub.challenge")))
}

type graphEvent struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string           `json:"field"`
			Value graphChangeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type graphChangeValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []graphContact    `json:"contacts"`
	Messages []json.RawMessage `json:"messages"`
	Statuses []graphStatus     `json:"statuses"`
}

type graphContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type graphMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type graphMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *graphMedia `json:"image"`
	Video    *graphMedia `json:"video"`
	Audio    *graphMedia `json:"audio"`
	Document *graphMedia `json:"document"`
	Sticker  *graphMedia `json:"sticker"`

	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location"`
	Contacts []map[string]any `json:"contacts"`

	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Reaction *struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	} `json:"reaction"`
	System *struct {
		Body    string `json:"body"`
		Type    string `json:"type"`
		NewWaID string `json:"new_wa_id"`
	} `json:"system"`

	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
	Referral map[string]any `json:"referral"`
	Errors   []any          `json:"errors"`
}

type graphStatus struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	Timestamp    string           `json:"timestamp"`
	RecipientID  string           `json:"recipient_id"`
	Conversation map[string]any   `json:"conversation"`
	Pricing      map[string]any   `json:"pricing"`
	Errors       []map[string]any `json:"errors"`
}

// Receive ingests a webhook delivery: inbound messages, contact profiles,
// status receipts and template change notifications.
func (h *OfficialWebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	number := h.lookupNumber(w, r)
	if number == nil {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if number.AppSecret != "" {
		if !signing.Verify(number.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			writeError(w, http.StatusForbidden, "invalid signature")
			return
		}
	}

	var event graphEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if event.Object != "whatsapp_business_account" {
		h.log.Warn().Str("object", event.Object).Msg("webhook for unsupported object type")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ctx := r.Context()
	for _, entry := range event.Entry {
		for _, change := range entry.Changes {
			switch change.Field {
			case "messages":
				h.processMessagesChange(ctx, number, change.Value)
			case "message_template_status_update", "message_template_quality_update", "message_template_components_update":
				if synced, err := syncTemplates(ctx, h.store, h.graph, number); err != nil {
					h.log.Warn().Err(err).Str("number_id", number.ID).Msg("template re-sync after webhook failed")
				} else {
					h.log.Info().Int("synced", synced).Str("field", change.Field).Msg("templates re-synced")
				}
			default:
				h.log.Debug().Str("field", change.Field).Msg("skipping unhandled field change")
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *OfficialWebhookHandler) processMessagesChange(ctx context.Context, number *models.PhoneNumber, value graphChangeValue) {
	// A shared webhook URL can carry events for other numbers on the
	// same business account.
	if value.Metadata.PhoneNumberID != "" && number.PhoneNumberID != "" &&
		value.Metadata.PhoneNumberID != number.PhoneNumberID {
		h.log.Warn().
			Str("expected", number.PhoneNumberID).
			Str("got", value.Metadata.PhoneNumberID).
			Msg("phone number id mismatch, skipping change")
		return
	}

	for _, c := range value.Contacts {
		h.upsertContact(ctx, c)
	}

	for _, raw := range value.Messages {
		var msg graphMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.Warn().Err(err).Msg("failed to decode webhook message")
			continue
		}
		h.processMessage(ctx, number, msg, raw)
	}

	for _, st := range value.Statuses {
		h.processStatus(ctx, st)
	}
}

func (h *OfficialWebhookHandler) upsertContact(ctx context.Context, c graphContact) {
	if c.WaID == "" {
		return
	}
	contact, err := h.store.GetOrCreateContactByPhone(ctx, c.WaID, c.Profile.Name)
	if err != nil {
		h.log.Error().Err(err).Str("wa_id", c.WaID).Msg("failed to upsert webhook contact")
		return
	}
	name := c.Profile.Name
	if name != "" && name != contact.Name {
		contact.Name = name
		if err := h.store.UpdateContact(ctx, contact); err != nil {
			h.log.Error().Err(err).Str("contact_id", contact.ID).Msg("failed to update contact name")
		}
	}
}

func (h *OfficialWebhookHandler) processMessage(ctx context.Context, number *models.PhoneNumber, msg graphMessage, raw json.RawMessage) {
	if msg.ID == "" || msg.From == "" {
		h.log.Warn().Msg("webhook message missing required fields")
		return
	}

	if seen, err := h.dedupe.Seen(ctx, "official:"+msg.ID); err != nil {
		h.log.Warn().Err(err).Msg("dedupe check failed")
	} else if seen {
		h.log.Debug().Str("wa_message_id", msg.ID).Msg("duplicate webhook message skipped")
		return
	}
	if existing, err := h.store.GetMessageByWAID(ctx, msg.ID); err == nil && existing != nil {
		return
	}

	contact, err := h.store.GetOrCreateContactByPhone(ctx, msg.From, "")
	if err != nil {
		h.log.Error().Err(err).Str("from", msg.From).Msg("failed to resolve contact for inbound message")
		return
	}

	now := time.Now().UTC()
	m := &models.Message{
		ID:            models.NewID("msg"),
		PhoneNumberID: number.ID,
		ContactID:     contact.ID,
		WAMessageID:   msg.ID,
		FromNumber:    msg.From,
		ToNumber:      number.PhoneNumber,
		Direction:     models.DirectionIncoming,
		Status:        models.StatusReceived,
		Timestamp:     parseUnixTimestamp(msg.Timestamp, now),
		RawPayload:    raw,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var mediaRef *graphMedia
	switch msg.Type {
	case "text":
		m.Type = models.TypeText
		if msg.Text != nil {
			m.Body = msg.Text.Body
		}
	case "image":
		m.Type = models.TypeImage
		mediaRef = msg.Image
	case "video":
		m.Type = models.TypeVideo
		mediaRef = msg.Video
	case "audio":
		m.Type = models.TypeAudio
		mediaRef = msg.Audio
	case "document":
		m.Type = models.TypeDocument
		mediaRef = msg.Document
	case "sticker":
		m.Type = models.TypeSticker
		mediaRef = msg.Sticker
	case "location":
		m.Type = models.TypeLocation
		if msg.Location != nil {
			m.Body = fmt.Sprintf("Location: %s", msg.Location.Name)
			m.SetMeta("location", map[string]any{
				"latitude":  msg.Location.Latitude,
				"longitude": msg.Location.Longitude,
				"name":      msg.Location.Name,
				"address":   msg.Location.Address,
			})
		}
	case "contacts":
		m.Type = models.TypeContacts
		m.Body = fmt.Sprintf("Shared %d contact(s)", len(msg.Contacts))
		m.SetMeta("contacts", msg.Contacts)
	case "interactive":
		m.Type = models.TypeInteractive
		if msg.Interactive != nil {
			switch {
			case msg.Interactive.ButtonReply != nil:
				m.Body = msg.Interactive.ButtonReply.Title
				m.SetMeta("interactive", map[string]any{
					"type":      "button_reply",
					"button_id": msg.Interactive.ButtonReply.ID,
				})
			case msg.Interactive.ListReply != nil:
				m.Body = msg.Interactive.ListReply.Title
				m.SetMeta("interactive", map[string]any{
					"type":        "list_reply",
					"list_id":     msg.Interactive.ListReply.ID,
					"description": msg.Interactive.ListReply.Description,
				})
			}
		}
	case "button":
		m.Type = models.TypeButton
		if msg.Button != nil {
			m.Body = msg.Button.Text
			m.SetMeta("button", map[string]any{"payload": msg.Button.Payload})
		}
	case "reaction":
		m.Type = models.TypeReaction
		if msg.Reaction != nil {
			m.Body = fmt.Sprintf("Reacted with %s", msg.Reaction.Emoji)
			m.SetMeta("reaction", map[string]any{
				"message_id": msg.Reaction.MessageID,
				"emoji":      msg.Reaction.Emoji,
			})
		}
	case "system":
		m.Type = models.TypeSystem
		if msg.System != nil {
			m.Body = msg.System.Body
			m.SetMeta("system", map[string]any{
				"type":      msg.System.Type,
				"new_wa_id": msg.System.NewWaID,
			})
			if msg.System.Type == "user_changed_number" && msg.System.NewWaID != "" {
				contact.PhoneNumber = models.NormalizePhone(msg.System.NewWaID)
				if err := h.store.UpdateContact(ctx, contact); err != nil {
					h.log.Error().Err(err).Str("contact_id", contact.ID).Msg("failed to update changed number")
				}
			}
		}
	default:
		m.Type = models.TypeUnknown
		m.Body = "Unsupported message type"
		if len(msg.Errors) > 0 {
			m.SetMeta("errors", msg.Errors)
		}
	}

	if mediaRef != nil {
		m.MediaID = mediaRef.ID
		m.MediaMimeType = mediaRef.MimeType
		m.MediaFilename = mediaRef.Filename
		m.Body = mediaRef.Caption
	}
	if msg.Context != nil {
		m.ReplyToWAID = msg.Context.ID
	}
	if msg.Referral != nil {
		m.SetMeta("referral", msg.Referral)
	}

	if err := h.store.CreateMessage(ctx, m); err != nil {
		h.log.Error().Err(err).Str("wa_message_id", msg.ID).Msg("failed to save inbound message")
		return
	}
	h.log.Info().Str("wa_message_id", msg.ID).Str("from", msg.From).Str("type", string(m.Type)).Msg("inbound message saved")

	if mediaRef != nil && mediaRef.ID != "" {
		h.archiveMedia(ctx, number, m, mediaRef)
	}
}

// archiveMedia resolves the media id, downloads the bytes (the download
// URL expires within minutes) and attaches the stored file to the message.
func (h *OfficialWebhookHandler) archiveMedia(ctx context.Context, number *models.PhoneNumber, m *models.Message, ref *graphMedia) {
	if number.AccessToken == "" {
		return
	}

	client := whatsapp.NewClient(h.graph.GraphBaseURL, h.graph.GraphVersion, number.AccessToken, h.graph.Timeout)

	info, err := client.GetMedia(ctx, ref.ID, number.PhoneNumberID)
	if err != nil {
		h.log.Error().Err(err).Str("media_id", ref.ID).Msg("failed to resolve media url")
		return
	}
	if info.URL == "" {
		h.log.Error().Str("media_id", ref.ID).Msg("media info has no url")
		return
	}

	data, err := client.DownloadMedia(ctx, info.URL)
	if err != nil {
		h.log.Error().Err(err).Str("media_id", ref.ID).Msg("failed to download media")
		return
	}

	mimeType := info.MimeType
	if mimeType == "" {
		mimeType = ref.MimeType
	}

	relPath, err := h.media.Save(m.ID, m.Type, mimeType, data)
	if err != nil {
		h.log.Error().Err(err).Str("message_id", m.ID).Msg("failed to archive media")
		return
	}

	if err := h.store.AttachMedia(ctx, m.ID, ref.ID, mimeType, relPath, ref.Filename); err != nil {
		h.log.Error().Err(err).Str("message_id", m.ID).Msg("failed to attach media to message")
		return
	}
	h.log.Info().Str("message_id", m.ID).Str("path", relPath).Msg("media archived")
}

func (h *OfficialWebhookHandler) processStatus(ctx context.Context, st graphStatus) {
	if st.ID == "" || st.Status == "" {
		h.log.Warn().Msg("status update missing required fields")
		return
	}

	if seen, err := h.dedupe.Seen(ctx, fmt.Sprintf("official:%s:%s", st.ID, st.Status)); err != nil {
		h.log.Warn().Err(err).Msg("dedupe check failed")
	} else if seen {
		return
	}

	receipt := &models.StatusReceipt{
		Status:       models.MessageStatus(st.Status),
		Timestamp:    parseUnixTimestamp(st.Timestamp, time.Now().UTC()),
		Conversation: st.Conversation,
		Pricing:      st.Pricing,
	}
	if st.Conversation != nil {
		if id, ok := st.Conversation["id"].(string); ok {
			receipt.ConversationID = id
		}
	}
	if len(st.Errors) > 0 {
		receipt.Errors = make([]any, 0, len(st.Errors))
		for _, e := range st.Errors {
			receipt.Errors = append(receipt.Errors, e)
		}
		first := st.Errors[0]
		if code, ok := first["code"]; ok {
			receipt.ErrorCode = fmt.Sprintf("%v", code)
		}
		if title, ok := first["title"].(string); ok {
			receipt.ErrorMessage = title
		}
	}

	msg, err := h.store.ApplyStatusReceipt(ctx, st.ID, receipt)
	if err != nil {
		h.log.Error().Err(err).Str("wa_message_id", st.ID).Msg("failed to apply status receipt")
		return
	}
	if msg == nil {
		h.log.Warn().Str("wa_message_id", st.ID).Msg("status receipt for unknown message")
		return
	}
	h.log.Info().Str("wa_message_id", st.ID).Str("status", st.Status).Msg("status receipt applied")
}

func parseUnixTimestamp(s string, fallback time.Time) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Unix(secs, 0).UTC()
}
