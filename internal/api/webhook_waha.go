package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wahub-io/wahub/internal/dedupe"
	"github.com/wahub-io/wahub/internal/media"
	"github.com/wahub-io/wahub/internal/models"
	"github.com/wahub-io/wahub/internal/storage"
	"github.com/wahub-io/wahub/internal/waha"
)

// WAHAWebhookHandler receives events from a WAHA instance. One shared
// endpoint serves all WAHA numbers; events are routed by session name.
type WAHAWebhookHandler struct {
	store   storage.Store
	media   *media.Store
	timeout time.Duration
	dedupe  dedupe.Cache
	log     zerolog.Logger
}

func NewWAHAWebhookHandler(store storage.Store, mediaStore *media.Store, timeout time.Duration, dedupeCache dedupe.Cache, log zerolog.Logger) *WAHAWebhookHandler {
	return &WAHAWebhookHandler{store: store, media: mediaStore, timeout: timeout, dedupe: dedupeCache, log: log}
}

type wahaEvent struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Session string `json:"session"`
	Me      *struct {
		ID       string `json:"id"`
		PushName string `json:"pushName"`
	} `json:"me"`
	Payload json.RawMessage `json:"payload"`
}

type wahaMessagePayload struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	To        string `json:"to"`
	FromMe    bool   `json:"fromMe"`
	Body      string `json:"body"`
	HasMedia  bool   `json:"hasMedia"`
	Media     *struct {
		URL      string `json:"url"`
		Mimetype string `json:"mimetype"`
		Filename string `json:"filename"`
	} `json:"media"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Title     string  `json:"title"`
	} `json:"location"`
	VCards  []string `json:"vCards"`
	ReplyTo *struct {
		ID string `json:"id"`
	} `json:"replyTo"`
	Data map[string]any `json:"_data"`
}

type wahaSessionPayload struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (h *WAHAWebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var event wahaEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if event.Session == "" {
		writeError(w, http.StatusBadRequest, "missing session")
		return
	}

	ctx := r.Context()
	if event.ID != "" {
		if seen, err := h.dedupe.Seen(ctx, "waha:"+event.ID); err != nil {
			h.log.Warn().Err(err).Msg("dedupe check failed")
		} else if seen {
			h.log.Debug().Str("event_id", event.ID).Msg("duplicate waha event skipped")
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	number, err := h.store.GetPhoneNumberByWAHASession(ctx, event.Session)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if number == nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	switch event.Event {
	case "message", "message.any":
		h.processMessage(ctx, number, event)
	case "session.status":
		h.processSessionStatus(ctx, number, event)
	default:
		h.log.Debug().Str("event", event.Event).Msg("skipping unhandled waha event")
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WAHAWebhookHandler) processMessage(ctx context.Context, number *models.PhoneNumber, event wahaEvent) {
	var p wahaMessagePayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		h.log.Warn().Err(err).Msg("failed to decode waha message payload")
		return
	}
	if p.ID == "" {
		h.log.Warn().Msg("waha message missing id")
		return
	}

	if existing, err := h.store.GetMessageByWAID(ctx, p.ID); err == nil && existing != nil {
		return
	}

	// fromMe events are echoes of messages sent from the phone itself or
	// another client on the same account. WAHA reports those with our own
	// chat id in "from".
	direction := models.DirectionIncoming
	status := models.StatusReceived
	from, to := p.From, p.To
	peerChatID := p.From
	if p.FromMe {
		direction = models.DirectionOutgoing
		status = models.StatusSent
		peerChatID = p.To
		if from == "" && event.Me != nil {
			from = event.Me.ID
		}
	} else if to == "" && event.Me != nil {
		to = event.Me.ID
	}
	peer := models.NormalizePhone(peerChatID)

	var contactID string
	if direction == models.DirectionIncoming {
		name := ""
		if n, ok := p.Data["notifyName"].(string); ok {
			name = n
		}
		contact, err := h.store.GetOrCreateContactByPhone(ctx, peer, name)
		if err != nil {
			h.log.Error().Err(err).Str("peer", peer).Msg("failed to resolve contact for waha message")
			return
		}
		if contact.WhatsAppChatID == "" && strings.Contains(peerChatID, "@") {
			contact.WhatsAppChatID = peerChatID
			if err := h.store.UpdateContact(ctx, contact); err != nil {
				h.log.Error().Err(err).Str("contact_id", contact.ID).Msg("failed to store chat id")
			}
		}
		contactID = contact.ID
	} else {
		if contact, err := h.store.GetContactByPhone(ctx, peer); err == nil && contact != nil {
			contactID = contact.ID
		}
	}

	now := time.Now().UTC()
	ts := now
	if p.Timestamp > 0 {
		ts = time.Unix(p.Timestamp, 0).UTC()
	}

	m := &models.Message{
		ID:            models.NewID("msg"),
		PhoneNumberID: number.ID,
		ContactID:     contactID,
		WAMessageID:   p.ID,
		FromNumber:    models.NormalizePhone(from),
		ToNumber:      models.NormalizePhone(to),
		Direction:     direction,
		Status:        status,
		Body:          p.Body,
		Timestamp:     ts,
		RawPayload:    event.Payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.SetMeta("session", event.Session)

	switch {
	case p.HasMedia && p.Media != nil:
		m.Type = mediaTypeFromMime(p.Media.Mimetype)
		m.MediaMimeType = p.Media.Mimetype
		m.MediaFilename = p.Media.Filename
	case p.Location != nil:
		m.Type = models.TypeLocation
		m.Body = fmt.Sprintf("Location: %s", p.Location.Title)
		m.SetMeta("location", map[string]any{
			"latitude":  p.Location.Latitude,
			"longitude": p.Location.Longitude,
			"title":     p.Location.Title,
		})
	case len(p.VCards) > 0:
		m.Type = models.TypeContacts
		m.Body = fmt.Sprintf("Shared %d contact(s)", len(p.VCards))
		m.SetMeta("vcards", p.VCards)
	default:
		m.Type = models.TypeText
	}

	if p.ReplyTo != nil {
		m.ReplyToWAID = p.ReplyTo.ID
	}

	if err := h.store.CreateMessage(ctx, m); err != nil {
		h.log.Error().Err(err).Str("wa_message_id", p.ID).Msg("failed to save waha message")
		return
	}
	h.log.Info().
		Str("wa_message_id", p.ID).
		Str("direction", string(direction)).
		Str("type", string(m.Type)).
		Msg("waha message saved")

	if p.HasMedia && p.Media != nil && p.Media.URL != "" {
		h.archiveMedia(ctx, number, m, p.Media.URL, p.Media.Mimetype, p.Media.Filename)
	}
}

func (h *WAHAWebhookHandler) archiveMedia(ctx context.Context, number *models.PhoneNumber, m *models.Message, fileURL, mimeType, filename string) {
	client := waha.NewClient(number.WAHAEndpoint, number.WAHAUsername, number.WAHAPassword, number.WAHASession, h.timeout)

	data, err := client.DownloadFile(ctx, fileURL)
	if err != nil {
		h.log.Error().Err(err).Str("url", fileURL).Msg("failed to download waha media")
		return
	}

	relPath, err := h.media.Save(m.ID, m.Type, mimeType, data)
	if err != nil {
		h.log.Error().Err(err).Str("message_id", m.ID).Msg("failed to archive waha media")
		return
	}

	if err := h.store.AttachMedia(ctx, m.ID, "", mimeType, relPath, filename); err != nil {
		h.log.Error().Err(err).Str("message_id", m.ID).Msg("failed to attach media to message")
		return
	}
	h.log.Info().Str("message_id", m.ID).Str("path", relPath).Msg("media archived")
}

func (h *WAHAWebhookHandler) processSessionStatus(ctx context.Context, number *models.PhoneNumber, event wahaEvent) {
	var p wahaSessionPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		h.log.Warn().Err(err).Msg("failed to decode waha session payload")
		return
	}

	var configured bool
	switch p.Status {
	case "WORKING", "CONNECTED":
		configured = true
	case "STOPPED", "FAILED", "DISCONNECTED", "SCAN_QR_CODE":
		configured = false
	default:
		h.log.Debug().Str("status", p.Status).Msg("unrecognized session status")
		return
	}

	if err := h.store.SetPhoneNumberConfigured(ctx, number.ID, configured); err != nil {
		h.log.Error().Err(err).Str("number_id", number.ID).Msg("failed to update session state")
		return
	}
	h.log.Info().Str("session", event.Session).Str("status", p.Status).Bool("configured", configured).Msg("waha session status updated")
}

func mediaTypeFromMime(mimeType string) models.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.TypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.TypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return models.TypeAudio
	default:
		return models.TypeDocument
	}
}
