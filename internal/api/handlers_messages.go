package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wahub-io/wahub/internal/config"
	"github.com/wahub-io/wahub/internal/dispatch"
	"github.com/wahub-io/wahub/internal/media"
	"github.com/wahub-io/wahub/internal/models"
	"github.com/wahub-io/wahub/internal/storage"
	"github.com/wahub-io/wahub/internal/whatsapp"
)

type MessageHandler struct {
	store storage.Store
	pool  Dispatcher
	media *media.Store
	graph config.WhatsAppConfig
}

func NewMessageHandler(store storage.Store, pool Dispatcher, mediaStore *media.Store, graph config.WhatsAppConfig) *MessageHandler {
	return &MessageHandler{store: store, pool: pool, media: mediaStore, graph: graph}
}

type sendMessageRequest struct {
	PhoneNumberID     string            `json:"phone_number_id"`
	To                string            `json:"to"`
	Body              string            `json:"body"`
	TemplateName      string            `json:"template_name"`
	TemplateLanguage  string            `json:"template_language"`
	TemplateVariables map[string]string `json:"template_variables"`
	MediaLink         string            `json:"media_link"`
	MediaType         string            `json:"media_type"`
}

const maxBodySize = 256 * 1024 // 256KB

// Send queues an outbound message. The dispatch pool picks it up
// immediately via the nudge.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PhoneNumberID == "" {
		writeError(w, http.StatusBadRequest, "phone_number_id is required")
		return
	}

	number, err := h.store.GetPhoneNumber(r.Context(), req.PhoneNumberID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get phone number")
		return
	}
	if number == nil {
		writeError(w, http.StatusNotFound, "phone number not found")
		return
	}

	to := models.NormalizePhone(req.To)
	if err := models.ValidatePhone(to); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contact, err := h.store.GetOrCreateContactByPhone(r.Context(), to, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve contact")
		return
	}

	var tpl *models.Template
	if req.TemplateName != "" {
		language := req.TemplateLanguage
		if language == "" {
			language = "en"
		}
		tpl, err = h.store.GetTemplateByName(r.Context(), number.ID, req.TemplateName, language)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get template")
			return
		}
		if tpl == nil {
			writeError(w, http.StatusBadRequest, "template not found for this phone number")
			return
		}
	}

	msg, err := dispatch.NewOutgoingMessage(number, contact, req.Body, tpl, req.TemplateVariables,
		req.MediaLink, models.MessageType(req.MediaType))
	if err != nil {
		var invalid *dispatch.InvalidMessageError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, invalid.Reason)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to build message")
		return
	}

	if err := h.store.CreateMessage(r.Context(), msg); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	h.pool.Nudge()
	writeJSON(w, http.StatusAccepted, msg)
}

func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	resp := map[string]interface{}{"message": msg}
	if msg.ContactID != "" {
		if contact, err := h.store.GetContact(r.Context(), msg.ContactID); err == nil && contact != nil {
			resp["contact"] = contact
		}
	}
	if msg.TemplateID != "" {
		if tpl, err := h.store.GetTemplate(r.Context(), msg.TemplateID); err == nil && tpl != nil {
			resp["template"] = tpl
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	filter := storage.MessageFilter{
		Direction:     models.Direction(q.Get("direction")),
		Status:        models.MessageStatus(q.Get("status")),
		Type:          models.MessageType(q.Get("type")),
		PhoneNumberID: q.Get("phone_number_id"),
		ContactID:     q.Get("contact_id"),
		Limit:         limit,
		Offset:        offset,
	}

	msgs, err := h.store.ListMessages(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Retry re-queues a failed outgoing message for a fresh attempt.
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if msg.Direction != models.DirectionOutgoing {
		writeError(w, http.StatusBadRequest, "only outgoing messages can be retried")
		return
	}
	if msg.Status != models.StatusFailed {
		writeError(w, http.StatusBadRequest, "only failed messages can be retried")
		return
	}

	if err := h.store.ResetMessageForRetry(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retry message")
		return
	}

	h.pool.Nudge()
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

// MarkRead marks an inbound message as read on WhatsApp. Only the official
// API supports read receipts.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if msg.Direction != models.DirectionIncoming || msg.WAMessageID == "" {
		writeError(w, http.StatusBadRequest, "only received incoming messages can be marked read")
		return
	}

	number, err := h.store.GetPhoneNumber(r.Context(), msg.PhoneNumberID)
	if err != nil || number == nil {
		writeError(w, http.StatusInternalServerError, "failed to get phone number")
		return
	}
	if !number.IsOfficial() || !number.CanSend() {
		writeError(w, http.StatusBadRequest, "read receipts require official api credentials")
		return
	}

	client := whatsapp.NewClient(h.graph.GraphBaseURL, h.graph.GraphVersion, number.AccessToken, h.graph.Timeout)
	if err := client.MarkRead(r.Context(), number.PhoneNumberID, msg.WAMessageID); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if err := h.store.MarkMessageRead(r.Context(), id, time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update message")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// Media streams the archived media file of an inbound message.
func (h *MessageHandler) Media(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if msg.MediaPath == "" {
		writeError(w, http.StatusNotFound, "message has no archived media")
		return
	}

	f, err := h.media.Open(msg.MediaPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "media file not found")
		return
	}
	defer f.Close()

	if msg.MediaMimeType != "" {
		w.Header().Set("Content-Type", msg.MediaMimeType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}
