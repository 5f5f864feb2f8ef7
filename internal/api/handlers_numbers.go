package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/wahub-io/wahub/internal/config"
	"github.com/wahub-io/wahub/internal/models"
	"github.com/wahub-io/wahub/internal/storage"
	"github.com/wahub-io/wahub/internal/waha"
)

type NumberHandler struct {
	store     storage.Store
	graph     config.WhatsAppConfig
	publicURL string
	log       zerolog.Logger
}

func NewNumberHandler(store storage.Store, graph config.WhatsAppConfig, publicURL string, log zerolog.Logger) *NumberHandler {
	return &NumberHandler{store: store, graph: graph, publicURL: publicURL, log: log}
}

type numberRequest struct {
	DisplayName string `json:"display_name"`
	PhoneNumber string `json:"phone_number"`
	APIType     string `json:"api_type"`

	PhoneNumberID     string `json:"phone_number_id"`
	BusinessAccountID string `json:"business_account_id"`
	AccessToken       string `json:"access_token"`
	BusinessID        string `json:"business_id"`
	WabaID            string `json:"waba_id"`
	AppSecret         string `json:"app_secret"`

	WAHAEndpoint string `json:"waha_endpoint"`
	WAHAUsername string `json:"waha_username"`
	WAHAPassword string `json:"waha_password"`
	WAHASession  string `json:"waha_session"`

	Active *bool `json:"active"`
}

func (r *numberRequest) apiType() (models.APIType, bool) {
	switch models.APIType(r.APIType) {
	case models.APITypeOfficial, models.APITypeWAHA:
		return models.APIType(r.APIType), true
	case "":
		return models.APITypeOfficial, true
	}
	return "", false
}

func (h *NumberHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req numberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name is required")
		return
	}
	phone := models.NormalizePhone(req.PhoneNumber)
	if err := models.ValidatePhone(phone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	apiType, ok := req.apiType()
	if !ok {
		writeError(w, http.StatusBadRequest, "api_type must be official or waha")
		return
	}

	existing, err := h.store.GetPhoneNumberByPhone(r.Context(), phone)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check phone number")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "phone number already registered")
		return
	}

	now := time.Now().UTC()
	n := &models.PhoneNumber{
		ID:                models.NewID("num"),
		DisplayName:       req.DisplayName,
		PhoneNumber:       phone,
		APIType:           apiType,
		PhoneNumberID:     req.PhoneNumberID,
		BusinessAccountID: req.BusinessAccountID,
		AccessToken:       req.AccessToken,
		BusinessID:        req.BusinessID,
		WabaID:            req.WabaID,
		AppSecret:         req.AppSecret,
		WAHAEndpoint:      req.WAHAEndpoint,
		WAHAUsername:      req.WAHAUsername,
		WAHAPassword:      req.WAHAPassword,
		WAHASession:       req.WAHASession,
		Active:            true,
		VerifyToken:       models.NewToken(),
		WebhookToken:      models.NewToken(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Active != nil {
		n.Active = *req.Active
	}
	if n.IsWAHA() && n.WAHASession == "" {
		n.WAHASession = "default"
	}
	if ok, err := h.sessionAvailable(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check waha session")
		return
	} else if !ok {
		writeError(w, http.StatusConflict, "waha session already in use by another number")
		return
	}

	if err := h.store.CreatePhoneNumber(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create phone number")
		return
	}

	h.syncIfPossible(r, n)
	writeJSON(w, http.StatusCreated, n)
}

func (h *NumberHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.store.GetPhoneNumber(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get phone number")
		return
	}
	if n == nil {
		writeError(w, http.StatusNotFound, "phone number not found")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *NumberHandler) List(w http.ResponseWriter, r *http.Request) {
	numbers, err := h.store.ListPhoneNumbers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list phone numbers")
		return
	}
	if numbers == nil {
		numbers = []models.PhoneNumber{}
	}
	writeJSON(w, http.StatusOK, numbers)
}

func (h *NumberHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.store.GetPhoneNumber(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get phone number")
		return
	}
	if n == nil {
		writeError(w, http.StatusNotFound, "phone number not found")
		return
	}

	var req numberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.DisplayName != "" {
		n.DisplayName = req.DisplayName
	}
	if req.PhoneNumber != "" {
		phone := models.NormalizePhone(req.PhoneNumber)
		if err := models.ValidatePhone(phone); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		n.PhoneNumber = phone
	}
	if req.APIType != "" {
		apiType, ok := req.apiType()
		if !ok {
			writeError(w, http.StatusBadRequest, "api_type must be official or waha")
			return
		}
		n.APIType = apiType
	}
	if req.PhoneNumberID != "" {
		n.PhoneNumberID = req.PhoneNumberID
	}
	if req.BusinessAccountID != "" {
		n.BusinessAccountID = req.BusinessAccountID
	}
	if req.AccessToken != "" {
		n.AccessToken = req.AccessToken
	}
	if req.BusinessID != "" {
		n.BusinessID = req.BusinessID
	}
	if req.WabaID != "" {
		n.WabaID = req.WabaID
	}
	if req.AppSecret != "" {
		n.AppSecret = req.AppSecret
	}
	if req.WAHAEndpoint != "" {
		n.WAHAEndpoint = req.WAHAEndpoint
	}
	if req.WAHAUsername != "" {
		n.WAHAUsername = req.WAHAUsername
	}
	if req.WAHAPassword != "" {
		n.WAHAPassword = req.WAHAPassword
	}
	if req.WAHASession != "" {
		n.WAHASession = req.WAHASession
	}
	if req.Active != nil {
		n.Active = *req.Active
	}
	if ok, err := h.sessionAvailable(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check waha session")
		return
	} else if !ok {
		writeError(w, http.StatusConflict, "waha session already in use by another number")
		return
	}

	if err := h.store.UpdatePhoneNumber(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update phone number")
		return
	}

	h.syncIfPossible(r, n)
	writeJSON(w, http.StatusOK, n)
}

func (h *NumberHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.store.GetPhoneNumber(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get phone number")
		return
	}
	if n == nil {
		writeError(w, http.StatusNotFound, "phone number not found")
		return
	}

	if err := h.store.DeletePhoneNumber(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete phone number")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NumberHandler) SyncTemplates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.store.GetPhoneNumber(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get phone number")
		return
	}
	if n == nil {
		writeError(w, http.StatusNotFound, "phone number not found")
		return
	}

	synced, err := syncTemplates(r.Context(), h.store, h.graph, n)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"synced": synced})
}

type wahaWebhookRequest struct {
	WebhookURL string   `json:"webhook_url"`
	Events     []string `json:"events"`
}

// ConfigureWAHAWebhook updates the number's WAHA session so its webhooks
// point back at this gateway.
func (h *NumberHandler) ConfigureWAHAWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.store.GetPhoneNumber(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get phone number")
		return
	}
	if n == nil {
		writeError(w, http.StatusNotFound, "phone number not found")
		return
	}
	if !n.IsWAHA() || !n.CanSend() {
		writeError(w, http.StatusBadRequest, "phone number has no usable waha credentials")
		return
	}

	var req wahaWebhookRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	webhookURL := req.WebhookURL
	if webhookURL == "" {
		if h.publicURL == "" {
			writeError(w, http.StatusBadRequest, "webhook_url is required (server.public_url is not configured)")
			return
		}
		webhookURL = strings.TrimRight(h.publicURL, "/") + "/webhooks/waha"
	}

	client := waha.NewClient(n.WAHAEndpoint, n.WAHAUsername, n.WAHAPassword, n.WAHASession, h.graph.Timeout)
	if err := client.ConfigureWebhook(r.Context(), webhookURL, req.Events); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"webhook_url": webhookURL})
}

// sessionAvailable reports whether the number's WAHA session is free. Webhook
// routing resolves numbers by session, so two WAHA numbers must never share
// one.
func (h *NumberHandler) sessionAvailable(ctx context.Context, n *models.PhoneNumber) (bool, error) {
	if !n.IsWAHA() || n.WAHASession == "" {
		return true, nil
	}
	other, err := h.store.GetPhoneNumberByWAHASession(ctx, n.WAHASession)
	if err != nil {
		return false, err
	}
	return other == nil || other.ID == n.ID, nil
}

// syncIfPossible mirrors the original post-save behavior: saving a number
// with usable official credentials refreshes its templates, best effort.
func (h *NumberHandler) syncIfPossible(r *http.Request, n *models.PhoneNumber) {
	if !n.Active || !n.CanSyncTemplates() {
		return
	}
	synced, err := syncTemplates(r.Context(), h.store, h.graph, n)
	if err != nil {
		h.log.Warn().Err(err).Str("number_id", n.ID).Msg("template sync after save failed")
		return
	}
	h.log.Info().Int("synced", synced).Str("number_id", n.ID).Msg("templates synced")
}
