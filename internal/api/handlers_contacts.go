package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wahub-io/wahub/internal/models"
	"github.com/wahub-io/wahub/internal/storage"
)

type ContactHandler struct {
	store storage.Store
}

func NewContactHandler(store storage.Store) *ContactHandler {
	return &ContactHandler{store: store}
}

type contactRequest struct {
	Name              string `json:"name"`
	PhoneNumber       string `json:"phone_number"`
	WhatsAppChatID    string `json:"whatsapp_chat_id"`
	ProfilePictureURL string `json:"profile_picture_url"`
	IsBusiness        *bool  `json:"is_business"`
	IsVerified        *bool  `json:"is_verified"`
}

func (h *ContactHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	phone := models.NormalizePhone(req.PhoneNumber)
	if err := models.ValidatePhone(phone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := h.store.GetContactByPhone(r.Context(), phone)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check contact")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "contact with this phone number already exists")
		return
	}

	name := req.Name
	if name == "" {
		name = phone
	}

	now := time.Now().UTC()
	c := &models.Contact{
		ID:                models.NewID("ct"),
		Name:              name,
		PhoneNumber:       phone,
		WhatsAppChatID:    req.WhatsAppChatID,
		ProfilePictureURL: req.ProfilePictureURL,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.IsBusiness != nil {
		c.IsBusiness = *req.IsBusiness
	}
	if req.IsVerified != nil {
		c.IsVerified = *req.IsVerified
	}

	if err := h.store.CreateContact(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create contact")
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

func (h *ContactHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.store.GetContact(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get contact")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ContactHandler) List(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.store.ListContacts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list contacts")
		return
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (h *ContactHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.store.GetContact(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get contact")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}

	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != "" {
		c.Name = req.Name
	}
	if req.PhoneNumber != "" {
		phone := models.NormalizePhone(req.PhoneNumber)
		if err := models.ValidatePhone(phone); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		c.PhoneNumber = phone
	}
	if req.WhatsAppChatID != "" {
		c.WhatsAppChatID = req.WhatsAppChatID
	}
	if req.ProfilePictureURL != "" {
		c.ProfilePictureURL = req.ProfilePictureURL
	}
	if req.IsBusiness != nil {
		c.IsBusiness = *req.IsBusiness
	}
	if req.IsVerified != nil {
		c.IsVerified = *req.IsVerified
	}

	if err := h.store.UpdateContact(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update contact")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func (h *ContactHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.store.GetContact(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get contact")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}

	if err := h.store.DeleteContact(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete contact")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
