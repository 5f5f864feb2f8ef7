// Package whatsapp is a client for the Meta Graph WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wahub-io/wahub/internal/models"
)

const messagingProduct = "whatsapp"

// Client talks to the Graph API on behalf of a single phone number's
// access token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client rooted at baseURL/version
// (e.g. https://graph.facebook.com/v22.0).
func NewClient(baseURL, version, accessToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL: fmt.Sprintf("%s/%s", strings.TrimRight(baseURL, "/"), version),
		token:   accessToken,
		http:    &http.Client{Timeout: timeout},
	}
}

// APIError is the Graph error envelope.
type APIError struct {
	Code      int    `json:"code"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	FBTraceID string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api error %d (%s): %s", e.Code, e.Type, e.Message)
}

// CodeString returns the numeric error code as a string, for persisting on
// failed messages.
func (e *APIError) CodeString() string {
	return fmt.Sprintf("%d", e.Code)
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// SendResponse is the reply to POST {phone_number_id}/messages.
type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Contacts []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
}

// MessageID returns the provider id of the accepted message.
func (r *SendResponse) MessageID() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}

type textPayload struct {
	Body string `json:"body"`
}

type templatePayload struct {
	Name       string              `json:"name"`
	Language   map[string]string   `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

// TemplateComponent is a rendered template component for an outbound send:
// a body with named parameters or a dynamic URL button.
type TemplateComponent struct {
	Type       string              `json:"type"`
	SubType    string              `json:"sub_type,omitempty"`
	Index      string              `json:"index,omitempty"`
	Parameters []TemplateParameter `json:"parameters"`
}

type TemplateParameter struct {
	Type          string `json:"type"`
	ParameterName string `json:"parameter_name,omitempty"`
	Text          string `json:"text"`
}

type mediaPayload struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// SendText sends a free-form text message.
func (c *Client) SendText(ctx context.Context, phoneNumberID, to, body string) (*SendResponse, error) {
	payload := map[string]any{
		"messaging_product": messagingProduct,
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              textPayload{Body: body},
	}
	return c.sendMessage(ctx, phoneNumberID, payload)
}

// SendTemplate sends a pre-approved template message.
func (c *Client) SendTemplate(ctx context.Context, phoneNumberID, to, name, language string, components []TemplateComponent) (*SendResponse, error) {
	payload := map[string]any{
		"messaging_product": messagingProduct,
		"recipient_type":    "individual",
		"to":                to,
		"type":              "template",
		"template": templatePayload{
			Name:       name,
			Language:   map[string]string{"code": language},
			Components: components,
		},
	}
	return c.sendMessage(ctx, phoneNumberID, payload)
}

// SendMedia sends media by public link. Image, video and document sends
// carry the caption; document filenames default to the last URL segment.
func (c *Client) SendMedia(ctx context.Context, phoneNumberID, to string, mediaType models.MessageType, link, caption string) (*SendResponse, error) {
	media := mediaPayload{Link: link}
	switch mediaType {
	case models.TypeImage, models.TypeVideo, models.TypeDocument:
		media.Caption = caption
	}
	if mediaType == models.TypeDocument {
		media.Filename = filenameFromLink(link)
	}

	payload := map[string]any{
		"messaging_product": messagingProduct,
		"recipient_type":    "individual",
		"to":                to,
		"type":              string(mediaType),
		string(mediaType):   media,
	}
	return c.sendMessage(ctx, phoneNumberID, payload)
}

func filenameFromLink(link string) string {
	trimmed := strings.TrimRight(link, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "document"
	}
	return trimmed
}

func (c *Client) sendMessage(ctx context.Context, phoneNumberID string, payload map[string]any) (*SendResponse, error) {
	var resp SendResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s/messages", c.baseURL, phoneNumberID), payload, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead marks an inbound message as read on WhatsApp.
func (c *Client) MarkRead(ctx context.Context, phoneNumberID, waMessageID string) error {
	payload := map[string]any{
		"messaging_product": messagingProduct,
		"status":            "read",
		"message_id":        waMessageID,
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s/messages", c.baseURL, phoneNumberID), payload, nil)
}

// MediaInfo describes an inbound media object. The URL it carries is only
// valid for a few minutes.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

// GetMedia resolves a media id to its download URL and metadata.
func (c *Client) GetMedia(ctx context.Context, mediaID, phoneNumberID string) (*MediaInfo, error) {
	u := fmt.Sprintf("%s/%s", c.baseURL, mediaID)
	if phoneNumberID != "" {
		u += "?phone_number_id=" + url.QueryEscape(phoneNumberID)
	}
	var info MediaInfo
	if err := c.do(ctx, http.MethodGet, u, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DownloadMedia fetches the media bytes from a URL returned by GetMedia.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media download failed: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ListTemplates fetches the template objects registered on a business
// account.
func (c *Client) ListTemplates(ctx context.Context, businessAccountID string) ([]models.GraphTemplate, error) {
	var resp struct {
		Data []models.GraphTemplate `json:"data"`
	}
	u := fmt.Sprintf("%s/%s/message_templates", c.baseURL, businessAccountID)
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env errorEnvelope
		if err := json.Unmarshal(data, &env); err == nil && env.Error != nil {
			return env.Error
		}
		return fmt.Errorf("graph api returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
