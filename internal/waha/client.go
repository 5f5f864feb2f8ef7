// Package waha is a client for the WAHA HTTP API (self-hosted WhatsApp
// bridge), which fronts a plain JSON API with basic auth.
package waha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wahub-io/wahub/internal/models"
)

type Client struct {
	endpoint string
	username string
	password string
	session  string
	http     *http.Client
}

func NewClient(endpoint, username, password, session string, timeout time.Duration) *Client {
	if session == "" {
		session = "default"
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		username: username,
		password: password,
		session:  session,
		http:     &http.Client{Timeout: timeout},
	}
}

// ChatID formats a phone number as an individual chat id. Already-formatted
// ids (containing '@') pass through unchanged.
func ChatID(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	return models.NormalizePhone(phone) + "@c.us"
}

// SendResult is the subset of a WAHA send reply the gateway records.
type SendResult struct {
	ID string `json:"id"`
}

func (c *Client) SendText(ctx context.Context, chatID, text string) (*SendResult, error) {
	payload := map[string]any{
		"chatId":      ChatID(chatID),
		"text":        text,
		"linkPreview": true,
		"session":     c.session,
	}
	return c.send(ctx, "sendText", payload)
}

func (c *Client) SendImage(ctx context.Context, chatID, imageURL, caption string) (*SendResult, error) {
	payload := map[string]any{
		"chatId":  ChatID(chatID),
		"image":   imageURL,
		"caption": caption,
		"session": c.session,
	}
	return c.send(ctx, "sendImage", payload)
}

func (c *Client) SendDocument(ctx context.Context, chatID, documentURL, filename string) (*SendResult, error) {
	if filename == "" {
		filename = "document"
	}
	payload := map[string]any{
		"chatId":   ChatID(chatID),
		"document": documentURL,
		"filename": filename,
		"session":  c.session,
	}
	return c.send(ctx, "sendDocument", payload)
}

func (c *Client) SendVideo(ctx context.Context, chatID, videoURL, caption string) (*SendResult, error) {
	payload := map[string]any{
		"chatId":  ChatID(chatID),
		"video":   videoURL,
		"caption": caption,
		"session": c.session,
	}
	return c.send(ctx, "sendVideo", payload)
}

func (c *Client) SendAudio(ctx context.Context, chatID, audioURL string) (*SendResult, error) {
	payload := map[string]any{
		"chatId":  ChatID(chatID),
		"audio":   audioURL,
		"session": c.session,
	}
	return c.send(ctx, "sendAudio", payload)
}

func (c *Client) send(ctx context.Context, endpoint string, payload map[string]any) (*SendResult, error) {
	var result SendResult
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SessionStatus reports the state of the WAHA session
// (e.g. WORKING, SCAN_QR_CODE, STOPPED).
type SessionStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (c *Client) GetSessionStatus(ctx context.Context) (*SessionStatus, error) {
	var status SessionStatus
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("sessions/%s/status", c.session), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) StartSession(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("sessions/%s/start", c.session), map[string]any{}, nil)
}

func (c *Client) StopSession(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("sessions/%s/stop", c.session), map[string]any{}, nil)
}

// ConfigureWebhook points the session's webhooks at the given URL.
func (c *Client) ConfigureWebhook(ctx context.Context, webhookURL string, events []string) error {
	if len(events) == 0 {
		events = []string{"message", "session.status"}
	}
	payload := map[string]any{
		"config": map[string]any{
			"webhooks": []map[string]any{
				{"url": webhookURL, "events": events},
			},
		},
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("sessions/%s", c.session), payload, nil)
}

// DownloadFile fetches inbound media from the WAHA file endpoint. fileURL
// is the URL from the webhook payload; the request is re-rooted at the
// configured endpoint so internal container addresses keep working.
func (c *Client) DownloadFile(ctx context.Context, fileURL string) ([]byte, error) {
	const marker = "/api/files/"
	i := strings.Index(fileURL, marker)
	if i < 0 {
		return nil, fmt.Errorf("not a waha file url: %s", fileURL)
	}
	u := c.endpoint + marker + fileURL[i+len(marker):]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download failed: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s/api/%s", c.endpoint, endpoint), body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
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

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("waha api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
