package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahub-io/wahub/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "v22.0", "test-token", 5*time.Second)
}

func TestSendText(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.ABC"}},
		})
	})

	resp, err := client.SendText(context.Background(), "123456", "15551234567", "hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid.ABC", resp.MessageID())

	assert.Equal(t, "/v22.0/123456/messages", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "whatsapp", gotBody["messaging_product"])
	assert.Equal(t, "text", gotBody["type"])
	assert.Equal(t, "15551234567", gotBody["to"])
	text := gotBody["text"].(map[string]any)
	assert.Equal(t, "hello", text["body"])
}

func TestSendTemplate(t *testing.T) {
	var gotBody map[string]any

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.TPL"}},
		})
	})

	components := []TemplateComponent{
		{
			Type: "body",
			Parameters: []TemplateParameter{
				{Type: "text", ParameterName: "name", Text: "Alice"},
			},
		},
		{
			Type:    "button",
			SubType: "url",
			Index:   "1",
			Parameters: []TemplateParameter{
				{Type: "text", Text: "abc"},
			},
		},
	}

	resp, err := client.SendTemplate(context.Background(), "123456", "15551234567", "order_update", "en", components)
	require.NoError(t, err)
	assert.Equal(t, "wamid.TPL", resp.MessageID())

	assert.Equal(t, "template", gotBody["type"])
	tpl := gotBody["template"].(map[string]any)
	assert.Equal(t, "order_update", tpl["name"])
	lang := tpl["language"].(map[string]any)
	assert.Equal(t, "en", lang["code"])
	comps := tpl["components"].([]any)
	require.Len(t, comps, 2)
	btn := comps[1].(map[string]any)
	assert.Equal(t, "url", btn["sub_type"])
	assert.Equal(t, "1", btn["index"])
}

func TestSendMedia(t *testing.T) {
	var gotBody map[string]any

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.DOC"}},
		})
	})

	_, err := client.SendMedia(context.Background(), "123456", "15551234567",
		models.TypeDocument, "https://example.com/files/invoice.pdf?sig=x", "Your invoice")
	require.NoError(t, err)

	assert.Equal(t, "document", gotBody["type"])
	doc := gotBody["document"].(map[string]any)
	assert.Equal(t, "https://example.com/files/invoice.pdf?sig=x", doc["link"])
	assert.Equal(t, "Your invoice", doc["caption"])
	assert.Equal(t, "invoice.pdf", doc["filename"])
}

func TestSendMediaAudioHasNoCaption(t *testing.T) {
	var gotBody map[string]any

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{})
	})

	_, err := client.SendMedia(context.Background(), "123456", "15551234567",
		models.TypeAudio, "https://example.com/voice.ogg", "ignored")
	require.NoError(t, err)

	audio := gotBody["audio"].(map[string]any)
	_, hasCaption := audio["caption"]
	assert.False(t, hasCaption)
}

func TestAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":       131026,
				"type":       "OAuthException",
				"message":    "Message undeliverable",
				"fbtrace_id": "Axxxx",
			},
		})
	})

	_, err := client.SendText(context.Background(), "123456", "15551234567", "hello")
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, 131026, apiErr.Code)
	assert.Equal(t, "131026", apiErr.CodeString())
	assert.Contains(t, apiErr.Error(), "Message undeliverable")
}

func TestMarkRead(t *testing.T) {
	var gotBody map[string]any

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	require.NoError(t, client.MarkRead(context.Background(), "123456", "wamid.IN"))
	assert.Equal(t, "read", gotBody["status"])
	assert.Equal(t, "wamid.IN", gotBody["message_id"])
}

func TestGetMediaAndDownload(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/v22.0/media-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "123456", r.URL.Query().Get("phone_number_id"))
		json.NewEncoder(w).Encode(MediaInfo{
			ID:       "media-1",
			URL:      srv.URL + "/files/media-1",
			MimeType: "image/jpeg",
		})
	})
	mux.HandleFunc("/files/media-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Write([]byte("jpegdata"))
	})

	client := NewClient(srv.URL, "v22.0", "test-token", 5*time.Second)

	info, err := client.GetMedia(context.Background(), "media-1", "123456")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", info.MimeType)

	data, err := client.DownloadMedia(context.Background(), info.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegdata"), data)
}

func TestListTemplates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v22.0/987654/message_templates", r.URL.Path)
		w.Write([]byte(`{
			"data": [
				{"id": "1", "name": "order_update", "language": "en_US", "status": "APPROVED", "category": "UTILITY"},
				{"id": "2", "name": "welcome", "language": {"code": "pt_BR"}, "status": "PENDING", "category": "MARKETING"}
			]
		}`))
	})

	templates, err := client.ListTemplates(context.Background(), "987654")
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "order_update", templates[0].Name)
	assert.Equal(t, models.LanguageCode("en_US"), templates[0].Language)
	assert.Equal(t, models.LanguageCode("pt_BR"), templates[1].Language)
}
