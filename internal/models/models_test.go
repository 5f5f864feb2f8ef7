package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id := NewID("msg")
	assert.True(t, strings.HasPrefix(id, "msg_"))
	assert.NotEqual(t, id, NewID("msg"))
}

func TestNewToken(t *testing.T) {
	tok := NewToken()
	assert.Len(t, tok, 36)
	assert.NotEqual(t, tok, NewToken())
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 123-4567", "15551234567"},
		{"15551234567", "15551234567"},
		{"15551234567@c.us", "15551234567"},
		{"491701234567@s.whatsapp.net", "491701234567"},
		{"abc", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), tt.in)
	}
}

func TestValidatePhone(t *testing.T) {
	assert.NoError(t, ValidatePhone("15551234567"))
	assert.Error(t, ValidatePhone(""))
	assert.Error(t, ValidatePhone("123456"))                // too short
	assert.Error(t, ValidatePhone("1234567890123456"))      // too long
	assert.Error(t, ValidatePhone("+15551234567"))          // not normalized
}

func TestStatusAdvances(t *testing.T) {
	assert.True(t, StatusAdvances(StatusPending, StatusSent))
	assert.True(t, StatusAdvances(StatusSent, StatusDelivered))
	assert.True(t, StatusAdvances(StatusDelivered, StatusRead))
	assert.True(t, StatusAdvances(StatusSent, StatusFailed))

	assert.False(t, StatusAdvances(StatusDelivered, StatusSent))
	assert.False(t, StatusAdvances(StatusRead, StatusDelivered))
	assert.False(t, StatusAdvances(StatusRead, StatusFailed))
	assert.False(t, StatusAdvances(StatusSent, StatusSent))
	// a failure cannot undo a confirmed delivery
	assert.False(t, StatusAdvances(StatusDelivered, StatusFailed))
}

func TestIsMediaType(t *testing.T) {
	assert.True(t, IsMediaType(TypeImage))
	assert.True(t, IsMediaType(TypeDocument))
	assert.True(t, IsMediaType(TypeSticker))
	assert.False(t, IsMediaType(TypeText))
	assert.False(t, IsMediaType(TypeTemplate))
	assert.False(t, IsMediaType(TypeLocation))
}

func TestIsOutboundMediaType(t *testing.T) {
	assert.True(t, IsOutboundMediaType(TypeImage))
	assert.True(t, IsOutboundMediaType(TypeAudio))
	assert.True(t, IsOutboundMediaType(TypeVideo))
	assert.True(t, IsOutboundMediaType(TypeDocument))
	assert.False(t, IsOutboundMediaType(TypeSticker))
	assert.False(t, IsOutboundMediaType(TypeText))
}

func TestLanguageCodeUnmarshal(t *testing.T) {
	var l LanguageCode
	require.NoError(t, json.Unmarshal([]byte(`"en_US"`), &l))
	assert.Equal(t, LanguageCode("en_US"), l)

	require.NoError(t, json.Unmarshal([]byte(`{"code": "pt_BR"}`), &l))
	assert.Equal(t, LanguageCode("pt_BR"), l)

	assert.Error(t, json.Unmarshal([]byte(`42`), &l))
}

func TestTemplateFromGraph(t *testing.T) {
	g := GraphTemplate{
		ID:       "12345",
		Name:     "order_update",
		Language: "en_US",
		Status:   "approved",
		Category: "utility",
		Components: []TemplateComponent{
			{Type: "HEADER", Format: "TEXT", Text: "Order update"},
			{Type: "BODY", Text: "Hi {{name}}, your order shipped."},
			{Type: "FOOTER", Text: "Reply STOP to opt out"},
			{Type: "BUTTONS", Buttons: []TemplateButton{
				{Type: "URL", Text: "Track", URL: "https://example.com/track/{{1}}", Example: []string{"https://example.com/track/123"}},
			}},
		},
	}

	tpl := TemplateFromGraph("pn_1", g)
	assert.Equal(t, "pn_1", tpl.PhoneNumberID)
	assert.Equal(t, "12345", tpl.TemplateID)
	assert.Equal(t, "en_US", tpl.Language)
	assert.Equal(t, TemplateApproved, tpl.Status)
	assert.Equal(t, CategoryUtility, tpl.Category)
	assert.Equal(t, "TEXT", tpl.HeaderType)
	assert.Equal(t, "Order update", tpl.HeaderText)
	assert.Equal(t, "Hi {{name}}, your order shipped.", tpl.BodyText)
	assert.Equal(t, "Reply STOP to opt out", tpl.FooterText)
	require.Len(t, tpl.Buttons, 1)
	assert.Equal(t, "Track", tpl.Buttons[0].Text)
}

func TestTemplateFromGraphDefaults(t *testing.T) {
	tpl := TemplateFromGraph("pn_1", GraphTemplate{Name: "bare"})
	assert.Equal(t, "en", tpl.Language)
	assert.Equal(t, TemplatePending, tpl.Status)
	assert.Equal(t, CategoryUtility, tpl.Category)
}

func namedParamTemplate() *Template {
	return &Template{
		Name:     "order_update",
		Language: "en",
		Components: []TemplateComponent{
			{
				Type: "BODY",
				Text: "Hi {{name}}, order {{order_id}} shipped.",
				Example: &ComponentExample{
					BodyTextNamedParams: []NamedParam{
						{ParamName: "name", Example: "Alice"},
						{ParamName: "order_id", Example: "A-100"},
					},
				},
			},
			{
				Type: "BUTTONS",
				Buttons: []TemplateButton{
					{Type: "QUICK_REPLY", Text: "Thanks"},
					{Type: "URL", Text: "Track", URL: "https://example.com/t/{{1}}", Example: []string{"abc"}},
				},
			},
		},
	}
}

func TestRequiredVariables(t *testing.T) {
	req := namedParamTemplate().RequiredVariables()

	require.Len(t, req.Body, 2)
	assert.Equal(t, "name", req.Body[0].Name)
	assert.Equal(t, "Alice", req.Body[0].Example)
	assert.Equal(t, "order_id", req.Body[1].Name)

	// only dynamic URL buttons take parameters; quick replies do not
	require.Len(t, req.Buttons, 1)
	assert.Equal(t, 1, req.Buttons[0].ButtonIndex)
	assert.Equal(t, "button_1_param_1", req.Buttons[0].Key())
}

func TestRequiredVariablesStaticTemplate(t *testing.T) {
	tpl := &Template{
		Components: []TemplateComponent{
			{Type: "BODY", Text: "Hello there."},
			{Type: "BUTTONS", Buttons: []TemplateButton{
				{Type: "URL", Text: "Open", URL: "https://example.com/fixed"},
			}},
		},
	}
	req := tpl.RequiredVariables()
	assert.Empty(t, req.Body)
	assert.Empty(t, req.Buttons)
}

func TestValidateVariables(t *testing.T) {
	tpl := namedParamTemplate()

	ok, missing := tpl.ValidateVariables(map[string]string{
		"name":             "Alice",
		"order_id":         "A-100",
		"button_1_param_1": "abc",
	})
	assert.True(t, ok)
	assert.Empty(t, missing)

	ok, missing = tpl.ValidateVariables(map[string]string{"name": "Alice"})
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"order_id", "button_1_param_1"}, missing)

	ok, missing = tpl.ValidateVariables(nil)
	assert.False(t, ok)
	assert.Len(t, missing, 3)
}

func TestPhoneNumberCanSend(t *testing.T) {
	official := &PhoneNumber{APIType: APITypeOfficial}
	assert.False(t, official.CanSend())
	official.AccessToken = "tok"
	official.PhoneNumberID = "123"
	assert.True(t, official.CanSend())
	assert.False(t, official.CanSyncTemplates())
	official.BusinessAccountID = "456"
	assert.True(t, official.CanSyncTemplates())

	waha := &PhoneNumber{APIType: APITypeWAHA}
	assert.False(t, waha.CanSend())
	waha.WAHAEndpoint = "http://waha:3000"
	waha.WAHAUsername = "admin"
	waha.WAHAPassword = "secret"
	assert.True(t, waha.CanSend())
	assert.False(t, waha.CanSyncTemplates())
}

func TestSetMeta(t *testing.T) {
	m := &Message{}
	m.SetMeta("k", "v")
	m.SetMeta("n", 1)
	assert.Equal(t, "v", m.Metadata["k"])
	assert.Equal(t, 1, m.Metadata["n"])
}
