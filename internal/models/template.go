package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type TemplateStatus string

const (
	TemplateApproved TemplateStatus = "APPROVED"
	TemplatePending  TemplateStatus = "PENDING"
	TemplateRejected TemplateStatus = "REJECTED"
	TemplatePaused   TemplateStatus = "PAUSED"
	TemplateDisabled TemplateStatus = "DISABLED"
)

type TemplateCategory string

const (
	CategoryAuthentication TemplateCategory = "AUTHENTICATION"
	CategoryMarketing      TemplateCategory = "MARKETING"
	CategoryUtility        TemplateCategory = "UTILITY"
)

// Template is a pre-approved message template synced from the Graph API.
// Templates are unique per (phone number, name, language).
type Template struct {
	ID            string `json:"id"`
	PhoneNumberID string `json:"phone_number_id"`
	TemplateID    string `json:"template_id,omitempty"`

	Name     string           `json:"name"`
	Language string           `json:"language"`
	Status   TemplateStatus   `json:"status"`
	Category TemplateCategory `json:"category"`

	HeaderType string `json:"header_type,omitempty"`
	HeaderText string `json:"header_text,omitempty"`
	BodyText   string `json:"body_text"`
	FooterText string `json:"footer_text,omitempty"`

	Components []TemplateComponent `json:"components,omitempty"`
	Buttons    []TemplateButton    `json:"buttons,omitempty"`
	Examples   json.RawMessage     `json:"examples,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Template) IsApproved() bool {
	return t.Status == TemplateApproved
}

type TemplateComponent struct {
	Type    string            `json:"type"`
	Format  string            `json:"format,omitempty"`
	Text    string            `json:"text,omitempty"`
	Example *ComponentExample `json:"example,omitempty"`
	Buttons []TemplateButton  `json:"buttons,omitempty"`
}

type ComponentExample struct {
	BodyTextNamedParams []NamedParam `json:"body_text_named_params,omitempty"`
	BodyText            [][]string   `json:"body_text,omitempty"`
	HeaderText          []string     `json:"header_text,omitempty"`
}

type NamedParam struct {
	ParamName string `json:"param_name"`
	Example   string `json:"example,omitempty"`
}

type TemplateButton struct {
	Type    string   `json:"type"`
	Text    string   `json:"text,omitempty"`
	URL     string   `json:"url,omitempty"`
	Example []string `json:"example,omitempty"`
}

// LanguageCode accepts both wire shapes the Graph API has used for template
// languages: a bare string ("en_US") and an object ({"code": "en_US"}).
type LanguageCode string

func (l *LanguageCode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = LanguageCode(s)
		return nil
	}
	var obj struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*l = LanguageCode(obj.Code)
	return nil
}

// GraphTemplate is a template object as returned by
// GET {business_account_id}/message_templates.
type GraphTemplate struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Language   LanguageCode        `json:"language"`
	Status     string              `json:"status"`
	Category   string              `json:"category"`
	Components []TemplateComponent `json:"components"`
	Example    json.RawMessage     `json:"example,omitempty"`
}

// TemplateFromGraph builds a Template for a phone number from a Graph API
// template object. The caller upserts it by (number, name, language).
func TemplateFromGraph(phoneNumberID string, g GraphTemplate) *Template {
	t := &Template{
		PhoneNumberID: phoneNumberID,
		TemplateID:    g.ID,
		Name:          g.Name,
		Language:      string(g.Language),
		Status:        TemplatePending,
		Category:      CategoryUtility,
		Components:    g.Components,
		Examples:      g.Example,
	}
	if t.Language == "" {
		t.Language = "en"
	}
	if s := strings.ToUpper(g.Status); s != "" {
		t.Status = TemplateStatus(s)
	}
	if c := strings.ToUpper(g.Category); c != "" {
		t.Category = TemplateCategory(c)
	}

	for _, comp := range g.Components {
		switch strings.ToLower(comp.Type) {
		case "header":
			t.HeaderType = comp.Format
			if t.HeaderType == "" {
				t.HeaderType = "TEXT"
			}
			t.HeaderText = comp.Text
		case "body":
			t.BodyText = comp.Text
		case "footer":
			t.FooterText = comp.Text
		case "buttons":
			t.Buttons = comp.Buttons
		}
	}
	return t
}

// BodyVariable is a named body parameter the template requires.
type BodyVariable struct {
	Name    string `json:"name"`
	Example string `json:"example,omitempty"`
}

// ButtonVariable is a dynamic URL button parameter the template requires.
type ButtonVariable struct {
	ButtonIndex int    `json:"button_index"`
	ParamIndex  int    `json:"param_index"`
	Example     string `json:"example,omitempty"`
}

// Key is the name under which the caller supplies the button value in a
// template variable map.
func (b ButtonVariable) Key() string {
	return fmt.Sprintf("button_%d_param_%d", b.ButtonIndex, b.ParamIndex)
}

type RequiredVariables struct {
	Body    []BodyVariable   `json:"body"`
	Buttons []ButtonVariable `json:"buttons"`
}

// RequiredVariables extracts the named body parameters and dynamic URL
// button parameters from the template components.
func (t *Template) RequiredVariables() RequiredVariables {
	req := RequiredVariables{Body: []BodyVariable{}, Buttons: []ButtonVariable{}}

	for _, comp := range t.Components {
		switch strings.ToLower(comp.Type) {
		case "body":
			if comp.Example == nil {
				continue
			}
			for _, p := range comp.Example.BodyTextNamedParams {
				if p.ParamName == "" {
					continue
				}
				req.Body = append(req.Body, BodyVariable{Name: p.ParamName, Example: p.Example})
			}
		case "buttons":
			for i, btn := range comp.Buttons {
				if !strings.EqualFold(btn.Type, "URL") || btn.URL == "" || len(btn.Example) == 0 {
					continue
				}
				if !strings.Contains(btn.URL, "{{1}}") && !strings.Contains(btn.URL, "%7B%7B1%7D%7D") {
					continue
				}
				req.Buttons = append(req.Buttons, ButtonVariable{
					ButtonIndex: i,
					ParamIndex:  1,
					Example:     btn.Example[0],
				})
			}
		}
	}
	return req
}

// ValidateVariables checks a variable map against the template's required
// variables and returns the missing keys.
func (t *Template) ValidateVariables(vars map[string]string) (bool, []string) {
	req := t.RequiredVariables()
	var missing []string

	for _, v := range req.Body {
		if _, ok := vars[v.Name]; !ok {
			missing = append(missing, v.Name)
		}
	}
	for _, b := range req.Buttons {
		if _, ok := vars[b.Key()]; !ok {
			missing = append(missing, b.Key())
		}
	}
	return len(missing) == 0, missing
}
