package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wahub-io/wahub/internal/config"
	"github.com/wahub-io/wahub/internal/models"
	"github.com/wahub-io/wahub/internal/storage"
	"github.com/wahub-io/wahub/internal/waha"
	"github.com/wahub-io/wahub/internal/whatsapp"
)

// Sender performs one send attempt for a pending outgoing message and
// records the outcome. There is no automatic retry; failed messages wait
// for an operator retry.
type Sender struct {
	store   storage.Store
	graph   config.WhatsAppConfig
	timeout time.Duration
	log     zerolog.Logger
}

func NewSender(store storage.Store, graph config.WhatsAppConfig, timeout time.Duration, log zerolog.Logger) *Sender {
	return &Sender{
		store:   store,
		graph:   graph,
		timeout: timeout,
		log:     log,
	}
}

// Process resolves the owning phone number, sends the message through its
// provider and marks it sent or failed.
func (s *Sender) Process(ctx context.Context, m models.Message) {
	number, err := s.store.GetPhoneNumber(ctx, m.PhoneNumberID)
	if err != nil {
		s.log.Error().Err(err).Str("message_id", m.ID).Msg("failed to load phone number for message")
		return
	}
	if number == nil {
		s.fail(ctx, m.ID, "", "phone number not found")
		return
	}
	if !number.Active {
		s.fail(ctx, m.ID, "", "phone number is not active")
		return
	}
	if !number.CanSend() {
		s.fail(ctx, m.ID, "", fmt.Sprintf("phone number is missing %s api credentials", number.APIType))
		return
	}

	var waMessageID string
	switch number.APIType {
	case models.APITypeOfficial:
		waMessageID, err = s.sendOfficial(ctx, number, &m)
	case models.APITypeWAHA:
		waMessageID, err = s.sendWAHA(ctx, number, &m)
	default:
		err = fmt.Errorf("unsupported api type: %s", number.APIType)
	}

	if err != nil {
		code := ""
		var apiErr *whatsapp.APIError
		if errors.As(err, &apiErr) {
			code = apiErr.CodeString()
		}
		s.fail(ctx, m.ID, code, err.Error())
		return
	}

	if err := s.store.MarkMessageSent(ctx, m.ID, waMessageID); err != nil {
		s.log.Error().Err(err).Str("message_id", m.ID).Msg("failed to mark message sent")
		return
	}
	s.log.Info().
		Str("message_id", m.ID).
		Str("wa_message_id", waMessageID).
		Str("to", m.ToNumber).
		Msg("message sent")
}

func (s *Sender) fail(ctx context.Context, id, code, msg string) {
	if err := s.store.MarkMessageFailed(ctx, id, code, msg); err != nil {
		s.log.Error().Err(err).Str("message_id", id).Msg("failed to mark message failed")
		return
	}
	s.log.Warn().Str("message_id", id).Str("error", msg).Msg("message send failed")
}

func (s *Sender) sendOfficial(ctx context.Context, n *models.PhoneNumber, m *models.Message) (string, error) {
	client := whatsapp.NewClient(s.graph.GraphBaseURL, s.graph.GraphVersion, n.AccessToken, s.timeout)

	var resp *whatsapp.SendResponse
	var err error
	switch m.Type {
	case models.TypeText:
		resp, err = client.SendText(ctx, n.PhoneNumberID, m.ToNumber, m.Body)
	case models.TypeTemplate:
		resp, err = s.sendOfficialTemplate(ctx, client, n, m)
	case models.TypeImage, models.TypeAudio, models.TypeVideo, models.TypeDocument:
		if m.MediaLink == "" {
			return "", fmt.Errorf("media message has no media link")
		}
		resp, err = client.SendMedia(ctx, n.PhoneNumberID, m.ToNumber, m.Type, m.MediaLink, m.Body)
	default:
		return "", fmt.Errorf("unsupported outgoing message type: %s", m.Type)
	}
	if err != nil {
		return "", err
	}
	return resp.MessageID(), nil
}

func (s *Sender) sendOfficialTemplate(ctx context.Context, client *whatsapp.Client, n *models.PhoneNumber, m *models.Message) (*whatsapp.SendResponse, error) {
	if m.TemplateID == "" {
		return nil, fmt.Errorf("template message has no template")
	}
	tpl, err := s.store.GetTemplate(ctx, m.TemplateID)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, fmt.Errorf("template not found")
	}

	if ok, missing := tpl.ValidateVariables(m.TemplateVariables); !ok {
		return nil, fmt.Errorf("template %s is missing variables: %v", tpl.Name, missing)
	}

	components := buildTemplateComponents(tpl, m.TemplateVariables)
	return client.SendTemplate(ctx, n.PhoneNumberID, m.ToNumber, tpl.Name, tpl.Language, components)
}

// buildTemplateComponents renders the template's required variables into
// the component parameters the Graph API expects: named body parameters
// plus one button component per dynamic URL button.
func buildTemplateComponents(t *models.Template, vars map[string]string) []whatsapp.TemplateComponent {
	req := t.RequiredVariables()
	var components []whatsapp.TemplateComponent

	if len(req.Body) > 0 {
		params := make([]whatsapp.TemplateParameter, 0, len(req.Body))
		for _, v := range req.Body {
			params = append(params, whatsapp.TemplateParameter{
				Type:          "text",
				ParameterName: v.Name,
				Text:          vars[v.Name],
			})
		}
		components = append(components, whatsapp.TemplateComponent{
			Type:       "body",
			Parameters: params,
		})
	}

	for _, b := range req.Buttons {
		components = append(components, whatsapp.TemplateComponent{
			Type:    "button",
			SubType: "url",
			Index:   fmt.Sprintf("%d", b.ButtonIndex),
			Parameters: []whatsapp.TemplateParameter{
				{Type: "text", Text: vars[b.Key()]},
			},
		})
	}
	return components
}

func (s *Sender) sendWAHA(ctx context.Context, n *models.PhoneNumber, m *models.Message) (string, error) {
	if m.Type == models.TypeTemplate {
		return "", fmt.Errorf("waha api does not support template messages")
	}

	client := waha.NewClient(n.WAHAEndpoint, n.WAHAUsername, n.WAHAPassword, n.WAHASession, s.timeout)

	chatID := m.ToNumber
	if m.ContactID != "" {
		contact, err := s.store.GetContact(ctx, m.ContactID)
		if err == nil && contact != nil && contact.WhatsAppChatID != "" {
			chatID = contact.WhatsAppChatID
		}
	}

	var result *waha.SendResult
	var err error
	switch m.Type {
	case models.TypeText:
		result, err = client.SendText(ctx, chatID, m.Body)
	case models.TypeImage:
		result, err = client.SendImage(ctx, chatID, m.MediaLink, m.Body)
	case models.TypeDocument:
		result, err = client.SendDocument(ctx, chatID, m.MediaLink, m.MediaFilename)
	case models.TypeVideo:
		result, err = client.SendVideo(ctx, chatID, m.MediaLink, m.Body)
	case models.TypeAudio:
		result, err = client.SendAudio(ctx, chatID, m.MediaLink)
	default:
		return "", fmt.Errorf("unsupported message type for waha api: %s", m.Type)
	}
	if err != nil {
		return "", err
	}
	return result.ID, nil
}
