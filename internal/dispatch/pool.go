// Package dispatch drains pending outgoing messages and sends them through
// the provider each phone number is configured for.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wahub-io/wahub/internal/config"
	"github.com/wahub-io/wahub/internal/models"
	"github.com/wahub-io/wahub/internal/storage"
)

// Pool polls storage for pending outgoing messages and fans them out to a
// bounded set of workers. Nudge wakes the poll loop early so a message
// created through the API goes out without waiting a tick.
type Pool struct {
	store    storage.Store
	sender   *Sender
	workers  int
	pollRate time.Duration
	log      zerolog.Logger

	nudge chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewPool(cfg config.DispatchConfig, graph config.WhatsAppConfig, store storage.Store, log zerolog.Logger) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	pollRate := cfg.PollRate
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Pool{
		store:    store,
		sender:   NewSender(store, graph, cfg.Timeout, log),
		workers:  workers,
		pollRate: pollRate,
		log:      log,
		nudge:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Msg("starting dispatch pool")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop(ctx)
	}()
}

func (p *Pool) Stop() {
	p.log.Info().Msg("stopping dispatch pool")
	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("dispatch pool stopped")
}

// Nudge wakes the poll loop. Safe to call from any goroutine; a pending
// nudge coalesces with later ones.
func (p *Pool) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

func (p *Pool) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollRate)
	defer ticker.Stop()

	sem := make(chan struct{}, p.workers)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-p.nudge:
			p.dispatchPending(ctx, sem)
		case <-ticker.C:
			p.dispatchPending(ctx, sem)
		}
	}
}

func (p *Pool) dispatchPending(ctx context.Context, sem chan struct{}) {
	msgs, err := p.store.ListPendingOutgoing(ctx, p.workers)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to fetch pending messages")
		return
	}

	for _, m := range msgs {
		m := m
		if !p.claim(m.ID) {
			continue
		}
		sem <- struct{}{}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-sem }()
			defer p.release(m.ID)
			p.sender.Process(ctx, m)
		}()
	}
}

// claim marks a message id in flight so overlapping polls never hand the
// same pending message to two workers.
func (p *Pool) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

// NewOutgoingMessage assembles a pending outbound message record. The
// message type follows from what was supplied: body only is text, a
// template is a template send, a media link plus media type is media.
func NewOutgoingMessage(number *models.PhoneNumber, contact *models.Contact, body string, tpl *models.Template, vars map[string]string, mediaLink string, mediaType models.MessageType) (*models.Message, error) {
	now := time.Now().UTC()
	m := &models.Message{
		ID:            models.NewID("msg"),
		PhoneNumberID: number.ID,
		FromNumber:    number.PhoneNumber,
		ToNumber:      contact.PhoneNumber,
		ContactID:     contact.ID,
		Direction:     models.DirectionOutgoing,
		Status:        models.StatusPending,
		Timestamp:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	switch {
	case tpl != nil:
		m.Type = models.TypeTemplate
		m.TemplateID = tpl.ID
		m.TemplateVariables = vars
		m.Body = tpl.Name
	case mediaLink != "" && mediaType != "":
		if !models.IsOutboundMediaType(mediaType) {
			return nil, &InvalidMessageError{Reason: "unsupported media type: " + string(mediaType)}
		}
		m.Type = mediaType
		m.MediaLink = mediaLink
		m.Body = body
	case body != "":
		m.Type = models.TypeText
		m.Body = body
	default:
		return nil, &InvalidMessageError{Reason: "either body, template or media link must be provided"}
	}

	return m, nil
}

// InvalidMessageError marks request-shaped problems so the API layer can
// answer 400 instead of 500.
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return e.Reason
}
