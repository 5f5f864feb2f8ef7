package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/wahub-io/wahub/internal/config"
	"github.com/wahub-io/wahub/internal/dedupe"
	"github.com/wahub-io/wahub/internal/media"
	"github.com/wahub-io/wahub/internal/storage"
)

// Dispatcher wakes the outbound send pool after a message is queued.
type Dispatcher interface {
	Nudge()
}

type Server struct {
	cfg    *config.Config
	store  storage.Store
	pool   Dispatcher
	media  *media.Store
	dedupe dedupe.Cache
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg *config.Config, store storage.Store, pool Dispatcher, mediaStore *media.Store, dedupeCache dedupe.Cache, log zerolog.Logger) *Server {
	if dedupeCache == nil {
		dedupeCache = dedupe.Disabled{}
	}
	s := &Server{
		cfg:    cfg,
		store:  store,
		pool:   pool,
		media:  mediaStore,
		dedupe: dedupeCache,
		log:    log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	numHandler := NewNumberHandler(s.store, s.cfg.WhatsApp, s.cfg.Server.PublicURL, s.log)
	contactHandler := NewContactHandler(s.store)
	msgHandler := NewMessageHandler(s.store, s.pool, s.media, s.cfg.WhatsApp)
	tplHandler := NewTemplateHandler(s.store)
	statsHandler := NewStatsHandler(s.store)

	officialWebhook := NewOfficialWebhookHandler(s.store, s.media, s.cfg.WhatsApp, s.dedupe, s.log)
	wahaWebhook := NewWAHAWebhookHandler(s.store, s.media, s.cfg.WhatsApp.Timeout, s.dedupe, s.log)

	// Health check — no auth
	r.Get("/healthz", statsHandler.Health)

	// Provider webhooks — addressed by token, never by the admin key
	r.Get("/webhooks/official/{token}", officialWebhook.Verify)
	r.Post("/webhooks/official/{token}", officialWebhook.Receive)
	r.Post("/webhooks/waha", wahaWebhook.Receive)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.Server.APIKey))

		// Phone numbers
		r.Post("/numbers", numHandler.Create)
		r.Get("/numbers", numHandler.List)
		r.Get("/numbers/{id}", numHandler.Get)
		r.Put("/numbers/{id}", numHandler.Update)
		r.Delete("/numbers/{id}", numHandler.Delete)
		r.Post("/numbers/{id}/sync-templates", numHandler.SyncTemplates)
		r.Post("/numbers/{id}/waha-webhook", numHandler.ConfigureWAHAWebhook)

		// Contacts
		r.Post("/contacts", contactHandler.Create)
		r.Get("/contacts", contactHandler.List)
		r.Get("/contacts/{id}", contactHandler.Get)
		r.Put("/contacts/{id}", contactHandler.Update)
		r.Delete("/contacts/{id}", contactHandler.Delete)

		// Messages
		r.Post("/messages", msgHandler.Send)
		r.Get("/messages", msgHandler.List)
		r.Get("/messages/{id}", msgHandler.Get)
		r.Post("/messages/{id}/retry", msgHandler.Retry)
		r.Post("/messages/{id}/read", msgHandler.MarkRead)
		r.Get("/messages/{id}/media", msgHandler.Media)

		// Templates
		r.Get("/templates", tplHandler.List)
		r.Get("/templates/{id}", tplHandler.Get)
		r.Delete("/templates/{id}", tplHandler.Delete)

		// Stats
		r.Get("/stats", statsHandler.Stats)
	})

	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
