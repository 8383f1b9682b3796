package server

import (
	"log/slog"
	"net/http"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/pipeline"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/config"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/handlers"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/lifecycle"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/memoryindex"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/mw"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/store"
)

// Deps are the collaborators the HTTP surface is built around. Everything
// here is constructed in main and injected; the server owns only routing.
type Deps struct {
	Pipeline  *pipeline.Orchestrator
	Store     store.Store
	Index     memoryindex.Index
	Lifecycle *lifecycle.Lifecycle
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.deps.Lifecycle})

	s.mux.Handle("/v1/webhook", handlers.WebhookHandler{
		Config:   s.cfg,
		Pipeline: s.deps.Pipeline,
		Logger:   s.logger,
	})
	s.mux.Handle("/v1/listen", handlers.ListenHandler{
		Config:    s.cfg,
		Pipeline:  s.deps.Pipeline,
		Logger:    s.logger,
		Lifecycle: s.deps.Lifecycle,
	})
	s.mux.Handle("/v1/conversations", handlers.ConversationsHandler{
		Store:  s.deps.Store,
		Logger: s.logger,
	})
	s.mux.Handle("/v1/memories", handlers.MemoriesHandler{
		Config: s.cfg,
		Store:  s.deps.Store,
		Index:  s.deps.Index,
		Logger: s.logger,
	})
	s.mux.Handle("/v1/preferences", handlers.PreferencesHandler{
		Config: s.cfg,
		Store:  s.deps.Store,
		Logger: s.logger,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
