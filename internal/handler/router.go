package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/nbchat/backend/internal/handler/api"
	"github.com/zhouzirui/nbchat/backend/internal/handler/chat"
	middlewarePkg "github.com/zhouzirui/nbchat/backend/internal/middleware"
	"github.com/zhouzirui/nbchat/backend/internal/provider/copilot"
	aiService "github.com/zhouzirui/nbchat/backend/internal/service/ai"
	"github.com/zhouzirui/nbchat/backend/internal/service/history"
)

// ModelRefs carries the configured "provider::model" references advertised by
// the capabilities endpoint.
type ModelRefs struct {
	Chat             string
	InlineCompletion string
	Embedding        string
}

// NewRouter wires the HTTP routes to the core services. auth may be nil when
// the hosted provider is not configured.
func NewRouter(registry *aiService.Registry, store *history.Store, auth *copilot.AuthSession, refs ModelRefs) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	apiHandler := api.NewHandler(registry, auth, refs.Chat, refs.InlineCompletion, refs.Embedding)
	chatHandler := chat.NewWebSocketHandler(registry, store)

	r.Route("/api", func(api chi.Router) {
		apiHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
	})

	return r
}
