package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/nbchat/backend/internal/provider/copilot"
	svcai "github.com/zhouzirui/nbchat/backend/internal/service/ai"
	"github.com/zhouzirui/nbchat/backend/pkg/utils"
)

// Handler serves the REST surface: capabilities, model catalogs and the
// GitHub login endpoints.
type Handler struct {
	registry *svcai.Registry
	auth     *copilot.AuthSession

	chatRef      string
	inlineRef    string
	embeddingRef string
}

// NewHandler wires the REST endpoints. auth may be nil when the hosted
// provider is not configured.
func NewHandler(registry *svcai.Registry, auth *copilot.AuthSession, chatRef, inlineRef, embeddingRef string) *Handler {
	return &Handler{
		registry:     registry,
		auth:         auth,
		chatRef:      chatRef,
		inlineRef:    inlineRef,
		embeddingRef: embeddingRef,
	}
}

// RegisterRoutes mounts the REST endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/capabilities", h.getCapabilities)
	r.Get("/models", h.getModels)
	r.Get("/gh-login-status", h.getLoginStatus)
	r.Post("/gh-login", h.postLogin)
	r.Get("/gh-logout", h.getLogout)
}

type participantInfo struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Commands    []map[string]any `json:"commands"`
}

// getCapabilities advertises the registered participants and the active model
// references.
func (h *Handler) getCapabilities(w http.ResponseWriter, r *http.Request) {
	participants := make([]participantInfo, 0)
	for _, p := range h.registry.Participants() {
		commands := make([]map[string]any, 0)
		for _, c := range p.Commands() {
			commands = append(commands, map[string]any{
				"name":        c.Name,
				"description": c.Description,
			})
		}
		participants = append(participants, participantInfo{
			ID:          p.ID(),
			Name:        p.Name(),
			Description: p.Description(),
			Commands:    commands,
		})
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"participants": participants,
		"models": map[string]string{
			"chat":             h.chatRef,
			"inlineCompletion": h.inlineRef,
			"embedding":        h.embeddingRef,
		},
	})
}

// getModels lists every provider's model catalogs.
func (h *Handler) getModels(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"chat":             h.registry.ChatModelCatalog(),
		"inlineCompletion": h.registry.InlineCompletionModelCatalog(),
		"embedding":        h.registry.EmbeddingModelCatalog(),
	})
}

func (h *Handler) getLoginStatus(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"status": string(copilot.StatusNotLoggedIn)})
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.auth.Status())
}

func (h *Handler) postLogin(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "login is not available")
		return
	}

	verification, err := h.auth.Login()
	if err != nil {
		utils.RespondError(w, http.StatusBadGateway, "login failed: "+err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"verification_uri": verification.VerificationURI,
		"user_code":        verification.UserCode,
	})
}

func (h *Handler) getLogout(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"status": string(copilot.StatusNotLoggedIn)})
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.auth.Logout())
}
