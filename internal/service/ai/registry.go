package ai

import (
	"context"
	"log"
	"strings"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	"github.com/zhouzirui/nbchat/backend/internal/prompt"
)

// Reserved namespaces. Registrations colliding with these are rejected so
// future built-ins keep their addresses.
var reservedProviderIDs = map[string]struct{}{
	"openai": {}, "anthropic": {}, "chat": {}, "copilot": {}, "jupyter": {},
	"jupyterlab": {}, "jlab": {}, "notebook": {}, "intelligence": {}, "nb": {},
	"nbi": {}, "ai": {}, "config": {}, "settings": {}, "ui": {}, "cell": {},
	"code": {}, "file": {}, "data": {}, "new": {},
}

var reservedParticipantIDs = map[string]struct{}{
	"chat": {}, "copilot": {}, "jupyter": {}, "jupyterlab": {}, "jlab": {},
	"notebook": {}, "intelligence": {}, "nb": {}, "nbi": {}, "terminal": {},
	"vscode": {}, "workspace": {}, "help": {}, "ai": {}, "config": {},
	"settings": {}, "ui": {}, "cell": {}, "code": {}, "file": {}, "data": {},
	"new": {}, "run": {}, "search": {},
}

// ModelInfo is a catalog entry advertised to clients.
type ModelInfo struct {
	Provider      string `json:"provider"`
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextWindow int    `json:"context_window"`
}

// Registry holds the LLM providers, chat participants and completion context
// providers, and resolves "providerId::modelId" references. It is populated
// once at startup and read-mostly afterwards, so lookups take no locks.
type Registry struct {
	providers        map[string]ai.LLMProvider
	providerOrder    []string
	participants     map[string]ai.Participant
	participantOrder []string
	ctxProviders     map[string]ai.ContextProvider
	ctxProviderOrder []string

	defaultParticipant ai.Participant
	chatModel          ai.ChatModel
	inlineModel        ai.InlineCompletionModel
	embeddingModel     ai.EmbeddingModel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:    make(map[string]ai.LLMProvider),
		participants: make(map[string]ai.Participant),
		ctxProviders: make(map[string]ai.ContextProvider),
	}
}

// RegisterLLMProvider adds a provider under its globally unique id. Reserved
// or duplicate ids are logged and skipped, the caller is not notified.
func (r *Registry) RegisterLLMProvider(provider ai.LLMProvider) {
	id := provider.ID()
	if _, reserved := reservedProviderIDs[id]; reserved {
		log.Printf("[registry] llm provider id %q is reserved", id)
		return
	}
	if _, exists := r.providers[id]; exists {
		log.Printf("[registry] llm provider id %q is already in use", id)
		return
	}
	r.providers[id] = provider
	r.providerOrder = append(r.providerOrder, id)
}

// RegisterParticipant adds a chat participant. Reserved or duplicate ids are
// logged and skipped.
func (r *Registry) RegisterParticipant(participant ai.Participant) {
	id := participant.ID()
	if _, reserved := reservedParticipantIDs[id]; reserved {
		log.Printf("[registry] participant id %q is reserved", id)
		return
	}
	if _, exists := r.participants[id]; exists {
		log.Printf("[registry] participant id %q is already in use", id)
		return
	}
	r.participants[id] = participant
	r.participantOrder = append(r.participantOrder, id)
}

// RegisterContextProvider adds a completion context provider. Aggregation
// follows registration order.
func (r *Registry) RegisterContextProvider(provider ai.ContextProvider) {
	id := provider.ID()
	if _, exists := r.ctxProviders[id]; exists {
		log.Printf("[registry] context provider id %q is already in use", id)
		return
	}
	r.ctxProviders[id] = provider
	r.ctxProviderOrder = append(r.ctxProviderOrder, id)
}

// SetDefaultParticipant installs the participant that serves unaddressed and
// unknown-id prompts.
func (r *Registry) SetDefaultParticipant(participant ai.Participant) {
	r.defaultParticipant = participant
	r.participants[prompt.DefaultParticipantID] = participant
	r.participantOrder = append(r.participantOrder, prompt.DefaultParticipantID)
}

// Provider looks up a provider by id.
func (r *Registry) Provider(id string) (ai.LLMProvider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// ChatModelForRef resolves a "providerId::modelId" reference to a chat model,
// returning nil when absent.
func (r *Registry) ChatModelForRef(ref string) ai.ChatModel {
	provider, modelID, ok := r.splitRef(ref)
	if !ok {
		return nil
	}
	for _, m := range provider.ChatModels() {
		if m.ID() == modelID {
			return m
		}
	}
	return nil
}

// InlineCompletionModelForRef resolves an inline-completion model reference.
func (r *Registry) InlineCompletionModelForRef(ref string) ai.InlineCompletionModel {
	provider, modelID, ok := r.splitRef(ref)
	if !ok {
		return nil
	}
	for _, m := range provider.InlineCompletionModels() {
		if m.ID() == modelID {
			return m
		}
	}
	return nil
}

// EmbeddingModelForRef resolves an embedding model reference.
func (r *Registry) EmbeddingModelForRef(ref string) ai.EmbeddingModel {
	provider, modelID, ok := r.splitRef(ref)
	if !ok {
		return nil
	}
	for _, m := range provider.EmbeddingModels() {
		if m.ID() == modelID {
			return m
		}
	}
	return nil
}

// splitRef parses "providerId::modelId". Fewer than two parts or an unknown
// provider resolve to not-found.
func (r *Registry) splitRef(ref string) (ai.LLMProvider, string, bool) {
	parts := strings.SplitN(ref, "::", 2)
	if len(parts) < 2 {
		return nil, "", false
	}
	provider, ok := r.providers[parts[0]]
	if !ok {
		return nil, "", false
	}
	return provider, parts[1], true
}

// ConfigureModels resolves the configured model references for use as the
// process-wide defaults. Unresolvable references are logged and left nil,
// callers fall back accordingly.
func (r *Registry) ConfigureModels(chatRef, inlineRef, embeddingRef string) {
	r.chatModel = r.ChatModelForRef(chatRef)
	if r.chatModel == nil {
		log.Printf("[registry] chat model %q not found", chatRef)
	} else {
		log.Printf("[registry] chat model set to %s", r.chatModel.Name())
	}

	r.inlineModel = r.InlineCompletionModelForRef(inlineRef)
	if r.inlineModel == nil {
		log.Printf("[registry] inline completion model %q not found", inlineRef)
	} else {
		log.Printf("[registry] inline completion model set to %s", r.inlineModel.Name())
	}

	if embeddingRef != "" {
		r.embeddingModel = r.EmbeddingModelForRef(embeddingRef)
		if r.embeddingModel == nil {
			log.Printf("[registry] embedding model %q not found", embeddingRef)
		}
	}
}

// ChatModel returns the configured default chat model.
func (r *Registry) ChatModel() ai.ChatModel { return r.chatModel }

// InlineCompletionModel returns the configured inline completion model.
func (r *Registry) InlineCompletionModel() ai.InlineCompletionModel { return r.inlineModel }

// EmbeddingModel returns the configured embedding model, possibly nil.
func (r *Registry) EmbeddingModel() ai.EmbeddingModel { return r.embeddingModel }

// Participants lists registered participants in registration order.
func (r *Registry) Participants() []ai.Participant {
	out := make([]ai.Participant, 0, len(r.participantOrder))
	for _, id := range r.participantOrder {
		out = append(out, r.participants[id])
	}
	return out
}

// ChatModelCatalog lists every provider's chat models.
func (r *Registry) ChatModelCatalog() []ModelInfo {
	var out []ModelInfo
	for _, id := range r.providerOrder {
		provider := r.providers[id]
		for _, m := range provider.ChatModels() {
			out = append(out, ModelInfo{Provider: id, ID: m.ID(), Name: m.Name(), ContextWindow: m.ContextWindow()})
		}
	}
	return out
}

// InlineCompletionModelCatalog lists every provider's inline completion models.
func (r *Registry) InlineCompletionModelCatalog() []ModelInfo {
	var out []ModelInfo
	for _, id := range r.providerOrder {
		provider := r.providers[id]
		for _, m := range provider.InlineCompletionModels() {
			out = append(out, ModelInfo{Provider: id, ID: m.ID(), Name: m.Name(), ContextWindow: m.ContextWindow()})
		}
	}
	return out
}

// EmbeddingModelCatalog lists every provider's embedding models.
func (r *Registry) EmbeddingModelCatalog() []ModelInfo {
	var out []ModelInfo
	for _, id := range r.providerOrder {
		provider := r.providers[id]
		for _, m := range provider.EmbeddingModels() {
			out = append(out, ModelInfo{Provider: id, ID: m.ID(), Name: m.Name(), ContextWindow: m.ContextWindow()})
		}
	}
	return out
}

var _ ai.Host = (*Registry)(nil)

// CompletionContext implements ai.Host by delegating to the aggregator.
func (r *Registry) CompletionContext(ctx context.Context, req *ai.ContextRequest) *ai.CompletionContext {
	return r.AggregateContext(ctx, req)
}
