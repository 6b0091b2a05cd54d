package ai

import (
	"context"
	"log"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	"github.com/zhouzirui/nbchat/backend/internal/prompt"
)

// ResolveParticipant parses a raw prompt and returns the participant that
// serves it, falling back to the default participant for unknown ids.
func (r *Registry) ResolveParticipant(raw string) ai.Participant {
	participantID, _, _ := prompt.Parse(raw)
	if participant, ok := r.participants[participantID]; ok {
		return participant
	}
	return r.defaultParticipant
}

// HandleChatRequest parses the request prompt, routes to the addressed
// participant, binds the emitter to it and delegates. Command and Prompt on
// the request are rewritten to the parsed values; the participant id is only
// used for routing.
func (r *Registry) HandleChatRequest(ctx context.Context, req *ai.ChatRequest, emitter ai.Emitter, opts ai.HandlerOptions) error {
	req.Host = r

	participantID, command, input := prompt.Parse(req.Prompt)
	participant, ok := r.participants[participantID]
	if !ok {
		participant = r.defaultParticipant
	}

	req.Command = command
	req.Prompt = input
	emitter.SetParticipant(participantID)

	return participant.HandleChatRequest(ctx, req, emitter, opts)
}

// AggregateContext fans the request out to registered context providers in
// registration order. Providers outside the participant's allow-list are
// skipped unless the list contains "*"; the cancel token is checked before
// each provider and the partial context returned immediately on cancellation;
// a failing provider is logged and skipped without aborting the aggregate.
func (r *Registry) AggregateContext(ctx context.Context, req *ai.ContextRequest) *ai.CompletionContext {
	aggregated := &ai.CompletionContext{}

	var allowed []string
	if req.Participant != nil {
		allowed = req.Participant.AllowedContextProviders()
	}

	if req.CancelToken != nil && req.CancelToken.Cancelled() {
		return aggregated
	}

	for _, id := range r.ctxProviderOrder {
		if req.CancelToken != nil && req.CancelToken.Cancelled() {
			return aggregated
		}
		if !contextProviderAllowed(id, allowed) {
			continue
		}
		provider := r.ctxProviders[id]
		providerContext, err := provider.HandleCompletionContextRequest(ctx, req)
		if err != nil {
			log.Printf("[registry] context provider %q failed: %v", id, err)
			continue
		}
		if providerContext != nil && len(providerContext.Items) > 0 {
			aggregated.Items = append(aggregated.Items, providerContext.Items...)
		}
	}

	return aggregated
}

func contextProviderAllowed(id string, allowed []string) bool {
	for _, entry := range allowed {
		if entry == "*" || entry == id {
			return true
		}
	}
	return false
}
