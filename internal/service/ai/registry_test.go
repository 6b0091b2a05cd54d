package ai_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	"github.com/zhouzirui/nbchat/backend/internal/model/chat"
	svc "github.com/zhouzirui/nbchat/backend/internal/service/ai"
)

// fakeChatModel returns a canned sequence of responses, or streams canned
// fragments when a sink is supplied.
type fakeChatModel struct {
	id        string
	responses []*ai.CompletionResponse
	calls     int
	streamed  []string
}

func (m *fakeChatModel) ID() string { return m.id }
func (m *fakeChatModel) Name() string { return m.id }
func (m *fakeChatModel) ContextWindow() int { return 4096 }

func (m *fakeChatModel) Completions(ctx context.Context, messages []chat.Message, tools []map[string]any, emitter ai.Emitter, cancel *ai.CancelToken, opts ai.CompletionOptions) (*ai.CompletionResponse, error) {
	if emitter != nil {
		for _, piece := range m.streamed {
			emitter.Stream(ai.RawData{Payload: map[string]any{
				"choices": []any{map[string]any{"delta": map[string]any{"content": piece}}},
			}})
		}
		emitter.Finish()
		return nil, nil
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, nil
}

type fakeProvider struct {
	id     string
	chat   []ai.ChatModel
	inline []ai.InlineCompletionModel
	embed  []ai.EmbeddingModel
}

func (p *fakeProvider) ID() string { return p.id }
func (p *fakeProvider) Name() string { return p.id }
func (p *fakeProvider) ChatModels() []ai.ChatModel { return p.chat }
func (p *fakeProvider) InlineCompletionModels() []ai.InlineCompletionModel { return p.inline }
func (p *fakeProvider) EmbeddingModels() []ai.EmbeddingModel { return p.embed }

// recordingEmitter captures the call sequence for protocol assertions.
type recordingEmitter struct {
	participant string
	fragments   []ai.StreamData
	finishes    int
	uiResponses map[string]map[string]any
	uiCommands  []string
}

func (e *recordingEmitter) SetParticipant(id string) { e.participant = id }

func (e *recordingEmitter) Stream(data ai.StreamData) {
	if e.finishes > 0 {
		panic("stream after finish")
	}
	e.fragments = append(e.fragments, data)
}

func (e *recordingEmitter) Finish() { e.finishes++ }

func (e *recordingEmitter) RunUICommand(ctx context.Context, command string, args map[string]any) (map[string]any, error) {
	e.uiCommands = append(e.uiCommands, command)
	if resp, ok := e.uiResponses[command]; ok {
		return resp, nil
	}
	return map[string]any{}, nil
}

func TestRegisterLLMProviderRejectsReservedAndDuplicate(t *testing.T) {
	registry := svc.NewRegistry()

	registry.RegisterLLMProvider(&fakeProvider{id: "openai"}) // reserved
	_, ok := registry.Provider("openai")
	require.False(t, ok)

	registry.RegisterLLMProvider(&fakeProvider{id: "ollama"})
	first, ok := registry.Provider("ollama")
	require.True(t, ok)

	registry.RegisterLLMProvider(&fakeProvider{id: "ollama"}) // duplicate ignored
	second, ok := registry.Provider("ollama")
	require.True(t, ok)
	require.Same(t, first.(*fakeProvider), second.(*fakeProvider))
}

func TestRegisterParticipantRejectsReserved(t *testing.T) {
	registry := svc.NewRegistry()
	registry.SetDefaultParticipant(svc.NewDefaultParticipant())

	before := len(registry.Participants())
	registry.RegisterParticipant(&stubParticipant{id: "chat"}) // reserved
	require.Len(t, registry.Participants(), before)

	// The default participant is still resolvable.
	require.NotNil(t, registry.ResolveParticipant("hello"))
}

func TestChatModelForRef(t *testing.T) {
	registry := svc.NewRegistry()
	llama := &fakeChatModel{id: "llama3"}
	registry.RegisterLLMProvider(&fakeProvider{id: "ollama", chat: []ai.ChatModel{llama}})
	registry.RegisterLLMProvider(&fakeProvider{id: "other", chat: []ai.ChatModel{&fakeChatModel{id: "llama3"}}})

	require.Nil(t, registry.ChatModelForRef("unknownProvider::modelX"))
	require.Nil(t, registry.ChatModelForRef("missing-separator"))
	require.Nil(t, registry.ChatModelForRef("ollama::missing"))

	resolved := registry.ChatModelForRef("ollama::llama3")
	require.NotNil(t, resolved)
	require.Same(t, llama, resolved.(*fakeChatModel))
}

type stubParticipant struct {
	id      string
	handled int
	lastReq *ai.ChatRequest
}

func (p *stubParticipant) ID() string { return p.id }
func (p *stubParticipant) Name() string { return p.id }
func (p *stubParticipant) Description() string { return p.id }
func (p *stubParticipant) Commands() []ai.ChatCommand { return nil }
func (p *stubParticipant) Tools() []ai.Tool { return nil }
func (p *stubParticipant) AllowedContextProviders() []string { return []string{"notes"} }

func (p *stubParticipant) HandleChatRequest(ctx context.Context, req *ai.ChatRequest, emitter ai.Emitter, opts ai.HandlerOptions) error {
	p.handled++
	p.lastReq = req
	emitter.Finish()
	return nil
}
