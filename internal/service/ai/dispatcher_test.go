package ai_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	"github.com/zhouzirui/nbchat/backend/internal/model/chat"
	svc "github.com/zhouzirui/nbchat/backend/internal/service/ai"
)

type stubContextProvider struct {
	id    string
	items []ai.ContextItem
	err   error
	calls int
}

func (p *stubContextProvider) ID() string { return p.id }

func (p *stubContextProvider) HandleCompletionContextRequest(ctx context.Context, req *ai.ContextRequest) (*ai.CompletionContext, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &ai.CompletionContext{Items: p.items}, nil
}

func TestHandleChatRequestRoutesAndRewrites(t *testing.T) {
	registry := svc.NewRegistry()
	registry.SetDefaultParticipant(svc.NewDefaultParticipant())
	bob := &stubParticipant{id: "bob"}
	registry.RegisterParticipant(bob)

	emitter := &recordingEmitter{}
	req := &ai.ChatRequest{
		Prompt:      "@bob /cmd do X",
		CancelToken: ai.NewCancelToken(),
	}

	err := registry.HandleChatRequest(context.Background(), req, emitter, ai.HandlerOptions{})
	require.NoError(t, err)

	require.Equal(t, 1, bob.handled)
	require.Equal(t, "cmd", bob.lastReq.Command)
	require.Equal(t, "do X", bob.lastReq.Prompt)
	require.Equal(t, "bob", emitter.participant)
	require.Equal(t, 1, emitter.finishes)
}

func TestHandleChatRequestFallsBackToDefault(t *testing.T) {
	registry := svc.NewRegistry()
	fallback := &stubParticipant{id: "default"}
	registry.SetDefaultParticipant(fallback)

	emitter := &recordingEmitter{}
	req := &ai.ChatRequest{Prompt: "@nobody hi there", CancelToken: ai.NewCancelToken()}

	require.NoError(t, registry.HandleChatRequest(context.Background(), req, emitter, ai.HandlerOptions{}))
	require.Equal(t, 1, fallback.handled)
	// The unknown participant id is still stamped on the emitter.
	require.Equal(t, "nobody", emitter.participant)
}

func TestAggregateContextHonorsAllowList(t *testing.T) {
	registry := svc.NewRegistry()
	allowedProvider := &stubContextProvider{id: "notes", items: []ai.ContextItem{{Content: "alpha"}}}
	blockedProvider := &stubContextProvider{id: "files", items: []ai.ContextItem{{Content: "beta"}}}
	registry.RegisterContextProvider(allowedProvider)
	registry.RegisterContextProvider(blockedProvider)

	// stubParticipant only allows "notes".
	req := &ai.ContextRequest{
		Type:        ai.ContextRequestInlineCompletion,
		Participant: &stubParticipant{id: "p"},
		CancelToken: ai.NewCancelToken(),
	}

	got := registry.AggregateContext(context.Background(), req)
	require.Len(t, got.Items, 1)
	require.Equal(t, "alpha", got.Items[0].Content)
	require.Equal(t, 0, blockedProvider.calls)
}

func TestAggregateContextWildcardAndOrdering(t *testing.T) {
	registry := svc.NewRegistry()
	registry.RegisterContextProvider(&stubContextProvider{id: "a", items: []ai.ContextItem{{Content: "one"}, {Content: "two"}}})
	registry.RegisterContextProvider(&stubContextProvider{id: "b", items: []ai.ContextItem{{Content: "three"}}})

	req := &ai.ContextRequest{
		Participant: svc.NewDefaultParticipant(), // allows "*"
		CancelToken: ai.NewCancelToken(),
	}

	got := registry.AggregateContext(context.Background(), req)
	require.Len(t, got.Items, 3)
	require.Equal(t, "one", got.Items[0].Content)
	require.Equal(t, "two", got.Items[1].Content)
	require.Equal(t, "three", got.Items[2].Content)
}

func TestAggregateContextStopsOnCancel(t *testing.T) {
	registry := svc.NewRegistry()
	token := ai.NewCancelToken()

	first := &stubContextProvider{id: "first", items: []ai.ContextItem{{Content: "kept"}}}
	registry.RegisterContextProvider(first)
	// Cancel fires after the first provider has run.
	registry.RegisterContextProvider(&cancellingProvider{token: token, id: "trigger"})
	last := &stubContextProvider{id: "last", items: []ai.ContextItem{{Content: "dropped"}}}
	registry.RegisterContextProvider(last)

	req := &ai.ContextRequest{Participant: svc.NewDefaultParticipant(), CancelToken: token}

	got := registry.AggregateContext(context.Background(), req)
	require.Len(t, got.Items, 1)
	require.Equal(t, "kept", got.Items[0].Content)
	require.Equal(t, 0, last.calls)
}

func TestAggregateContextIsolatesProviderFailure(t *testing.T) {
	registry := svc.NewRegistry()
	registry.RegisterContextProvider(&stubContextProvider{id: "broken", err: errors.New("boom")})
	registry.RegisterContextProvider(&stubContextProvider{id: "ok", items: []ai.ContextItem{{Content: "still here"}}})

	req := &ai.ContextRequest{Participant: svc.NewDefaultParticipant(), CancelToken: ai.NewCancelToken()}

	got := registry.AggregateContext(context.Background(), req)
	require.Len(t, got.Items, 1)
	require.Equal(t, "still here", got.Items[0].Content)
}

// cancellingProvider requests cancellation as a side effect of being invoked.
type cancellingProvider struct {
	token *ai.CancelToken
	id    string
}

func (p *cancellingProvider) ID() string { return p.id }

func (p *cancellingProvider) HandleCompletionContextRequest(ctx context.Context, req *ai.ContextRequest) (*ai.CompletionContext, error) {
	p.token.Cancel()
	return &ai.CompletionContext{}, nil
}

func TestToolLoopFeedsResultsAndTerminates(t *testing.T) {
	registry := svc.NewRegistry()
	participant := svc.NewDefaultParticipant()
	registry.SetDefaultParticipant(participant)

	model := &fakeChatModel{
		id: "m1",
		responses: []*ai.CompletionResponse{
			{Choices: []ai.CompletionChoice{{Message: chat.Message{
				Role: chat.RoleAssistant,
				ToolCalls: []chat.ToolCall{{
					ID:   "call-1",
					Type: "function",
					Function: chat.FunctionCall{
						Name:      "add_code_cell_to_notebook",
						Arguments: `{"code_cell_source":"print(1)"}`,
					},
				}},
			}}}},
			{Choices: []ai.CompletionChoice{{Message: chat.Message{
				Role:    chat.RoleAssistant,
				Content: "Notebook is ready.",
			}}}},
		},
	}
	registry.RegisterLLMProvider(&fakeProvider{id: "fake", chat: []ai.ChatModel{model}})
	registry.ConfigureModels("fake::m1", "", "")

	emitter := &recordingEmitter{
		uiResponses: map[string]map[string]any{
			"nbchat:create-new-notebook-from-py": {"path": "nb.ipynb"},
		},
	}
	req := &ai.ChatRequest{
		Prompt:      "/newNotebook plot a sine wave",
		History:     []chat.Message{chat.UserMessage("/newNotebook plot a sine wave")},
		CancelToken: ai.NewCancelToken(),
	}

	require.NoError(t, registry.HandleChatRequest(context.Background(), req, emitter, ai.HandlerOptions{}))

	// The UI was asked to create the notebook, then the tool call added a cell.
	require.Equal(t, []string{
		"nbchat:create-new-notebook-from-py",
		"nbchat:add-code-cell-to-notebook",
	}, emitter.uiCommands)
	require.Equal(t, 2, model.calls)

	// Final content is streamed as markdown, then exactly one finish.
	require.Equal(t, 1, emitter.finishes)
	require.NotEmpty(t, emitter.fragments)
	md, ok := emitter.fragments[len(emitter.fragments)-1].(ai.MarkdownData)
	require.True(t, ok)
	require.Equal(t, "Notebook is ready.", md.Content)
}

func TestStreamingChatEndsWithSingleFinish(t *testing.T) {
	registry := svc.NewRegistry()
	registry.SetDefaultParticipant(svc.NewDefaultParticipant())
	model := &fakeChatModel{id: "m1", streamed: []string{"hel", "lo"}}
	registry.RegisterLLMProvider(&fakeProvider{id: "fake", chat: []ai.ChatModel{model}})
	registry.ConfigureModels("fake::m1", "", "")

	emitter := &recordingEmitter{}
	req := &ai.ChatRequest{
		Prompt:      "say hello",
		History:     []chat.Message{chat.UserMessage("say hello")},
		CancelToken: ai.NewCancelToken(),
	}

	require.NoError(t, registry.HandleChatRequest(context.Background(), req, emitter, ai.HandlerOptions{}))
	require.Len(t, emitter.fragments, 2)
	require.Equal(t, 1, emitter.finishes)
}
