package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	"github.com/zhouzirui/nbchat/backend/internal/model/chat"
)

func newCatalogServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "llama3:8b"},
				{"name": "qwen2.5-coder:7b"},
				{"name": "nomic-embed-text:latest"},
			},
		})
	})
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.Model {
		case "nomic-embed-text:latest":
			json.NewEncoder(w).Encode(map[string]any{
				"details":    map[string]any{"family": "nomic-bert"},
				"model_info": map[string]any{"nomic-bert.context_length": 2048},
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"details":    map[string]any{"family": "llama"},
				"model_info": map[string]any{"llama.context_length": 8192},
			})
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestRefreshModelsPartitionsCatalog(t *testing.T) {
	server := newCatalogServer(t)
	provider := NewProvider(server.URL, server.Client())

	require.NoError(t, provider.RefreshModels(context.Background()))

	require.Len(t, provider.ChatModels(), 2)
	require.Len(t, provider.EmbeddingModels(), 1)
	require.Equal(t, "nomic-embed-text:latest", provider.EmbeddingModels()[0].ID())

	// Only the coder model speaks an infilling format.
	require.Len(t, provider.InlineCompletionModels(), 1)
	require.Equal(t, "qwen2.5-coder:7b", provider.InlineCompletionModels()[0].ID())

	require.Equal(t, 8192, provider.ChatModels()[0].ContextWindow())
	require.Equal(t, 2048, provider.EmbeddingModels()[0].ContextWindow())
}

type collectingEmitter struct {
	fragments []ai.StreamData
	finishes  int
}

func (e *collectingEmitter) SetParticipant(id string)  {}
func (e *collectingEmitter) Stream(data ai.StreamData) { e.fragments = append(e.fragments, data) }
func (e *collectingEmitter) Finish()                   { e.finishes++ }
func (e *collectingEmitter) RunUICommand(ctx context.Context, command string, args map[string]any) (map[string]any, error) {
	return nil, nil
}

func TestChatStreamingNormalizesChunks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, piece := range []string{"Hello", ", world"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", piece)
			flusher.Flush()
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	provider := NewProvider(server.URL, server.Client())
	model := &chatModel{provider: provider, name: "llama3:8b", contextWindow: 8192}

	emitter := &collectingEmitter{}
	_, err := model.Completions(context.Background(), []chat.Message{chat.UserMessage("hi")}, nil, emitter, ai.NewCancelToken(), ai.CompletionOptions{})
	require.NoError(t, err)

	require.Equal(t, 1, emitter.finishes)
	require.Len(t, emitter.fragments, 2)
	raw, ok := emitter.fragments[0].(ai.RawData)
	require.True(t, ok)
	choices := raw.Payload["choices"].([]any)
	delta := choices[0].(map[string]any)["delta"].(map[string]any)
	require.Equal(t, "Hello", delta["content"])
}

func TestChatNonStreamingMapsToolCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []map[string]any{{
					"function": map[string]any{
						"name":      "add_code_cell_to_notebook",
						"arguments": map[string]any{"code_cell_source": "x = 1"},
					},
				}},
			},
			"done": true,
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	provider := NewProvider(server.URL, server.Client())
	model := &chatModel{provider: provider, name: "llama3:8b"}

	resp, err := model.Completions(context.Background(), []chat.Message{chat.UserMessage("add a cell")}, nil, nil, ai.NewCancelToken(), ai.CompletionOptions{})
	require.NoError(t, err)

	calls := resp.ToolCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "add_code_cell_to_notebook", calls[0].Function.Name)
	require.JSONEq(t, `{"code_cell_source":"x = 1"}`, calls[0].Function.Arguments)
}

func TestFimTemplateFor(t *testing.T) {
	codellama, ok := fimTemplateFor("codellama:13b")
	require.True(t, ok)
	require.Equal(t, "<PRE> a <SUF>b <MID>", codellama.format("a", "b"))

	qwen, ok := fimTemplateFor("qwen2.5-coder:7b")
	require.True(t, ok)
	require.Equal(t, "<|fim_prefix|>a<|fim_suffix|>b<|fim_middle|>", qwen.format("a", "b"))

	_, ok = fimTemplateFor("llama3:8b")
	require.False(t, ok)
}

func TestCleanCompletion(t *testing.T) {
	cases := []struct {
		name       string
		prefix     string
		completion string
		want       string
	}{
		{"fenced tail dropped", "", "x = 1\n```\ntrailing", "x = 1"},
		{"prefix echo trimmed", "def add(a, b):\n", "def add(a, b):\n    return a + b", "    return a + b"},
		{"instruction comment dropped", "", "# complete the code below\ny = 2", "y = 2"},
		{"plain completion kept", "x = ", "42", "42"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, cleanCompletion(tc.prefix, tc.completion))
		})
	}
}
