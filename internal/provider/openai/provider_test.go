package openai

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

func TestCompletionsStreamsSSEDeltas(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, true, req["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hi", " there"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	provider := NewProvider(Config{
		BaseURL:     server.URL + "/v1",
		APIKey:      "secret",
		ChatModelID: "test-model",
	}, server.Client())
	require.Len(t, provider.ChatModels(), 1)

	emitter := &collectingEmitter{}
	_, err := provider.ChatModels()[0].Completions(context.Background(),
		[]chat.Message{chat.UserMessage("hi")}, nil, emitter, ai.NewCancelToken(), ai.CompletionOptions{})
	require.NoError(t, err)

	require.Equal(t, 1, emitter.finishes)
	require.Len(t, emitter.fragments, 2)
	_, ok := emitter.fragments[0].(ai.RawData)
	require.True(t, ok)
}

func TestInlineCompletionsStripFences(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role":    "assistant",
					"content": "```python\nreturn a + b\n```",
				},
			}},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	provider := NewProvider(Config{BaseURL: server.URL + "/v1", ChatModelID: "test-model"}, server.Client())
	require.Len(t, provider.InlineCompletionModels(), 1)

	got := provider.InlineCompletionModels()[0].InlineCompletions(context.Background(),
		"def add(a, b):\n    ", "", "python", "math.py", nil, ai.NewCancelToken())
	require.Equal(t, "return a + b", got)
}

func TestInlineCompletionsReturnEmptyOnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := NewProvider(Config{BaseURL: server.URL, ChatModelID: "test-model"}, server.Client())
	got := provider.InlineCompletionModels()[0].InlineCompletions(context.Background(),
		"x = ", "", "python", "a.py", nil, ai.NewCancelToken())
	require.Equal(t, "", got)
}

func TestProviderWithoutConfigHasEmptyCatalog(t *testing.T) {
	provider := NewProvider(Config{}, nil)
	require.Empty(t, provider.ChatModels())
	require.Empty(t, provider.InlineCompletionModels())
}
