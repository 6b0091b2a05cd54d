package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
)

// fimTemplate renders a fill-in-the-middle prompt for one model family.
type fimTemplate struct {
	format func(prefix, suffix string) string
	stop   []string
}

// fimTemplateFor matches the model name against the families known to speak
// an infilling format. Names carry a tag suffix ("codellama:13b").
func fimTemplateFor(name string) (fimTemplate, bool) {
	base := strings.ToLower(strings.SplitN(name, ":", 2)[0])
	switch {
	case strings.HasPrefix(base, "codellama"):
		return fimTemplate{
			format: func(p, s string) string { return fmt.Sprintf("<PRE> %s <SUF>%s <MID>", p, s) },
			stop:   []string{"<END>", "<EOT>", "<MID>"},
		}, true
	case strings.HasPrefix(base, "deepseek-coder"):
		return fimTemplate{
			format: func(p, s string) string {
				return fmt.Sprintf("<｜fim▁begin｜>%s<｜fim▁hole｜>%s<｜fim▁end｜>", p, s)
			},
			stop: []string{"<｜fim▁end｜>"},
		}, true
	case strings.HasPrefix(base, "starcoder"):
		return fimTemplate{
			format: func(p, s string) string { return fmt.Sprintf("<fim_prefix>%s<fim_suffix>%s<fim_middle>", p, s) },
			stop:   []string{"<|endoftext|>", "<file_sep>"},
		}, true
	case strings.HasPrefix(base, "qwen2.5-coder"), strings.HasPrefix(base, "codegemma"):
		return fimTemplate{
			format: func(p, s string) string {
				return fmt.Sprintf("<|fim_prefix|>%s<|fim_suffix|>%s<|fim_middle|>", p, s)
			},
			stop: []string{"<|fim_prefix|>", "<|fim_suffix|>", "<|fim_middle|>", "<|endoftext|>"},
		}, true
	}
	return fimTemplate{}, false
}

type inlineModel struct {
	provider      *Provider
	name          string
	contextWindow int
}

func (m *inlineModel) ID() string         { return m.name }
func (m *inlineModel) Name() string       { return m.name }
func (m *inlineModel) ContextWindow() int { return m.contextWindow }

// InlineCompletions runs the model's raw infilling prompt through
// /api/generate. Failures degrade to an empty suggestion.
func (m *inlineModel) InlineCompletions(ctx context.Context, prefix, suffix, language, filename string, cc *ai.CompletionContext, cancel *ai.CancelToken) string {
	template, ok := fimTemplateFor(m.name)
	if !ok {
		return ""
	}
	if cancel != nil && cancel.Cancelled() {
		return ""
	}

	resp, err := m.provider.post(ctx, "/api/generate", map[string]any{
		"model":  m.name,
		"prompt": template.format(prefix, suffix),
		"raw":    true,
		"stream": false,
		"options": map[string]any{
			"temperature": 0,
			"num_predict": 256,
			"stop":        template.stop,
		},
	})
	if err != nil {
		log.Printf("[ollama] inline completion request failed: %v", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var body struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Printf("[ollama] decode inline completion failed: %v", err)
		return ""
	}
	if cancel != nil && cancel.Cancelled() {
		return ""
	}
	return cleanCompletion(prefix, body.Response)
}

// cleanCompletion strips the artifacts infilling models tend to produce:
// a fenced-code tail, stray comment-only lines echoing instructions, and a
// repetition of the tail of the prefix.
func cleanCompletion(prefix, completion string) string {
	if idx := strings.Index(completion, "```"); idx >= 0 {
		completion = completion[:idx]
	}

	lines := strings.Split(completion, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") && strings.Contains(strings.ToLower(trimmed), "complete") {
			continue
		}
		kept = append(kept, line)
	}
	completion = strings.Join(kept, "\n")

	// Some models restate the end of the prefix before continuing.
	tail := prefix
	if len(tail) > 100 {
		tail = tail[len(tail)-100:]
	}
	for len(tail) > 0 {
		if strings.HasPrefix(completion, tail) {
			completion = completion[len(tail):]
			break
		}
		tail = tail[1:]
	}

	return strings.TrimRight(completion, "\n")
}
