package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	"github.com/zhouzirui/nbchat/backend/internal/model/chat"
)

// maxToolTurns bounds the tool-invocation loop: after this many model round
// trips the request is terminated with a notice instead of looping further.
const maxToolTurns = 10

// DefaultParticipant serves prompts that are not addressed to a registered
// participant. It streams plain chat through the configured model and handles
// the notebook-oriented commands and tools.
type DefaultParticipant struct {
	tools []ai.Tool
}

// NewDefaultParticipant builds the default participant with its notebook
// tools.
func NewDefaultParticipant() *DefaultParticipant {
	return &DefaultParticipant{
		tools: []ai.Tool{
			&AddCodeCellTool{},
			&AddMarkdownCellTool{},
			&CreateNotebookTool{},
		},
	}
}

func (p *DefaultParticipant) ID() string          { return "default" }
func (p *DefaultParticipant) Name() string        { return "Notebook AI" }
func (p *DefaultParticipant) Description() string { return "Notebook AI assistant" }

func (p *DefaultParticipant) Commands() []ai.ChatCommand {
	return []ai.ChatCommand{
		{Name: "newNotebook", Description: "Create a new notebook"},
		{Name: "newPythonFile", Description: "Create a new Python file"},
		{Name: "clear", Description: "Clears chat history"},
	}
}

func (p *DefaultParticipant) Tools() []ai.Tool { return p.tools }

// AllowedContextProviders allows any registered context provider.
func (p *DefaultParticipant) AllowedContextProviders() []string { return []string{"*"} }

// HandleChatRequest dispatches on the parsed command, defaulting to a
// streaming chat completion over the session history.
func (p *DefaultParticipant) HandleChatRequest(ctx context.Context, req *ai.ChatRequest, emitter ai.Emitter, opts ai.HandlerOptions) error {
	switch req.Command {
	case "newNotebook":
		return p.handleNewNotebook(ctx, req, emitter, opts)
	case "newPythonFile":
		return p.handleNewPythonFile(ctx, req, emitter)
	}

	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = chatSystemPrompt
	}

	messages := append([]chat.Message{chat.SystemMessage(systemPrompt)}, req.History...)

	model := req.Host.ChatModel()
	if model == nil {
		emitter.Stream(ai.MarkdownData{Content: "No chat model is configured."})
		emitter.Finish()
		return nil
	}

	if req.CancelToken.Cancelled() {
		emitter.Finish()
		return nil
	}

	// Streaming call: the model drives the emitter, including Finish.
	_, err := model.Completions(ctx, messages, nil, emitter, req.CancelToken, ai.CompletionOptions{})
	return err
}

func (p *DefaultParticipant) handleNewNotebook(ctx context.Context, req *ai.ChatRequest, emitter ai.Emitter, opts ai.HandlerOptions) error {
	uiResp, err := emitter.RunUICommand(ctx, "nbchat:create-new-notebook-from-py", map[string]any{"code": ""})
	if err != nil {
		emitter.Stream(ai.MarkdownData{Content: "Failed to create the notebook."})
		emitter.Finish()
		return err
	}
	filePath, _ := uiResp["path"].(string)

	cellTools := []ai.Tool{&AddCodeCellTool{}, &AddMarkdownCellTool{}}
	names := []string{cellTools[0].Name(), cellTools[1].Name()}
	req.History = append([]chat.Message{chat.SystemMessage(newNotebookSystemPrompt(names))}, req.History...)

	opts.ToolContext = map[string]any{"file_path": filePath}
	opts.ToolChoice = "required"
	return p.handleChatRequestWithTools(ctx, req, emitter, opts, cellTools)
}

func (p *DefaultParticipant) handleNewPythonFile(ctx context.Context, req *ai.ChatRequest, emitter ai.Emitter) error {
	model := req.Host.ChatModel()
	if model == nil {
		emitter.Stream(ai.MarkdownData{Content: "No chat model is configured."})
		emitter.Finish()
		return nil
	}

	messages := []chat.Message{
		chat.SystemMessage(newPythonFileSystemPrompt),
		chat.UserMessage("Generate code for: " + req.Prompt),
	}

	resp, err := model.Completions(ctx, messages, nil, nil, req.CancelToken, ai.CompletionOptions{})
	if err != nil {
		emitter.Stream(ai.MarkdownData{Content: "Code generation failed."})
		emitter.Finish()
		return err
	}

	uiResp, err := emitter.RunUICommand(ctx, "nbchat:create-new-file", map[string]any{"code": resp.Content()})
	if err != nil {
		emitter.Stream(ai.MarkdownData{Content: "Failed to create the file."})
		emitter.Finish()
		return err
	}

	filePath, _ := uiResp["path"].(string)
	emitter.Stream(ai.MarkdownData{Content: fmt.Sprintf("File '%s' created successfully", filePath)})
	emitter.Finish()
	return nil
}

// handleChatRequestWithTools runs the tool-invocation loop: the model is
// called without a streaming sink, requested tool calls are executed and fed
// back as tool-role messages, and the loop repeats until the model returns
// plain content or maxToolTurns is reached.
func (p *DefaultParticipant) handleChatRequestWithTools(ctx context.Context, req *ai.ChatRequest, emitter ai.Emitter, opts ai.HandlerOptions, tools []ai.Tool) error {
	model := req.Host.ChatModel()
	if model == nil {
		emitter.Stream(ai.MarkdownData{Content: "No chat model is configured."})
		emitter.Finish()
		return nil
	}

	schemas := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		schemas = append(schemas, tool.Schema())
	}

	messages := req.History
	toolChoice := opts.ToolChoice

	for turn := 0; turn < maxToolTurns; turn++ {
		if req.CancelToken.Cancelled() {
			emitter.Finish()
			return nil
		}

		resp, err := model.Completions(ctx, messages, schemas, nil, req.CancelToken, ai.CompletionOptions{ToolChoice: toolChoice})
		if err != nil {
			emitter.Stream(ai.MarkdownData{Content: "The model request failed."})
			emitter.Finish()
			return err
		}
		toolChoice = ""

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			if content := resp.Content(); content != "" {
				emitter.Stream(ai.MarkdownData{Content: content})
			}
			emitter.Finish()
			return nil
		}

		messages = append(messages, resp.Choices[0].Message)

		for _, call := range calls {
			result := p.invokeTool(ctx, req, emitter, opts, tools, call)
			messages = append(messages, chat.Message{
				Role:       chat.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	log.Printf("[participant] tool loop hit the %d turn limit", maxToolTurns)
	emitter.Stream(ai.MarkdownData{Content: "Stopped after too many tool invocations."})
	emitter.Finish()
	return nil
}

// invokeTool matches one requested call against the declared tool set and
// returns the JSON-encoded result, or a JSON error payload the model can see.
func (p *DefaultParticipant) invokeTool(ctx context.Context, req *ai.ChatRequest, emitter ai.Emitter, opts ai.HandlerOptions, tools []ai.Tool, call chat.ToolCall) string {
	var tool ai.Tool
	for _, candidate := range tools {
		if candidate.Name() == call.Function.Name {
			tool = candidate
			break
		}
	}
	if tool == nil {
		log.Printf("[participant] model requested unknown tool %q", call.Function.Name)
		return `{"error":"unknown tool"}`
	}

	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			log.Printf("[participant] invalid arguments for tool %q: %v", call.Function.Name, err)
			return `{"error":"invalid arguments"}`
		}
	}

	result, err := tool.HandleToolCall(ctx, req, emitter, opts.ToolContext, args)
	if err != nil {
		log.Printf("[participant] tool %q failed: %v", call.Function.Name, err)
		return `{"error":"tool failed"}`
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return "{}"
	}
	return string(payload)
}
