package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	modelchat "github.com/zhouzirui/nbchat/backend/internal/model/chat"
	"github.com/zhouzirui/nbchat/backend/internal/service/history"
)

// frameWriter serializes frames onto the underlying connection. Implemented
// by the websocket session, faked in tests.
type frameWriter interface {
	writeFrame(frame outgoingFrame) error
	registerCallback(callbackID string) chan map[string]any
	dropCallback(callbackID string)
}

// outgoingFrame is the server-to-client envelope.
type outgoingFrame struct {
	Type        string         `json:"type"`
	ID          string         `json:"id,omitempty"`
	ChatID      string         `json:"chatId,omitempty"`
	Participant string         `json:"participant,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Server-to-client frame types.
const (
	frameStreamMessage = "StreamMessage"
	frameStreamEnd     = "StreamEnd"
	frameRunUICommand  = "RunUICommand"
)

// ResponseEmitter streams response fragments for one request over the
// websocket session. Markdown fragments are recorded to chat history as they
// stream; raw model deltas are accumulated and recorded as a single assistant
// message on Finish. Finish is idempotent so every request ends with exactly
// one StreamEnd frame.
type ResponseEmitter struct {
	writer    frameWriter
	chatID    string
	messageID string
	history   *history.Store
	cancel    *ai.CancelToken

	mu          sync.Mutex
	participant string
	finished    bool
	rawParts    []string
}

// NewResponseEmitter binds an emitter to one request. A nil store disables
// history recording, used for code generation and inline completions.
func NewResponseEmitter(writer frameWriter, chatID, messageID string, store *history.Store, cancel *ai.CancelToken) *ResponseEmitter {
	return &ResponseEmitter{
		writer:    writer,
		chatID:    chatID,
		messageID: messageID,
		history:   store,
		cancel:    cancel,
	}
}

// SetParticipant stamps the routed participant id on subsequent frames.
func (e *ResponseEmitter) SetParticipant(id string) {
	e.mu.Lock()
	e.participant = id
	e.mu.Unlock()
}

// Stream sends one fragment as a StreamMessage frame.
func (e *ResponseEmitter) Stream(data ai.StreamData) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		log.Printf("[emitter] dropping fragment after finish for message %s", e.messageID)
		return
	}
	participant := e.participant

	var payload map[string]any
	switch d := data.(type) {
	case ai.RawData:
		payload = d.Payload
		if delta := deltaContent(d.Payload); delta != "" {
			e.rawParts = append(e.rawParts, delta)
		}
	default:
		payload = wrapFragment(data)
	}
	e.mu.Unlock()

	if md, ok := data.(ai.MarkdownData); ok && e.history != nil {
		e.history.AddMessage(e.chatID, modelchat.AssistantMessage(md.Content))
	}

	e.send(outgoingFrame{
		Type:        frameStreamMessage,
		ID:          e.messageID,
		ChatID:      e.chatID,
		Participant: participant,
		Data:        payload,
	})
}

// Finish flushes accumulated raw deltas into history and sends the terminal
// StreamEnd frame. Repeated calls are no-ops.
func (e *ResponseEmitter) Finish() {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	accumulated := strings.Join(e.rawParts, "")
	e.rawParts = nil
	participant := e.participant
	e.mu.Unlock()

	if accumulated != "" && e.history != nil {
		e.history.AddMessage(e.chatID, modelchat.AssistantMessage(accumulated))
	}

	e.send(outgoingFrame{
		Type:        frameStreamEnd,
		ID:          e.messageID,
		ChatID:      e.chatID,
		Participant: participant,
		Data:        map[string]any{},
	})
}

// RunUICommand asks the client to execute a command and blocks until the
// correlated response, cancellation or ctx expiry.
func (e *ResponseEmitter) RunUICommand(ctx context.Context, command string, args map[string]any) (map[string]any, error) {
	callbackID := uuid.NewString()
	result := e.writer.registerCallback(callbackID)
	defer e.writer.dropCallback(callbackID)

	e.mu.Lock()
	participant := e.participant
	e.mu.Unlock()

	err := e.writer.writeFrame(outgoingFrame{
		Type:        frameRunUICommand,
		ID:          e.messageID,
		ChatID:      e.chatID,
		Participant: participant,
		Data: map[string]any{
			"callback_id": callbackID,
			"commandId":   command,
			"args":        args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("send ui command %s: %w", command, err)
	}

	var done <-chan struct{}
	if e.cancel != nil {
		done = e.cancel.Done()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, fmt.Errorf("ui command %s cancelled", command)
	case response := <-result:
		return response, nil
	}
}

func (e *ResponseEmitter) send(frame outgoingFrame) {
	if err := e.writer.writeFrame(frame); err != nil {
		log.Printf("[emitter] write failed for message %s: %v", e.messageID, err)
	}
}

// wrapFragment normalizes a typed fragment into the delta chunk shape clients
// already parse for raw model output, carrying the typed payload under
// nbiContent.
func wrapFragment(data ai.StreamData) map[string]any {
	content := map[string]any{"type": string(data.StreamType())}

	switch d := data.(type) {
	case ai.MarkdownData:
		content["content"] = d.Content
	case ai.HTMLFrameData:
		content["content"] = d.Source
		content["height"] = d.Height
	case ai.AnchorData:
		content["uri"] = d.URI
		content["title"] = d.Title
	case ai.ButtonData:
		content["title"] = d.Title
		content["commandId"] = d.CommandID
		content["args"] = d.Args
	case ai.ProgressData:
		content["title"] = d.Title
	case ai.ConfirmationData:
		confirmLabel := d.ConfirmLabel
		if confirmLabel == "" {
			confirmLabel = "Proceed"
		}
		cancelLabel := d.CancelLabel
		if cancelLabel == "" {
			cancelLabel = "Cancel"
		}
		content["title"] = d.Title
		content["message"] = d.Message
		content["confirmArgs"] = d.ConfirmArgs
		content["cancelArgs"] = d.CancelArgs
		content["confirmLabel"] = confirmLabel
		content["cancelLabel"] = cancelLabel
	}

	return map[string]any{
		"choices": []any{map[string]any{
			"delta": map[string]any{
				"content":    "",
				"role":       "assistant",
				"nbiContent": content,
			},
		}},
	}
}

// deltaContent extracts choices[0].delta.content from a raw model chunk.
func deltaContent(payload map[string]any) string {
	choices, ok := payload["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return ""
	}
	content, _ := delta["content"].(string)
	return content
}
