package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkoukk/tiktoken-go"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	modelchat "github.com/zhouzirui/nbchat/backend/internal/model/chat"
	svcai "github.com/zhouzirui/nbchat/backend/internal/service/ai"
	"github.com/zhouzirui/nbchat/backend/internal/service/history"
)

// Client-to-server frame types.
const (
	frameChatRequest             = "ChatRequest"
	frameGenerateCode            = "GenerateCode"
	frameInlineCompletionRequest = "InlineCompletionRequest"
	frameChatUserInput           = "ChatUserInput"
	frameClearChatHistory        = "ClearChatHistory"
	frameRunUICommandResponse    = "RunUICommandResponse"
	frameCancelChatRequest       = "CancelChatRequest"
	frameCancelInlineCompletion  = "CancelInlineCompletionRequest"
)

// contextTokenBudget caps the additional context injected into a prompt at
// 80% of a 4096-token window.
const contextTokenBudget = 3276

// WebSocketHandler serves the chat websocket endpoint.
type WebSocketHandler struct {
	registry *svcai.Registry
	history  *history.Store
	upgrader websocket.Upgrader
}

// NewWebSocketHandler wires the chat transport onto the registry.
func NewWebSocketHandler(registry *svcai.Registry, store *history.Store) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		history:  store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/chat", h.handleWebSocket)
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// requestHandle tracks one in-flight request so cancel frames can reach it.
type requestHandle struct {
	cancel *ai.CancelToken
}

// session is one websocket connection. Frames are written under a mutex
// because request handlers run on their own goroutines.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	registry *svcai.Registry
	history  *history.Store

	mu        sync.Mutex
	handlers  map[string]*requestHandle
	callbacks map[string]chan map[string]any
	chatIDs   map[string]struct{}
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[websocket] new chat connection from %s", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{
		conn:      conn,
		registry:  h.registry,
		history:   h.history,
		handlers:  make(map[string]*requestHandle),
		callbacks: make(map[string]chan map[string]any),
		chatIDs:   make(map[string]struct{}),
	}
	defer s.close()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go h.pingLoop(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			var frame inboundFrame
			if err := conn.ReadJSON(&frame); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[websocket] read error: %v", err)
				}
				return
			}

			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			s.handleFrame(ctx, &frame)
		}
	}
}

// pingLoop keeps the connection alive between requests.
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close cancels in-flight requests and drops the histories this connection
// created.
func (s *session) close() {
	s.mu.Lock()
	handles := s.handlers
	s.handlers = make(map[string]*requestHandle)
	chatIDs := s.chatIDs
	s.chatIDs = make(map[string]struct{})
	s.mu.Unlock()

	for _, handle := range handles {
		handle.cancel.Cancel()
	}
	for chatID := range chatIDs {
		s.history.Clear(chatID)
	}
}

func (s *session) writeFrame(frame outgoingFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

func (s *session) registerCallback(callbackID string) chan map[string]any {
	ch := make(chan map[string]any, 1)
	s.mu.Lock()
	s.callbacks[callbackID] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) dropCallback(callbackID string) {
	s.mu.Lock()
	delete(s.callbacks, callbackID)
	s.mu.Unlock()
}

func (s *session) resolveCallback(callbackID string, result map[string]any) {
	s.mu.Lock()
	ch, ok := s.callbacks[callbackID]
	s.mu.Unlock()
	if !ok {
		log.Printf("[websocket] no pending callback %s", callbackID)
		return
	}
	select {
	case ch <- result:
	default:
	}
}

func (s *session) addHandle(messageID string, cancel *ai.CancelToken) {
	s.mu.Lock()
	s.handlers[messageID] = &requestHandle{cancel: cancel}
	s.mu.Unlock()
}

func (s *session) removeHandle(messageID string) {
	s.mu.Lock()
	delete(s.handlers, messageID)
	s.mu.Unlock()
}

func (s *session) cancelHandle(messageID string) {
	s.mu.Lock()
	handle, ok := s.handlers[messageID]
	s.mu.Unlock()
	if ok {
		handle.cancel.Cancel()
	}
}

func (s *session) trackChat(chatID string) {
	if chatID == "" {
		return
	}
	s.mu.Lock()
	s.chatIDs[chatID] = struct{}{}
	s.mu.Unlock()
}

func (s *session) handleFrame(ctx context.Context, frame *inboundFrame) {
	switch frame.Type {
	case frameChatRequest:
		var req chatRequestData
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			log.Printf("[websocket] invalid ChatRequest payload: %v", err)
			return
		}
		go s.handleChatRequest(ctx, &req)
	case frameGenerateCode:
		var req generateCodeData
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			log.Printf("[websocket] invalid GenerateCode payload: %v", err)
			return
		}
		go s.handleGenerateCode(ctx, &req)
	case frameInlineCompletionRequest:
		var req inlineCompletionData
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			log.Printf("[websocket] invalid InlineCompletionRequest payload: %v", err)
			return
		}
		go s.handleInlineCompletion(ctx, &req)
	case frameChatUserInput, frameRunUICommandResponse:
		var resp callbackData
		if err := json.Unmarshal(frame.Data, &resp); err != nil {
			log.Printf("[websocket] invalid callback payload: %v", err)
			return
		}
		s.resolveCallback(resp.CallbackID, resp.Result)
	case frameClearChatHistory:
		var req clearHistoryData
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			log.Printf("[websocket] invalid ClearChatHistory payload: %v", err)
			return
		}
		if req.ChatID == "" {
			s.history.ClearAll()
		} else {
			s.history.Clear(req.ChatID)
		}
	case frameCancelChatRequest, frameCancelInlineCompletion:
		var req cancelData
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			log.Printf("[websocket] invalid cancel payload: %v", err)
			return
		}
		s.cancelHandle(req.MessageID)
	default:
		log.Printf("[websocket] unsupported frame type %q", frame.Type)
	}
}

type contextItemData struct {
	Content   string `json:"content"`
	FilePath  string `json:"filePath"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

type chatRequestData struct {
	ChatID            string            `json:"chatId"`
	MessageID         string            `json:"messageId"`
	Prompt            string            `json:"prompt"`
	Language          string            `json:"language"`
	Filename          string            `json:"filename"`
	AdditionalContext []contextItemData `json:"additionalContext"`
}

type generateCodeData struct {
	ChatID       string `json:"chatId"`
	MessageID    string `json:"messageId"`
	Prompt       string `json:"prompt"`
	Prefix       string `json:"prefix"`
	Suffix       string `json:"suffix"`
	ExistingCode string `json:"existingCode"`
	Language     string `json:"language"`
	Filename     string `json:"filename"`
}

type inlineCompletionData struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Prefix    string `json:"prefix"`
	Suffix    string `json:"suffix"`
	Language  string `json:"language"`
	Filename  string `json:"filename"`
}

type callbackData struct {
	CallbackID string         `json:"callback_id"`
	Result     map[string]any `json:"result"`
}

type clearHistoryData struct {
	ChatID string `json:"chatId"`
}

type cancelData struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

func (s *session) handleChatRequest(ctx context.Context, data *chatRequestData) {
	token := ai.NewCancelToken()
	s.addHandle(data.MessageID, token)
	defer s.removeHandle(data.MessageID)
	s.trackChat(data.ChatID)

	emitter := NewResponseEmitter(s, data.ChatID, data.MessageID, s.history, token)

	s.history.AddMessage(data.ChatID, modelchat.UserMessage(data.Prompt))

	// The request history is a copy, so enriching the trailing user message
	// with editor context does not leak into the stored transcript.
	transcript := s.history.History(data.ChatID)
	if n := len(transcript); n > 0 && transcript[n-1].Role == modelchat.RoleUser {
		transcript[n-1].Content = withAdditionalContext(transcript[n-1].Content, data.AdditionalContext)
	}

	req := &ai.ChatRequest{
		Prompt:      data.Prompt,
		History:     transcript,
		CancelToken: token,
	}
	opts := ai.HandlerOptions{ToolContext: map[string]any{"file_path": data.Filename}}

	if err := s.registry.HandleChatRequest(ctx, req, emitter, opts); err != nil {
		log.Printf("[websocket] chat request %s failed: %v", data.MessageID, err)
	}
	emitter.Finish()
}

const generateCodeSystemPrompt = "You are an assistant that writes code for Jupyter notebook cells. Generate code for the user's request. Return only the code to insert, without explanations and without markdown code fences. The code must fit between the surrounding code sections when they are provided."

func (s *session) handleGenerateCode(ctx context.Context, data *generateCodeData) {
	token := ai.NewCancelToken()
	s.addHandle(data.MessageID, token)
	defer s.removeHandle(data.MessageID)
	s.trackChat(data.ChatID)

	emitter := NewResponseEmitter(s, data.ChatID, data.MessageID, s.history, token)

	model := s.registry.ChatModel()
	if model == nil {
		emitter.Stream(ai.MarkdownData{Content: "No chat model is configured."})
		emitter.Finish()
		return
	}

	// The editor scaffold and the request itself go into the chat history, so
	// follow-up requests on the same chat see what was generated and why.
	if data.ExistingCode != "" {
		s.history.AddMessage(data.ChatID, modelchat.UserMessage("Rewrite this existing code according to the request:\n"+data.ExistingCode))
	}
	if data.Prefix != "" {
		s.history.AddMessage(data.ChatID, modelchat.UserMessage("Code before the insertion point:\n"+data.Prefix))
	}
	if data.Suffix != "" {
		s.history.AddMessage(data.ChatID, modelchat.UserMessage("Code after the insertion point:\n"+data.Suffix))
	}
	s.history.AddMessage(data.ChatID, modelchat.UserMessage(fmt.Sprintf("Generate %s code for this request: %s", data.Language, data.Prompt)))

	messages := append(
		[]modelchat.Message{modelchat.SystemMessage(generateCodeSystemPrompt)},
		s.history.History(data.ChatID)...,
	)
	if _, err := model.Completions(ctx, messages, nil, emitter, token, ai.CompletionOptions{}); err != nil {
		log.Printf("[websocket] generate code %s failed: %v", data.MessageID, err)
	}
	emitter.Finish()
}

func (s *session) handleInlineCompletion(ctx context.Context, data *inlineCompletionData) {
	token := ai.NewCancelToken()
	s.addHandle(data.MessageID, token)
	defer s.removeHandle(data.MessageID)

	emitter := NewResponseEmitter(s, data.ChatID, data.MessageID, nil, token)

	model := s.registry.InlineCompletionModel()
	if model == nil {
		emitter.Finish()
		return
	}

	cc := s.registry.AggregateContext(ctx, &ai.ContextRequest{
		Type:        ai.ContextRequestInlineCompletion,
		Prefix:      data.Prefix,
		Suffix:      data.Suffix,
		Language:    data.Language,
		Filename:    data.Filename,
		Participant: s.registry.ResolveParticipant(""),
		CancelToken: token,
	})
	if token.Cancelled() {
		emitter.Finish()
		return
	}

	completion := model.InlineCompletions(ctx, data.Prefix, data.Suffix, data.Language, data.Filename, cc, token)
	if token.Cancelled() {
		emitter.Finish()
		return
	}

	emitter.Stream(ai.RawData{Payload: map[string]any{"completions": completion}})
	emitter.Finish()
}

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// countTokens measures text against the context budget. A missing encoding
// falls back to a character heuristic.
func countTokens(text string) int {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("o200k_base")
		if err != nil {
			log.Printf("[websocket] tokenizer unavailable: %v", err)
			return
		}
		tokenizer = enc
	})
	if tokenizer == nil {
		return len(text) / 4
	}
	return len(tokenizer.Encode(text, nil, nil))
}

// withAdditionalContext appends editor-supplied context to the prompt until
// the token budget runs out. Items keep their client order.
func withAdditionalContext(prompt string, items []contextItemData) string {
	if len(items) == 0 {
		return prompt
	}

	budget := contextTokenBudget - countTokens(prompt)
	var sb strings.Builder
	for _, item := range items {
		if item.Content == "" {
			continue
		}
		section := fmt.Sprintf("\n\nAdditional context from %s:\n%s", item.FilePath, item.Content)
		cost := countTokens(section)
		if cost > budget {
			break
		}
		budget -= cost
		sb.WriteString(section)
	}

	if sb.Len() == 0 {
		return prompt
	}
	return prompt + sb.String()
}
