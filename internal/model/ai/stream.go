package ai

import "context"

// StreamDataType tags the variants of the response fragment union.
type StreamDataType string

const (
	StreamTypeMarkdown     StreamDataType = "markdown"
	StreamTypeHTMLFrame    StreamDataType = "html-frame"
	StreamTypeAnchor       StreamDataType = "anchor"
	StreamTypeButton       StreamDataType = "button"
	StreamTypeProgress     StreamDataType = "progress"
	StreamTypeConfirmation StreamDataType = "confirmation"
	StreamTypeLLMRaw       StreamDataType = "llm-raw"
)

// StreamData is the closed set of response fragments a backend can emit.
// Each variant carries only the fields relevant to its tag.
type StreamData interface {
	StreamType() StreamDataType
}

// MarkdownData is a rendered markdown fragment.
type MarkdownData struct {
	Content string
}

func (MarkdownData) StreamType() StreamDataType { return StreamTypeMarkdown }

// HTMLFrameData embeds an HTML frame of a given height.
type HTMLFrameData struct {
	Source string
	Height int
}

func (HTMLFrameData) StreamType() StreamDataType { return StreamTypeHTMLFrame }

// AnchorData is a clickable link fragment.
type AnchorData struct {
	URI   string
	Title string
}

func (AnchorData) StreamType() StreamDataType { return StreamTypeAnchor }

// ButtonData triggers a client command when clicked.
type ButtonData struct {
	Title     string
	CommandID string
	Args      map[string]any
}

func (ButtonData) StreamType() StreamDataType { return StreamTypeButton }

// ProgressData shows transient progress text.
type ProgressData struct {
	Title string
}

func (ProgressData) StreamType() StreamDataType { return StreamTypeProgress }

// ConfirmationData asks the user to confirm or cancel an action.
type ConfirmationData struct {
	Title        string
	Message      string
	ConfirmArgs  map[string]any
	CancelArgs   map[string]any
	ConfirmLabel string
	CancelLabel  string
}

func (ConfirmationData) StreamType() StreamDataType { return StreamTypeConfirmation }

// RawData is an unwrapped model delta chunk passed through to the client
// verbatim, e.g. {"choices":[{"delta":{"content":"..."}}]}.
type RawData struct {
	Payload map[string]any
}

func (RawData) StreamType() StreamDataType { return StreamTypeLLMRaw }

// Emitter is the sink a backend streams heterogeneous response fragments
// into. Lifecycle: any number of Stream and RunUICommand calls, then exactly
// one Finish; Stream calls after Finish are invalid.
type Emitter interface {
	// SetParticipant binds the routed participant id stamped on every frame.
	SetParticipant(id string)
	Stream(data StreamData)
	Finish()
	// RunUICommand executes a command on the client and blocks cooperatively
	// until the correlated response arrives. There is no built-in timeout;
	// callers bound the wait via ctx.
	RunUICommand(ctx context.Context, command string, args map[string]any) (map[string]any, error)
}
