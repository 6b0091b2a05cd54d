package ai

import (
	"context"
	"fmt"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	"github.com/zhouzirui/nbchat/backend/internal/notebook"
)

func functionSchema(name, description string, properties map[string]any, required []string) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        name,
			"description": description,
			"parameters": map[string]any{
				"type":                 "object",
				"properties":           properties,
				"required":             required,
				"additionalProperties": false,
			},
		},
	}
}

// AddCodeCellTool appends a code cell to the notebook the client has open.
type AddCodeCellTool struct{}

func (t *AddCodeCellTool) Name() string        { return "add_code_cell_to_notebook" }
func (t *AddCodeCellTool) Title() string       { return "Add code cell to notebook" }
func (t *AddCodeCellTool) Description() string { return "Adds a code cell to a notebook" }

func (t *AddCodeCellTool) Schema() map[string]any {
	return functionSchema(t.Name(), t.Description(), map[string]any{
		"code_cell_source": map[string]any{
			"type":        "string",
			"description": "Code to add to the notebook",
		},
	}, []string{"code_cell_source"})
}

func (t *AddCodeCellTool) HandleToolCall(ctx context.Context, req *ai.ChatRequest, emitter ai.Emitter, toolContext, args map[string]any) (map[string]any, error) {
	code, _ := args["code_cell_source"].(string)
	_, err := emitter.RunUICommand(ctx, "nbchat:add-code-cell-to-notebook", map[string]any{
		"code": code,
		"path": toolContext["file_path"],
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// AddMarkdownCellTool appends a markdown cell to the notebook the client has
// open.
type AddMarkdownCellTool struct{}

func (t *AddMarkdownCellTool) Name() string        { return "add_markdown_cell_to_notebook" }
func (t *AddMarkdownCellTool) Title() string       { return "Add markdown cell to notebook" }
func (t *AddMarkdownCellTool) Description() string { return "Adds a markdown cell to a notebook" }

func (t *AddMarkdownCellTool) Schema() map[string]any {
	return functionSchema(t.Name(), t.Description(), map[string]any{
		"markdown_cell_source": map[string]any{
			"type":        "string",
			"description": "Markdown to add to the notebook",
		},
	}, []string{"markdown_cell_source"})
}

func (t *AddMarkdownCellTool) HandleToolCall(ctx context.Context, req *ai.ChatRequest, emitter ai.Emitter, toolContext, args map[string]any) (map[string]any, error) {
	markdown, _ := args["markdown_cell_source"].(string)
	_, err := emitter.RunUICommand(ctx, "nbchat:add-markdown-cell-to-notebook", map[string]any{
		"markdown": markdown,
		"path":     toolContext["file_path"],
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// CreateNotebookTool writes a notebook file server-side from generated code,
// for clients that cannot service UI commands.
type CreateNotebookTool struct {
	// ParentPath is where notebooks are written; defaults to the working
	// directory.
	ParentPath string
}

func (t *CreateNotebookTool) Name() string  { return "create_new_notebook" }
func (t *CreateNotebookTool) Title() string { return "Create a new notebook file" }
func (t *CreateNotebookTool) Description() string {
	return "Creates a new notebook file on disk containing the provided Python code"
}

func (t *CreateNotebookTool) Schema() map[string]any {
	return functionSchema(t.Name(), t.Description(), map[string]any{
		"code": map[string]any{
			"type":        "string",
			"description": "Python code for the notebook's code cell",
		},
	}, []string{"code"})
}

func (t *CreateNotebookTool) HandleToolCall(ctx context.Context, req *ai.ChatRequest, emitter ai.Emitter, toolContext, args map[string]any) (map[string]any, error) {
	code, _ := args["code"].(string)
	if fenced := notebook.ExtractFencedCode(code); fenced != "" {
		code = fenced
	}

	parent := t.ParentPath
	if parent == "" {
		parent = "."
	}

	path, err := notebook.Create(parent, generatedNotebookName, code)
	if err != nil {
		return nil, fmt.Errorf("create notebook: %w", err)
	}

	emitter.Stream(ai.AnchorData{URI: path, Title: "Open the generated notebook"})
	return map[string]any{"notebook_path": path}, nil
}
