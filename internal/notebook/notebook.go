package notebook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// notebookDocument is the minimal nbformat v4 document we produce.
type notebookDocument struct {
	Cells         []cell         `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

type cell struct {
	CellType       string         `json:"cell_type"`
	ExecutionCount *int           `json:"execution_count"`
	Metadata       map[string]any `json:"metadata"`
	Outputs        []any          `json:"outputs"`
	Source         string         `json:"source"`
}

// ExtractFencedCode returns the body of the first fenced code block in text,
// or "" when none is present.
func ExtractFencedCode(text string) string {
	var content []string
	inSection := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "```") {
			if !inSection {
				inSection = true
				continue
			}
			break
		}
		if inSection {
			content = append(content, line)
		}
	}
	return strings.Join(content, "\n")
}

// UniqueName returns "<name>.ipynb" disambiguated within parentPath by
// appending an incrementing numeric suffix until the filename is free.
func UniqueName(parentPath, name string) string {
	if strings.HasPrefix(parentPath, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			parentPath = filepath.Join(home, strings.TrimPrefix(parentPath, "~"))
		}
	}

	for tried := 0; ; tried++ {
		suffix := ""
		if tried > 0 {
			suffix = fmt.Sprintf("%d", tried+1)
		}
		candidate := fmt.Sprintf("%s%s.ipynb", name, suffix)
		if _, err := os.Stat(filepath.Join(parentPath, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}

// Create writes a new notebook containing a single code cell with the given
// source and returns the path it was written to.
func Create(parentPath, name, source string) (string, error) {
	fileName := UniqueName(parentPath, name)

	savePath := filepath.Join(parentPath, fileName)
	if strings.HasPrefix(savePath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		savePath = filepath.Join(home, strings.TrimPrefix(savePath, "~"))
	}

	doc := notebookDocument{
		Cells: []cell{{
			CellType: "code",
			Metadata: map[string]any{},
			Outputs:  []any{},
			Source:   source,
		}},
		Metadata: map[string]any{
			"kernelspec": map[string]any{
				"display_name": "Python 3 (ipykernel)",
				"language":     "python",
				"name":         "python3",
			},
		},
		NBFormat:      4,
		NBFormatMinor: 5,
	}

	payload, err := json.MarshalIndent(doc, "", " ")
	if err != nil {
		return "", fmt.Errorf("marshal notebook: %w", err)
	}

	if err := os.WriteFile(savePath, payload, 0o644); err != nil {
		return "", fmt.Errorf("write notebook: %w", err)
	}

	return filepath.Join(parentPath, fileName), nil
}
