package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/remi/pkg/backend"
)

// RegisterTools exposes the memory store to a backend as agent-callable
// tools. The agent decides when to remember; the store decides where it
// lands.
func RegisterTools(reg backend.ToolRegistrar, store *Store) {
	reg.RegisterTool(backend.ToolDefinition{
		Name:        "read_memory",
		Description: "Read the long-term memory file (MEMORY.md).",
		Parameters:  map[string]any{},
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			content := store.ReadMemory()
			if content == "" {
				return "(memory is empty)", nil
			}
			return content, nil
		},
	})

	reg.RegisterTool(backend.ToolDefinition{
		Name:        "write_memory",
		Description: "Overwrite the long-term memory file. Use append_memory for additions.",
		Parameters: map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The full new content of MEMORY.md.",
			},
		},
		Required: []string{"content"},
		Handler: func(_ context.Context, input map[string]any) (string, error) {
			content, _ := input["content"].(string)
			if err := store.WriteMemory(content); err != nil {
				return "", err
			}
			return "memory updated", nil
		},
	})

	reg.RegisterTool(backend.ToolDefinition{
		Name:        "append_memory",
		Description: "Append an entry to the long-term memory file.",
		Parameters: map[string]any{
			"entry": map[string]any{
				"type":        "string",
				"description": "The entry to append.",
			},
		},
		Required: []string{"entry"},
		Handler: func(_ context.Context, input map[string]any) (string, error) {
			entry, _ := input["entry"].(string)
			if strings.TrimSpace(entry) == "" {
				return "", fmt.Errorf("entry must not be empty")
			}
			if err := store.AppendMemory(entry); err != nil {
				return "", err
			}
			return fmt.Sprintf("appended: %s", truncateEntry(entry)), nil
		},
	})

	reg.RegisterTool(backend.ToolDefinition{
		Name:        "read_daily",
		Description: "Read daily notes for a date (defaults to today).",
		Parameters: map[string]any{
			"date": map[string]any{
				"type":        "string",
				"description": "Date in YYYY-MM-DD form. Empty means today.",
			},
		},
		Handler: func(_ context.Context, input map[string]any) (string, error) {
			date, _ := input["date"].(string)
			content := store.ReadDaily(date)
			if content == "" {
				return "(no notes for that day)", nil
			}
			return content, nil
		},
	})

	reg.RegisterTool(backend.ToolDefinition{
		Name:        "append_daily",
		Description: "Append a timestamped entry to today's daily notes.",
		Parameters: map[string]any{
			"entry": map[string]any{
				"type":        "string",
				"description": "The note to record.",
			},
		},
		Required: []string{"entry"},
		Handler: func(_ context.Context, input map[string]any) (string, error) {
			entry, _ := input["entry"].(string)
			if strings.TrimSpace(entry) == "" {
				return "", fmt.Errorf("entry must not be empty")
			}
			if err := store.AppendDaily(entry); err != nil {
				return "", err
			}
			return fmt.Sprintf("noted: %s", truncateEntry(entry)), nil
		},
	})

	reg.RegisterTool(backend.ToolDefinition{
		Name:        "read_context",
		Description: "Read the assembled memory context, optionally scoped to a project.",
		Parameters: map[string]any{
			"project": map[string]any{
				"type":        "string",
				"description": "Project name to include project memory for.",
			},
		},
		Handler: func(_ context.Context, input map[string]any) (string, error) {
			project, _ := input["project"].(string)
			ctx := store.Context(project)
			if ctx == "" {
				return "(no memory recorded yet)", nil
			}
			return ctx, nil
		},
	})
}

func truncateEntry(s string) string {
	runes := []rune(s)
	if len(runes) <= 80 {
		return s
	}
	return string(runes[:80]) + "..."
}
