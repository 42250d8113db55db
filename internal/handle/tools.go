package handle

import (
	"context"
)

// Tool names served by the standard sandbox images.
const (
	ToolRunCode         = "run_code"
	ToolRunShellCommand = "run_shell_command"
	ToolBrowserNavigate = "browser_navigate"
	ToolReadFile        = "read_file"
	ToolWriteFile       = "write_file"
)

// RunCode executes a code snippet in the unit's interpreter.
func (h *Handle) RunCode(ctx context.Context, language, code string) (string, error) {
	return h.text(ctx, ToolRunCode, map[string]any{"language": language, "code": code})
}

// RunShellCommand executes a shell command in the unit.
func (h *Handle) RunShellCommand(ctx context.Context, command string) (string, error) {
	return h.text(ctx, ToolRunShellCommand, map[string]any{"command": command})
}

// BrowserNavigate opens url in the unit's browser.
func (h *Handle) BrowserNavigate(ctx context.Context, url string) (string, error) {
	return h.text(ctx, ToolBrowserNavigate, map[string]any{"url": url})
}

// ReadFile returns the content of a file in the unit's workspace.
func (h *Handle) ReadFile(ctx context.Context, path string) (string, error) {
	return h.text(ctx, ToolReadFile, map[string]any{"path": path})
}

// WriteFile writes content to a file in the unit's workspace.
func (h *Handle) WriteFile(ctx context.Context, path, content string) error {
	_, err := h.text(ctx, ToolWriteFile, map[string]any{"path": path, "content": content})
	return err
}

func (h *Handle) text(ctx context.Context, tool string, args map[string]any) (string, error) {
	res, err := h.CallTool(ctx, tool, args)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
