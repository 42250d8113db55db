package handle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// ServersPath is the tool server endpoint for registering MCP servers.
const ServersPath = "/mcp_servers"

var httpClient = &http.Client{}

// AddMCPServers registers additional tool providers inside the unit. Servers
// already registered with the same configuration are skipped. On success
// the cached tool list is refreshed.
func (h *Handle) AddMCPServers(ctx context.Context, servers map[string]types.MCPServerConfig) error {
	pending := make(map[string]types.MCPServerConfig)
	h.mu.Lock()
	for name, cfg := range servers {
		if prev, ok := h.servers[name]; ok && reflect.DeepEqual(prev, cfg) {
			continue
		}
		pending[name] = cfg
	}
	h.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{"mcpServers": pending})
	if err != nil {
		return fmt.Errorf("encode mcp servers: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL()+ServersPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers() {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return h.connectionError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &types.ToolError{
			Kind:    types.ToolExecutionFailed,
			Tool:    "add_mcp_servers",
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)),
		}
	}

	h.mu.Lock()
	for name, cfg := range pending {
		h.servers[name] = cfg
	}
	h.tools = nil
	h.mu.Unlock()
	return nil
}

// MCPServers returns the servers registered through this handle.
func (h *Handle) MCPServers() map[string]types.MCPServerConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]types.MCPServerConfig, len(h.servers))
	for k, v := range h.servers {
		out[k] = v
	}
	return out
}
