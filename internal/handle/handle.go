// Package handle provides the client side of a unit's control channel. A
// Handle talks MCP over streamable HTTP to the tool server running inside
// one unit.
package handle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

const (
	clientName    = "sandboxpool"
	clientVersion = "1.0.0"

	// MCPPath is the tool server's MCP endpoint.
	MCPPath = "/mcp"
)

// Options configures a Handle.
type Options struct {
	// Token is sent as a bearer token when set.
	Token string

	// CallTimeout bounds each tool call. Zero means only the caller's
	// context applies.
	CallTimeout time.Duration
}

// Handle is bound to one unit's endpoint. It is safe for concurrent use.
type Handle struct {
	unit types.Unit
	opts Options

	mu      sync.Mutex
	client  *client.Client
	tools   []types.ToolDescriptor
	servers map[string]types.MCPServerConfig
}

// New creates a Handle for unit. No connection is made until first use.
func New(unit *types.Unit, opts Options) *Handle {
	return &Handle{
		unit:    *unit,
		opts:    opts,
		servers: make(map[string]types.MCPServerConfig),
	}
}

// UnitID returns the ID of the bound unit.
func (h *Handle) UnitID() string {
	return h.unit.ID
}

// TypeName returns the sandbox type of the bound unit.
func (h *Handle) TypeName() string {
	return h.unit.TypeName
}

// Unit returns a copy of the bound unit record.
func (h *Handle) Unit() types.Unit {
	return h.unit
}

// BaseURL returns the base URL of the unit's control channel.
func (h *Handle) BaseURL() string {
	return h.unit.Endpoint.URL()
}

func (h *Handle) headers() map[string]string {
	if h.opts.Token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + h.opts.Token}
}

// session returns the initialized MCP client, creating it on first use.
func (h *Handle) session(ctx context.Context) (*client.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return h.client, nil
	}

	var opts []transport.StreamableHTTPCOption
	if hdr := h.headers(); hdr != nil {
		opts = append(opts, transport.WithHTTPHeaders(hdr))
	}
	c, err := client.NewStreamableHttpClient(h.BaseURL()+MCPPath, opts...)
	if err != nil {
		return nil, h.connectionError(err)
	}
	// The session outlives the request that opened it.
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		c.Close()
		return nil, h.connectionError(err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(ctx, init); err != nil {
		c.Close()
		return nil, h.connectionError(err)
	}
	h.client = c
	return c, nil
}

// ListTools returns the unit's tools sorted by name. The list is cached for
// the life of the handle and refreshed by AddMCPServers.
func (h *Handle) ListTools(ctx context.Context) ([]types.ToolDescriptor, error) {
	h.mu.Lock()
	cached := h.tools
	h.mu.Unlock()
	if cached != nil {
		return append([]types.ToolDescriptor(nil), cached...), nil
	}
	return h.refreshTools(ctx)
}

func (h *Handle) refreshTools(ctx context.Context) ([]types.ToolDescriptor, error) {
	c, err := h.session(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, h.connectionError(err)
	}

	tools := make([]types.ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, types.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema(t.InputSchema),
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	h.mu.Lock()
	h.tools = tools
	h.mu.Unlock()
	return append([]types.ToolDescriptor(nil), tools...), nil
}

func inputSchema(s mcp.ToolInputSchema) map[string]any {
	out := map[string]any{"type": s.Type}
	if len(s.Properties) > 0 {
		out["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// CallTool invokes a tool with arguments. Failures of the tool itself are
// returned as *types.ToolError; failures to reach the unit as
// *types.ConnectionError.
func (h *Handle) CallTool(ctx context.Context, name string, args map[string]any) (*types.ToolResult, error) {
	tools, err := h.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	if !hasTool(tools, name) {
		return nil, &types.ToolError{Kind: types.ToolNotFound, Tool: name, Message: "not served by unit " + h.unit.ID}
	}

	c, err := h.session(ctx)
	if err != nil {
		return nil, err
	}
	if h.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.CallTimeout)
		defer cancel()
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, h.callError(ctx, name, err)
	}

	text := resultText(res.Content)
	if res.IsError {
		return nil, &types.ToolError{Kind: types.ToolExecutionFailed, Tool: name, Message: text}
	}
	return &types.ToolResult{Text: text}, nil
}

func hasTool(tools []types.ToolDescriptor, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func resultText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (h *Handle) callError(ctx context.Context, tool string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &types.ToolError{Kind: types.ToolTimeout, Tool: tool, Message: err.Error()}
	}
	if isNetworkError(err) {
		return h.connectionError(err)
	}
	return &types.ToolError{Kind: types.ToolExecutionFailed, Tool: tool, Message: err.Error()}
}

func (h *Handle) connectionError(err error) error {
	return &types.ConnectionError{UnitID: h.unit.ID, Endpoint: h.unit.Endpoint.String(), Err: err}
}

func isNetworkError(err error) bool {
	var uerr *url.Error
	var nerr net.Error
	return errors.As(err, &uerr) || errors.As(err, &nerr)
}

// Close ends the MCP session, if one was opened.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return nil
	}
	err := h.client.Close()
	h.client = nil
	h.tools = nil
	return err
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s(%s@%s)", h.unit.TypeName, h.unit.ID, h.unit.Endpoint)
}
