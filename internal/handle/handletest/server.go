// Package handletest runs an in-process tool server that speaks the same
// control channel as the sandbox images, for use in tests.
package handletest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// Server is a fake unit tool server.
type Server struct {
	URL  string
	Host string
	Port int

	// Token, when set, is required as a bearer token on every request.
	Token string

	mcp *server.MCPServer

	mu      sync.Mutex
	files   map[string]string
	servers map[string]types.MCPServerConfig
	posts   int
}

// NewServer starts a tool server serving run_shell_command, run_code,
// read_file, write_file, browser_navigate, sleep and fail. It is closed
// when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		files:   make(map[string]string),
		servers: make(map[string]types.MCPServerConfig),
	}
	s.mcp = server.NewMCPServer("sandbox-tools", "test", server.WithToolCapabilities(true))
	s.addTools()

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s.mcp))
	mux.HandleFunc("/mcp_servers", s.handleServers)

	ts := httptest.NewServer(s.auth(mux))
	t.Cleanup(ts.Close)

	s.URL = ts.URL
	host, port, _ := net.SplitHostPort(ts.Listener.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)
	return s
}

// Endpoint returns the server address as a unit endpoint.
func (s *Server) Endpoint() types.Endpoint {
	return types.Endpoint{Host: s.Host, Port: s.Port}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) addTools() {
	s.mcp.AddTool(mcp.NewTool("run_shell_command",
		mcp.WithDescription("Run a shell command"),
		mcp.WithString("command", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cmd, _ := req.GetArguments()["command"].(string)
		if rest, ok := strings.CutPrefix(cmd, "echo "); ok {
			return mcp.NewToolResultText(rest + "\n"), nil
		}
		return mcp.NewToolResultError("command not found: " + cmd), nil
	})

	s.mcp.AddTool(mcp.NewTool("run_code",
		mcp.WithString("language"),
		mcp.WithString("code", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		code, _ := req.GetArguments()["code"].(string)
		return mcp.NewToolResultText("ran: " + code), nil
	})

	s.mcp.AddTool(mcp.NewTool("write_file",
		mcp.WithString("path", mcp.Required()),
		mcp.WithString("content", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		path, _ := args["path"].(string)
		content, _ := args["content"].(string)
		s.mu.Lock()
		s.files[path] = content
		s.mu.Unlock()
		return mcp.NewToolResultText("ok"), nil
	})

	s.mcp.AddTool(mcp.NewTool("read_file",
		mcp.WithString("path", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, _ := req.GetArguments()["path"].(string)
		s.mu.Lock()
		content, ok := s.files[path]
		s.mu.Unlock()
		if !ok {
			return mcp.NewToolResultError("no such file: " + path), nil
		}
		return mcp.NewToolResultText(content), nil
	})

	s.mcp.AddTool(mcp.NewTool("browser_navigate",
		mcp.WithString("url", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, _ := req.GetArguments()["url"].(string)
		return mcp.NewToolResultText("navigated to " + url), nil
	})

	s.mcp.AddTool(mcp.NewTool("sleep",
		mcp.WithNumber("seconds", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		secs, _ := req.GetArguments()["seconds"].(float64)
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
			return mcp.NewToolResultText("awake"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	s.mcp.AddTool(mcp.NewTool("fail"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("tool failed on purpose"), nil
	})
}

// handleServers registers each posted server and exposes a <name>_ping tool
// for it.
func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		MCPServers map[string]types.MCPServerConfig `json:"mcpServers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.posts++
	for name, cfg := range body.MCPServers {
		s.servers[name] = cfg
	}
	s.mu.Unlock()

	for name := range body.MCPServers {
		tool := name + "_ping"
		s.mcp.AddTool(mcp.NewTool(tool), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("pong from " + tool), nil
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Servers returns the MCP servers registered so far.
func (s *Server) Servers() map[string]types.MCPServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.MCPServerConfig, len(s.servers))
	for k, v := range s.servers {
		out[k] = v
	}
	return out
}

// ServerPosts returns how many registration requests were received.
func (s *Server) ServerPosts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts
}
