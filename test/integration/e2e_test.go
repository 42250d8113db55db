// Package integration provides end-to-end tests that run several server
// workers over real listeners against one shared state store.
package integration

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ajaxzhan/sandboxpool/internal/handle/handletest"
	"github.com/ajaxzhan/sandboxpool/internal/metrics"
	"github.com/ajaxzhan/sandboxpool/internal/portalloc"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner/mock"
	"github.com/ajaxzhan/sandboxpool/internal/registry"
	"github.com/ajaxzhan/sandboxpool/internal/server"
	"github.com/ajaxzhan/sandboxpool/internal/service"
	"github.com/ajaxzhan/sandboxpool/internal/statestore"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// worker is one server process in the test environment.
type worker struct {
	svc      *service.Service
	server   *server.Server
	httpAddr string
	conn     *grpc.ClientConn
	client   *server.SandboxPoolClient
}

// testEnv holds the test environment.
type testEnv struct {
	workers []*worker
	prov    *mock.Provisioner
	store   statestore.Store
}

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

// setupTestEnv starts n workers sharing a Redis-backed state store and one
// backend. Every unit points at the same in-process tool server.
func setupTestEnv(t *testing.T, n int) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	store := statestore.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "e2e")
	t.Cleanup(func() { store.Close() })

	tools := handletest.NewServer(t)
	prov := mock.New()
	prov.OnProvision = func(ctx context.Context, req *provisioner.Request) (types.Endpoint, error) {
		return tools.Endpoint(), nil
	}

	env := &testEnv{prov: prov, store: store}
	for i := 0; i < n; i++ {
		env.workers = append(env.workers, startWorker(t, store, prov))
	}
	return env
}

func startWorker(t *testing.T, store statestore.Store, prov *mock.Provisioner) *worker {
	t.Helper()

	reg, err := registry.FromConfig(nil, nil, "sandboxpool/base:latest")
	if err != nil {
		t.Fatalf("registry.FromConfig: %v", err)
	}
	ports, err := portalloc.New(store, 34000, 34100)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}
	m := metrics.New()
	svc, err := service.New(service.Config{
		AutoCleanup:      true,
		ProvisionTimeout: 10 * time.Second,
	}, service.Deps{
		Registry:    reg,
		Provisioner: prov,
		Store:       store,
		Ports:       ports,
		Metrics:     m,
	})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("service Start: %v", err)
	}

	grpcAddr, httpAddr := freeAddr(t), freeAddr(t)
	srv, err := server.New(&server.Config{GRPCAddr: grpcAddr, HTTPAddr: httpAddr}, svc, m.Handler())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	go func() {
		if err := srv.Start(ctx); err != nil {
			t.Logf("server stopped: %v", err)
		}
	}()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	waitServing(t, conn)

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		svc.Stop(context.Background())
		cancel()
	})
	return &worker{
		svc:      svc,
		server:   srv,
		httpAddr: httpAddr,
		conn:     conn,
		client:   server.NewSandboxPoolClient(conn),
	}
}

func waitServing(t *testing.T, conn *grpc.ClientConn) {
	t.Helper()
	hc := healthpb.NewHealthClient(conn)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{})
		cancel()
		if err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server never became healthy")
}

func request(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("structpb.NewStruct: %v", err)
	}
	return s
}

func firstUnitID(t *testing.T, resp *structpb.Struct) string {
	t.Helper()
	units := resp.Fields["units"].GetListValue().GetValues()
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	return units[0].GetStructValue().Fields["unit_id"].GetStringValue()
}

// TestFullWorkflow exercises the tenant lifecycle across workers:
// Connect -> Reconnect elsewhere -> Call tool -> Release -> Connect again
func TestFullWorkflow(t *testing.T) {
	env := setupTestEnv(t, 2)
	a, b := env.workers[0], env.workers[1]
	ctx := context.Background()
	tenant := map[string]any{"session_id": "s1", "user_id": "u1"}

	t.Log("Step 1: Connecting on worker A...")
	resp, err := a.client.Connect(ctx, request(t, map[string]any{
		"session_id": "s1", "user_id": "u1", "sandbox_types": []any{"base"},
	}))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	unitID := firstUnitID(t, resp)
	t.Logf("Bound unit: %s", unitID)

	t.Log("Step 2: Reconnecting on worker B...")
	resp, err = b.client.Connect(ctx, request(t, tenant))
	if err != nil {
		t.Fatalf("failed to reconnect: %v", err)
	}
	if got := firstUnitID(t, resp); got != unitID {
		t.Errorf("worker B bound %s, want %s", got, unitID)
	}

	t.Log("Step 3: Calling a tool through worker B...")
	out, err := b.client.CallTool(ctx, request(t, map[string]any{
		"session_id": "s1",
		"user_id":    "u1",
		"tool":       "run_shell_command",
		"arguments":  map[string]any{"command": "echo hi"},
	}))
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if text := out.Fields["text"].GetStringValue(); !strings.Contains(text, "hi") {
		t.Errorf("tool output = %q, want hi", text)
	}

	t.Log("Step 4: Releasing on worker A...")
	rel, err := a.client.Release(ctx, request(t, tenant))
	if err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	if !rel.Fields["released"].GetBoolValue() {
		t.Error("expected released=true")
	}

	t.Log("Step 5: Connecting again gets a fresh unit...")
	resp, err = b.client.Connect(ctx, request(t, tenant))
	if err != nil {
		t.Fatalf("failed to connect after release: %v", err)
	}
	if got := firstUnitID(t, resp); got == unitID {
		t.Errorf("connect after release reused %s", got)
	}

	if calls := env.prov.ProvisionCalls(); calls != 2 {
		t.Errorf("provision calls = %d, want 2", calls)
	}
}

// TestConcurrentConnectAcrossWorkers checks that simultaneous first
// connects for one tenant on different workers bind a single unit.
func TestConcurrentConnectAcrossWorkers(t *testing.T) {
	env := setupTestEnv(t, 3)
	env.prov.Delay = 100 * time.Millisecond
	ctx := context.Background()

	ids := make(chan string, len(env.workers))
	errs := make(chan error, len(env.workers))
	for _, w := range env.workers {
		go func(w *worker) {
			resp, err := w.client.Connect(ctx, request(t, map[string]any{"session_id": "s", "user_id": "u"}))
			if err != nil {
				errs <- err
				return
			}
			ids <- resp.Fields["units"].GetListValue().GetValues()[0].GetStructValue().Fields["unit_id"].GetStringValue()
		}(w)
	}

	seen := make(map[string]bool)
	for range env.workers {
		select {
		case id := <-ids:
			seen[id] = true
		case err := <-errs:
			t.Fatalf("connect failed: %v", err)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for connects")
		}
	}
	if len(seen) != 1 {
		t.Errorf("workers bound %d distinct units, want 1", len(seen))
	}
	if calls := env.prov.ProvisionCalls(); calls != 1 {
		t.Errorf("provision calls = %d, want 1", calls)
	}
}

// TestRESTGateway drives the same lifecycle over the HTTP gateway.
func TestRESTGateway(t *testing.T) {
	env := setupTestEnv(t, 1)
	base := "http://" + env.workers[0].httpAddr

	post := func(path, body string) map[string]any {
		t.Helper()
		resp, err := http.Post(base+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %s: status %d", path, resp.StatusCode)
		}
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		return out
	}

	out := post("/v1/connect", `{"session_id":"s1","user_id":"u1","sandbox_types":["base"]}`)
	if units, _ := out["units"].([]any); len(units) != 1 {
		t.Fatalf("units = %v", out["units"])
	}

	out = post("/v1/call_tool", `{"session_id":"s1","user_id":"u1","tool":"run_shell_command","arguments":{"command":"echo hi"}}`)
	if text, _ := out["text"].(string); !strings.Contains(text, "hi") {
		t.Errorf("text = %v, want hi", out["text"])
	}

	resp, err := http.Get(base + "/v1/units?type_name=base")
	if err != nil {
		t.Fatalf("GET /v1/units: %v", err)
	}
	var listed map[string]any
	json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()
	if units, _ := listed["units"].([]any); len(units) != 1 {
		t.Errorf("listed units = %v, want one", listed["units"])
	}

	out = post("/v1/release", `{"session_id":"s1","user_id":"u1"}`)
	if out["released"] != true {
		t.Errorf("released = %v", out["released"])
	}
}
