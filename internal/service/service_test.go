package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ajaxzhan/sandboxpool/internal/handle"
	"github.com/ajaxzhan/sandboxpool/internal/handle/handletest"
	"github.com/ajaxzhan/sandboxpool/internal/metrics"
	"github.com/ajaxzhan/sandboxpool/internal/portalloc"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner/mock"
	"github.com/ajaxzhan/sandboxpool/internal/registry"
	"github.com/ajaxzhan/sandboxpool/internal/statestore"
	"github.com/ajaxzhan/sandboxpool/internal/workspace"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

const (
	portLow  = 32000
	portHigh = 32100
)

type harness struct {
	svc   *Service
	prov  *mock.Provisioner
	store statestore.Store
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, p := range []types.SandboxProfile{
		{TypeName: "base", Image: "sandbox/base", DefaultTimeoutSeconds: 2, Tools: []string{"run_shell_command", "run_code"}},
		{TypeName: "browser", Image: "sandbox/browser", DefaultTimeoutSeconds: 2, Tools: []string{"browser_navigate"}},
	} {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register(%s): %v", p.TypeName, err)
		}
	}
	reg.Freeze()
	return reg
}

func testConfig() Config {
	return Config{
		PoolSize:         0,
		AutoCleanup:      true,
		IdleTTL:          time.Minute,
		ReapInterval:     time.Hour,
		WarmInterval:     50 * time.Millisecond,
		ProvisionTimeout: 5 * time.Second,
	}
}

// newWorker builds a Service on a shared store and provisioner, as one
// worker process of a multi-worker deployment would.
func newWorker(t *testing.T, cfg Config, store statestore.Store, prov *mock.Provisioner) *Service {
	t.Helper()
	ports, err := portalloc.New(store, portLow, portHigh)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}
	svc, err := New(cfg, Deps{
		Registry:    testRegistry(t),
		Provisioner: prov,
		Store:       store,
		Ports:       ports,
		Metrics:     metrics.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	store := statestore.NewMemoryStore()
	prov := mock.New()
	return &harness{svc: newWorker(t, cfg, store, prov), prov: prov, store: store}
}

func connect(t *testing.T, svc *Service, session, user string, typeNames ...string) []*handle.Handle {
	t.Helper()
	handles, err := svc.Connect(context.Background(), ConnectRequest{SessionID: session, UserID: user, SandboxTypes: typeNames})
	if err != nil {
		t.Fatalf("Connect(%s, %s, %v) failed: %v", session, user, typeNames, err)
	}
	return handles
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectReusesUnit(t *testing.T) {
	h := newHarness(t)

	first := connect(t, h.svc, "s1", "u1", "base")
	second := connect(t, h.svc, "s1", "u1", "base")

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("handles = %d, %d; want 1 each", len(first), len(second))
	}
	if first[0].UnitID() != second[0].UnitID() {
		t.Errorf("second connect got unit %s, want %s", second[0].UnitID(), first[0].UnitID())
	}
	if h.prov.ProvisionCalls() != 1 {
		t.Errorf("ProvisionCalls = %d, want 1", h.prov.ProvisionCalls())
	}

	other := connect(t, h.svc, "s1", "u2", "base")
	if other[0].UnitID() == first[0].UnitID() {
		t.Error("different tenants share a unit")
	}
}

func TestConnectReturnsHandlesInRequestOrder(t *testing.T) {
	h := newHarness(t)

	handles := connect(t, h.svc, "s1", "u1", "browser", "base", "browser")
	if len(handles) != 2 {
		t.Fatalf("handles = %d, want 2", len(handles))
	}
	if handles[0].TypeName() != "browser" || handles[1].TypeName() != "base" {
		t.Errorf("types = %s, %s; want browser, base", handles[0].TypeName(), handles[1].TypeName())
	}

	b, err := h.svc.Binding(context.Background(), "s1", "u1")
	if err != nil {
		t.Fatalf("Binding: %v", err)
	}
	if len(b.UnitIDs()) != 2 {
		t.Errorf("binding units = %v, want 2", b.UnitIDs())
	}
}

func TestConnectResolvesTypesFromTools(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handles, err := h.svc.Connect(ctx, ConnectRequest{
		SessionID: "s1", UserID: "u1",
		Tools: []types.ToolRef{{Name: "browser_navigate"}, {Name: "run_code"}, {Name: "custom", SandboxTypes: []string{"base"}}},
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if len(handles) != 2 || handles[0].TypeName() != "browser" || handles[1].TypeName() != "base" {
		t.Errorf("handles = %v", handles)
	}

	tests := []struct {
		name string
		req  ConnectRequest
		want error
	}{
		{"unknown tool", ConnectRequest{SessionID: "s", UserID: "u", Tools: []types.ToolRef{{Name: "teleport"}}}, types.ErrAmbiguousToolSource},
		{"multiple declared types", ConnectRequest{SessionID: "s", UserID: "u", Tools: []types.ToolRef{{Name: "x", SandboxTypes: []string{"base", "browser"}}}}, types.ErrAmbiguousToolSource},
		{"unknown type", ConnectRequest{SessionID: "s", UserID: "u", SandboxTypes: []string{"gpu"}}, types.ErrTypeNotFound},
		{"missing tenant", ConnectRequest{SandboxTypes: []string{"base"}}, types.ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.Connect(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Connect = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConnectDefaultsToBaseType(t *testing.T) {
	h := newHarness(t)
	handles := connect(t, h.svc, "s1", "u1")
	if len(handles) != 1 || handles[0].TypeName() != registry.BaseType {
		t.Errorf("handles = %v, want one base handle", handles)
	}
}

func TestConcurrentConnectProvisionsOnce(t *testing.T) {
	h := newHarness(t)
	h.prov.Delay = 100 * time.Millisecond

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles, err := h.svc.Connect(context.Background(), ConnectRequest{SessionID: "s1", UserID: "u1", SandboxTypes: []string{"base"}})
			if err != nil {
				t.Errorf("Connect failed: %v", err)
				return
			}
			ids[i] = handles[0].UnitID()
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent connects got different units: %v", ids)
		}
	}
	if h.prov.ProvisionCalls() != 1 {
		t.Errorf("ProvisionCalls = %d, want 1", h.prov.ProvisionCalls())
	}
}

func TestConcurrentConnectAcrossWorkers(t *testing.T) {
	store := statestore.NewMemoryStore()
	prov := mock.New()
	prov.Delay = 100 * time.Millisecond
	workers := []*Service{
		newWorker(t, testConfig(), store, prov),
		newWorker(t, testConfig(), store, prov),
		newWorker(t, testConfig(), store, prov),
	}

	const perWorker = 4
	ids := make(chan string, len(workers)*perWorker)
	var wg sync.WaitGroup
	for _, w := range workers {
		for i := 0; i < perWorker; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				handles, err := w.Connect(context.Background(), ConnectRequest{SessionID: "s1", UserID: "u1", SandboxTypes: []string{"base"}})
				if err != nil {
					t.Errorf("Connect failed: %v", err)
					return
				}
				ids <- handles[0].UnitID()
			}()
		}
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("workers handed out %d distinct units, want 1", len(seen))
	}
	if prov.ProvisionCalls() != 1 {
		t.Errorf("ProvisionCalls = %d, want 1", prov.ProvisionCalls())
	}
}

func TestConnectEvictsDeadUnit(t *testing.T) {
	h := newHarness(t)

	first := connect(t, h.svc, "s1", "u1", "base")[0].UnitID()
	h.prov.SetHealthy(first, false)

	second := connect(t, h.svc, "s1", "u1", "base")[0].UnitID()
	if second == first {
		t.Fatal("dead unit was reused")
	}
	if _, err := h.store.GetUnit(context.Background(), first); !errors.Is(err, types.ErrUnitNotFound) {
		t.Errorf("dead unit record = %v, want removed", err)
	}
	if h.prov.ProvisionCalls() != 2 {
		t.Errorf("ProvisionCalls = %d, want 2", h.prov.ProvisionCalls())
	}
}

func TestConnectSurfacesProvisionError(t *testing.T) {
	h := newHarness(t)
	h.prov.OnProvision = func(ctx context.Context, req *provisioner.Request) (types.Endpoint, error) {
		return types.Endpoint{}, &types.ProvisionError{TypeName: req.Profile.TypeName, UnitID: req.UnitID, Reason: types.ReasonQuota, Err: errors.New("quota exceeded")}
	}
	ctx := context.Background()

	_, err := h.svc.Connect(ctx, ConnectRequest{SessionID: "s1", UserID: "u1", SandboxTypes: []string{"base"}})
	var perr *types.ProvisionError
	if !errors.As(err, &perr) || perr.Reason != types.ReasonQuota {
		t.Fatalf("Connect = %v, want quota ProvisionError", err)
	}
	if _, err := h.store.GetBinding(ctx, types.TenantKey{SessionID: "s1", UserID: "u1"}); !errors.Is(err, types.ErrBindingNotFound) {
		t.Errorf("failed connect left a binding: %v", err)
	}

	h.prov.OnProvision = nil
	if _, err := h.svc.Connect(ctx, ConnectRequest{SessionID: "s1", UserID: "u1", SandboxTypes: []string{"base"}}); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestConnectCallerTimeoutKeepsUnit(t *testing.T) {
	h := newHarness(t)
	h.prov.Delay = 300 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.svc.Connect(ctx, ConnectRequest{SessionID: "s1", UserID: "u1", SandboxTypes: []string{"base"}})
	if !errors.Is(err, types.ErrStartupTimeout) || !errors.Is(err, types.ErrProvision) {
		t.Fatalf("Connect = %v, want timeout ProvisionError", err)
	}

	key := types.TenantKey{SessionID: "s1", UserID: "u1"}
	var unitID string
	eventually(t, "late unit recorded in binding", func() bool {
		b, err := h.store.GetBinding(context.Background(), key)
		if err != nil {
			return false
		}
		unitID = b.Units["base"].UnitID
		return unitID != ""
	})

	handles := connect(t, h.svc, "s1", "u1", "base")
	if handles[0].UnitID() != unitID {
		t.Errorf("retry got unit %s, want late unit %s", handles[0].UnitID(), unitID)
	}
	if h.prov.ProvisionCalls() != 1 {
		t.Errorf("ProvisionCalls = %d, want 1", h.prov.ProvisionCalls())
	}
}

func TestStaleClaimTakeover(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ProvisionTimeout = time.Second })
	ctx := context.Background()
	key := types.TenantKey{SessionID: "s1", UserID: "u1"}

	b := types.NewTenantBinding(key)
	b.LastUsedAt = time.Now()
	b.Units["base"] = types.BoundUnit{ClaimToken: "dead-worker", ClaimedAt: time.Now().Add(-time.Hour)}
	if _, err := h.store.CompareAndSwapBinding(ctx, b, 0); err != nil {
		t.Fatalf("seed binding: %v", err)
	}

	handles := connect(t, h.svc, "s1", "u1", "base")
	stored, _ := h.store.GetBinding(ctx, key)
	if stored.Units["base"].UnitID != handles[0].UnitID() {
		t.Errorf("binding = %+v, want unit %s", stored.Units, handles[0].UnitID())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if !h.svc.Release(ctx, "nobody", "nowhere") {
		t.Error("Release of unknown tenant = false, want true")
	}

	connect(t, h.svc, "s1", "u1", "base", "browser")
	for i := 0; i < 3; i++ {
		if !h.svc.Release(ctx, "s1", "u1") {
			t.Errorf("Release #%d = false, want true", i+1)
		}
	}
	if _, err := h.svc.Binding(ctx, "s1", "u1"); !errors.Is(err, types.ErrBindingNotFound) {
		t.Errorf("binding after release: %v", err)
	}
	// Units that served a tenant are retired.
	if live := h.prov.Live(); len(live) != 0 {
		t.Errorf("live units = %v, want none", live)
	}
}

func TestReleaseRetiresTenantUnits(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PoolSize = 2 })
	ctx := context.Background()
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p, _ := h.svc.Pool("base")
	eventually(t, "base pool warm", func() bool {
		n, _ := p.ReadyLen(ctx)
		return n == 2
	})

	id := connect(t, h.svc, "s1", "u1", "base")[0].UnitID()
	if !h.svc.Release(ctx, "s1", "u1") {
		t.Fatal("Release = false")
	}

	if _, err := h.store.GetUnit(ctx, id); !errors.Is(err, types.ErrUnitNotFound) {
		t.Errorf("released unit still recorded: %v", err)
	}
	for _, live := range h.prov.Live() {
		if live == id {
			t.Errorf("released unit %s still running", id)
		}
	}
	eventually(t, "base pool refilled", func() bool {
		n, _ := p.ReadyLen(ctx)
		return n == 2
	})
	ready, _ := h.store.ListReady(ctx, "base")
	for _, r := range ready {
		if r == id {
			t.Errorf("released unit %s requeued", id)
		}
	}

	if next := connect(t, h.svc, "s1", "u1", "base")[0].UnitID(); next == id {
		t.Error("connect after release returned the released unit")
	}
}

func TestReleasedWorkspaceNotSeenByNextTenant(t *testing.T) {
	store := statestore.NewMemoryStore()
	prov := mock.New()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	ports, err := portalloc.New(store, portLow, portHigh)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}
	cfg := testConfig()
	cfg.PoolSize = 1
	svc, err := New(cfg, Deps{
		Registry:    testRegistry(t),
		Provisioner: prov,
		Store:       store,
		Ports:       ports,
		Workspaces:  ws,
		Metrics:     metrics.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Stop(context.Background()) })
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	alice := connect(t, svc, "alice", "a", "base")[0].Unit()
	if alice.MountPath == "" {
		t.Fatal("unit has no workspace")
	}
	if err := os.WriteFile(filepath.Join(alice.MountPath, "secret.txt"), []byte("alice-secret"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	svc.Release(ctx, "alice", "a")

	if _, err := os.Stat(alice.MountPath); !os.IsNotExist(err) {
		t.Errorf("released workspace still present: %v", err)
	}

	bob := connect(t, svc, "bob", "b", "base")[0].Unit()
	if bob.ID == alice.ID {
		t.Fatalf("bob got alice's unit %s", alice.ID)
	}
	if _, err := os.Stat(filepath.Join(bob.MountPath, "secret.txt")); !os.IsNotExist(err) {
		t.Errorf("bob sees alice's file: %v", err)
	}
}

func TestLeasedPortsDistinctAndInRange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Connect(ctx, ConnectRequest{SessionID: fmt.Sprintf("s%d", i), UserID: "u", SandboxTypes: []string{"base"}}); err != nil {
				t.Errorf("Connect failed: %v", err)
			}
		}()
	}
	wg.Wait()

	leases, err := h.store.ListPorts(ctx)
	if err != nil {
		t.Fatalf("ListPorts: %v", err)
	}
	if len(leases) != 20 {
		t.Errorf("leases = %d, want 20", len(leases))
	}
	seen := map[int]bool{}
	for _, l := range leases {
		if l.Port < portLow || l.Port >= portHigh {
			t.Errorf("port %d outside [%d, %d)", l.Port, portLow, portHigh)
		}
		if seen[l.Port] {
			t.Errorf("port %d leased twice", l.Port)
		}
		seen[l.Port] = true
	}
}

func TestReaperReleasesIdleBindings(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.IdleTTL = 100 * time.Millisecond
		c.PoolSize = 1
	})
	ctx := context.Background()

	idle := connect(t, h.svc, "s1", "u1", "base")[0].UnitID()
	time.Sleep(150 * time.Millisecond)
	connect(t, h.svc, "s2", "u2", "base")

	if n := h.svc.Reap(ctx); n != 1 {
		t.Fatalf("Reap released %d bindings, want 1", n)
	}
	if _, err := h.svc.Binding(ctx, "s1", "u1"); !errors.Is(err, types.ErrBindingNotFound) {
		t.Errorf("idle binding still present: %v", err)
	}
	if _, err := h.svc.Binding(ctx, "s2", "u2"); err != nil {
		t.Errorf("fresh binding reaped: %v", err)
	}

	fresh := connect(t, h.svc, "s1", "u1", "base")[0].UnitID()
	if fresh == idle {
		t.Error("connect after reaping returned the stale unit")
	}
}

func TestReaperRunsInBackground(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.IdleTTL = 50 * time.Millisecond
		c.ReapInterval = 20 * time.Millisecond
	})
	ctx := context.Background()
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	connect(t, h.svc, "s1", "u1", "base")
	eventually(t, "idle binding reaped", func() bool {
		_, err := h.svc.Binding(ctx, "s1", "u1")
		return errors.Is(err, types.ErrBindingNotFound)
	})
}

func TestReaperSkipsPendingClaims(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.IdleTTL = time.Millisecond })
	ctx := context.Background()
	key := types.TenantKey{SessionID: "s1", UserID: "u1"}

	b := types.NewTenantBinding(key)
	b.LastUsedAt = time.Now().Add(-time.Hour)
	b.Units["base"] = types.BoundUnit{ClaimToken: "in-flight", ClaimedAt: time.Now()}
	if _, err := h.store.CompareAndSwapBinding(ctx, b, 0); err != nil {
		t.Fatalf("seed binding: %v", err)
	}

	if n := h.svc.Reap(ctx); n != 0 {
		t.Errorf("Reap released %d bindings, want 0", n)
	}
}

func TestStartWarmsPools(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PoolSize = 2 })
	ctx := context.Background()
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, typeName := range []string{"base", "browser"} {
		p, err := h.svc.Pool(typeName)
		if err != nil {
			t.Fatalf("Pool(%s): %v", typeName, err)
		}
		eventually(t, typeName+" pool warm", func() bool {
			n, _ := p.ReadyLen(ctx)
			return n == 2
		})
	}

	// A warm pool serves the first connect without provisioning.
	before := h.prov.ProvisionCalls()
	connect(t, h.svc, "s1", "u1", "base")
	if got := h.prov.ProvisionCalls(); got > before+1 {
		t.Errorf("ProvisionCalls went from %d to %d", before, got)
	}
}

func TestStopDestroysEverything(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PoolSize = 1 })
	ctx := context.Background()
	h.svc.Start(ctx)
	connect(t, h.svc, "s1", "u1", "base")

	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	bindings, _ := h.store.ListBindings(ctx)
	if len(bindings) != 0 {
		t.Errorf("bindings after stop = %d", len(bindings))
	}
	// A top-up cut short by Stop is torn down asynchronously.
	eventually(t, "all units destroyed", func() bool {
		return len(h.prov.Live()) == 0
	})
	eventually(t, "all ports released", func() bool {
		leases, _ := h.store.ListPorts(ctx)
		return len(leases) == 0
	})

	if _, err := h.svc.Connect(ctx, ConnectRequest{SessionID: "s1", UserID: "u1"}); !errors.Is(err, types.ErrServiceStopped) {
		t.Errorf("Connect after Stop = %v, want ErrServiceStopped", err)
	}
	if err := h.svc.Start(ctx); !errors.Is(err, types.ErrServiceStopped) {
		t.Errorf("Start after Stop = %v, want ErrServiceStopped", err)
	}
}

func TestStopWithoutCleanupLeavesUnits(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoCleanup = false })
	ctx := context.Background()
	connect(t, h.svc, "s1", "u1", "base")

	h.svc.Stop(ctx)
	if live := h.prov.Live(); len(live) != 1 {
		t.Errorf("live units = %v, want 1", live)
	}
}

func TestStopWaitsForAbandonedProvisioning(t *testing.T) {
	h := newHarness(t)
	h.prov.Delay = 300 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.svc.Connect(ctx, ConnectRequest{SessionID: "s1", UserID: "u1", SandboxTypes: []string{"base"}})
	if !errors.Is(err, types.ErrStartupTimeout) {
		t.Fatalf("Connect = %v, want ErrStartupTimeout", err)
	}

	if err := h.svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if live := h.prov.Live(); len(live) != 0 {
		t.Errorf("live units after stop = %v", live)
	}
	units, _ := h.store.ListUnits(context.Background())
	if len(units) != 0 {
		t.Errorf("unit records after stop = %d", len(units))
	}
	bindings, _ := h.store.ListBindings(context.Background())
	if len(bindings) != 0 {
		t.Errorf("bindings after stop = %d", len(bindings))
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if !h.svc.Health(ctx) {
		t.Error("Health = false, want true")
	}
	h.prov.SetPingError(errors.New("docker daemon down"))
	if h.svc.Health(ctx) {
		t.Error("Health with failing provisioner = true")
	}
	h.prov.SetPingError(nil)
	h.store.Close()
	if h.svc.Health(ctx) {
		t.Error("Health with closed store = true")
	}
}

func TestWithSandboxesAlwaysReleases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	boom := errors.New("agent crashed")

	err := h.svc.WithSandboxes(ctx, ConnectRequest{SessionID: "s1", UserID: "u1", SandboxTypes: []string{"base"}},
		func(handles []*handle.Handle) error {
			if len(handles) != 1 {
				t.Errorf("handles = %d, want 1", len(handles))
			}
			return boom
		})
	if !errors.Is(err, boom) {
		t.Errorf("WithSandboxes = %v, want %v", err, boom)
	}
	if _, err := h.svc.Binding(ctx, "s1", "u1"); !errors.Is(err, types.ErrBindingNotFound) {
		t.Errorf("binding after WithSandboxes: %v", err)
	}
}

// TestEchoScenario walks through a tenant's whole life against a real tool
// server.
func TestEchoScenario(t *testing.T) {
	srv := handletest.NewServer(t)
	h := newHarness(t, func(c *Config) { c.PoolSize = 1 })
	h.prov.OnProvision = func(ctx context.Context, req *provisioner.Request) (types.Endpoint, error) {
		return srv.Endpoint(), nil
	}
	ctx := context.Background()

	handles := connect(t, h.svc, "s1", "u1", "base")
	if len(handles) != 1 {
		t.Fatalf("handles = %d, want 1", len(handles))
	}
	first := handles[0].UnitID()

	res, err := handles[0].CallTool(ctx, "run_shell_command", map[string]any{"command": "echo hi"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if !strings.Contains(res.Text, "hi") {
		t.Errorf("result = %q, want to contain hi", res.Text)
	}

	if again := connect(t, h.svc, "s1", "u1", "base")[0].UnitID(); again != first {
		t.Errorf("reconnect got %s, want %s", again, first)
	}

	via, err := h.svc.CallTool(ctx, "s1", "u1", "run_shell_command", map[string]any{"command": "echo again"})
	if err != nil || !strings.Contains(via.Text, "again") {
		t.Errorf("Service.CallTool = %+v, %v", via, err)
	}

	if !h.svc.Release(ctx, "s1", "u1") {
		t.Fatal("Release = false")
	}
	if next := connect(t, h.svc, "s1", "u1", "base")[0].UnitID(); next == first {
		t.Error("connect after release returned the released unit")
	}
}

func TestKeyedMutexDropsIdleKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Lock("a")()
	}()
	if k.len() != 1 {
		t.Errorf("len = %d, want 1", k.len())
	}
	unlock()
	<-done
	if k.len() != 0 {
		t.Errorf("len after unlock = %d, want 0", k.len())
	}
}
