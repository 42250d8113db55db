// Package service implements the sandbox service: tenants connect to get
// handles on units of the sandbox types they need, and release them when
// done. Idle tenants are reclaimed by a background reaper.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ajaxzhan/sandboxpool/internal/config"
	"github.com/ajaxzhan/sandboxpool/internal/handle"
	"github.com/ajaxzhan/sandboxpool/internal/logging"
	"github.com/ajaxzhan/sandboxpool/internal/metrics"
	"github.com/ajaxzhan/sandboxpool/internal/pool"
	"github.com/ajaxzhan/sandboxpool/internal/portalloc"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner"
	"github.com/ajaxzhan/sandboxpool/internal/registry"
	"github.com/ajaxzhan/sandboxpool/internal/statestore"
	"github.com/ajaxzhan/sandboxpool/internal/workspace"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

const healthTimeout = 2 * time.Second

// Config holds the service's tunables.
type Config struct {
	PoolSize         int
	AutoCleanup      bool
	IdleTTL          time.Duration
	ReapInterval     time.Duration
	WarmInterval     time.Duration
	ProvisionTimeout time.Duration

	// Token is sent to every unit's control channel.
	Token string

	// CallTimeout bounds tool calls made through handles.
	CallTimeout time.Duration

	// Env is passed to every unit.
	Env map[string]string
}

// ConfigFrom derives the service configuration from the server config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		PoolSize:         cfg.Pool.Size,
		AutoCleanup:      cfg.Pool.AutoCleanup,
		IdleTTL:          cfg.Pool.GetIdleTTL(),
		ReapInterval:     cfg.Pool.GetReapInterval(),
		WarmInterval:     cfg.Pool.GetWarmInterval(),
		ProvisionTimeout: cfg.Pool.GetProvisionTimeout(),
		Token:            cfg.Server.Token,
		Env:              cfg.Storage.Env(),
	}
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	Registry    *registry.Registry
	Provisioner provisioner.Provisioner
	Store       statestore.Store
	Ports       *portalloc.Allocator

	// Workspaces is nil for backends without host workspaces.
	Workspaces *workspace.Manager
	Metrics    *metrics.Metrics
}

// Service is the public entry point for tenants.
type Service struct {
	cfg      Config
	registry *registry.Registry
	prov     provisioner.Provisioner
	store    statestore.Store
	metrics  *metrics.Metrics
	pools    map[string]*pool.Pool

	tenants *keyedMutex
	health  singleflight.Group

	handlesMu sync.Mutex
	handles   map[string]*handle.Handle

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	fulfils sync.WaitGroup
}

// New creates a Service with one pool per registered sandbox type.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if deps.Provisioner == nil {
		return nil, errors.New("provisioner is required")
	}
	if deps.Store == nil {
		return nil, errors.New("state store is required")
	}
	if deps.Ports == nil {
		return nil, errors.New("port allocator is required")
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 2 * time.Minute
	}

	s := &Service{
		cfg:      cfg,
		registry: deps.Registry,
		prov:     deps.Provisioner,
		store:    deps.Store,
		metrics:  deps.Metrics,
		pools:    make(map[string]*pool.Pool),
		tenants:  newKeyedMutex(),
		handles:  make(map[string]*handle.Handle),
	}
	for _, name := range deps.Registry.Types() {
		profile, err := deps.Registry.Resolve(name)
		if err != nil {
			return nil, err
		}
		p, err := pool.New(pool.Options{
			Profile:          profile,
			Provisioner:      deps.Provisioner,
			Store:            deps.Store,
			Ports:            deps.Ports,
			Workspaces:       deps.Workspaces,
			Metrics:          deps.Metrics,
			Size:             cfg.PoolSize,
			WarmInterval:     cfg.WarmInterval,
			ProvisionTimeout: cfg.ProvisionTimeout,
			Env:              cfg.Env,
		})
		if err != nil {
			return nil, fmt.Errorf("create pool %s: %w", name, err)
		}
		s.pools[name] = p
	}
	return s, nil
}

// Pool returns the pool of a sandbox type.
func (s *Service) Pool(typeName string) (*pool.Pool, error) {
	p, ok := s.pools[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrTypeNotFound, typeName)
	}
	return p, nil
}

// Start begins warming every pool and starts the idle reaper. It returns
// immediately; pools fill in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return types.ErrServiceStopped
	}
	if s.started {
		return nil
	}
	s.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	for name, p := range s.pools {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			logging.Info("Starting pool warmer", logging.String("type", name), logging.Int("size", p.Size()))
			p.Run(runCtx)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runReaper(runCtx)
	}()

	logging.Info("Sandbox service started",
		logging.Strings("types", s.registry.Types()),
		logging.String("backend", string(s.prov.Kind())))
	return nil
}

// Stop halts the warmers and the reaper and waits, bounded by ctx, for
// acquisitions whose callers gave up. With auto cleanup enabled every
// recorded unit is destroyed, whichever worker allocated it, and all tenant
// bindings are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.waitFulfils(ctx)
	s.closeHandles()

	if !s.cfg.AutoCleanup {
		logging.Info("Sandbox service stopped, leaving units running")
		return nil
	}

	bindings, err := s.store.ListBindings(ctx)
	if err != nil {
		logging.Warn("Failed to list bindings during cleanup", logging.Err(err))
	}
	for _, b := range bindings {
		if err := s.store.DeleteBinding(ctx, b.Key, b.Version); err != nil && !errors.Is(err, types.ErrBindingNotFound) {
			logging.Warn("Failed to delete binding during cleanup",
				logging.Tenant(b.Key.SessionID, b.Key.UserID), logging.Err(err))
		}
	}

	var g errgroup.Group
	for name, p := range s.pools {
		g.Go(func() error {
			if err := p.DestroyAll(ctx); err != nil {
				logging.Warn("Failed to destroy pool units", logging.String("type", name), logging.Err(err))
			}
			return nil
		})
	}
	g.Wait()
	logging.Info("Sandbox service stopped, units destroyed")
	return nil
}

// trackFulfil registers an in-flight acquisition with Stop. It reports false
// once the service is stopping.
func (s *Service) trackFulfil() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.fulfils.Add(1)
	return true
}

// waitFulfils blocks until in-flight acquisitions have committed or handed
// their unit back, or ctx is done.
func (s *Service) waitFulfils(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.fulfils.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("Stopped waiting for in-flight provisioning", logging.Err(ctx.Err()))
	}
}

func (s *Service) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Health reports whether both the backend and the state store are
// reachable. Concurrent callers share one probe.
func (s *Service) Health(ctx context.Context) bool {
	v, _, _ := s.health.Do("health", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healthTimeout)
		defer cancel()

		var g errgroup.Group
		g.Go(func() error {
			if err := s.prov.Ping(ctx); err != nil {
				return fmt.Errorf("provisioner: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			if err := s.store.Ping(ctx); err != nil {
				return fmt.Errorf("state store: %w", err)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			logging.Warn("Health check failed", logging.Err(err))
			return false, nil
		}
		return true, nil
	})
	return v.(bool)
}

// Units returns every recorded unit.
func (s *Service) Units(ctx context.Context) ([]*types.Unit, error) {
	return s.store.ListUnits(ctx)
}

// Binding returns the tenant binding of a session and user.
func (s *Service) Binding(ctx context.Context, sessionID, userID string) (*types.TenantBinding, error) {
	return s.store.GetBinding(ctx, types.TenantKey{SessionID: sessionID, UserID: userID})
}

func (s *Service) handleFor(unit *types.Unit) *handle.Handle {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	if h, ok := s.handles[unit.ID]; ok {
		return h
	}
	h := handle.New(unit, handle.Options{Token: s.cfg.Token, CallTimeout: s.cfg.CallTimeout})
	s.handles[unit.ID] = h
	return h
}

func (s *Service) dropHandle(unitID string) {
	s.handlesMu.Lock()
	h, ok := s.handles[unitID]
	delete(s.handles, unitID)
	s.handlesMu.Unlock()
	if ok {
		h.Close()
	}
}

func (s *Service) closeHandles() {
	s.handlesMu.Lock()
	handles := s.handles
	s.handles = make(map[string]*handle.Handle)
	s.handlesMu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}
