// Package pool keeps a pre-warmed queue of ready units for one sandbox type
// and hands units out to tenants.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajaxzhan/sandboxpool/internal/logging"
	"github.com/ajaxzhan/sandboxpool/internal/metrics"
	"github.com/ajaxzhan/sandboxpool/internal/portalloc"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner"
	"github.com/ajaxzhan/sandboxpool/internal/statestore"
	"github.com/ajaxzhan/sandboxpool/internal/workspace"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

const (
	defaultWarmInterval     = 10 * time.Second
	defaultProvisionTimeout = 2 * time.Minute
	livenessTimeout         = 5 * time.Second
	warmConcurrency         = 4
)

// Options configures a Pool.
type Options struct {
	Profile     *types.SandboxProfile
	Provisioner provisioner.Provisioner
	Store       statestore.Store
	Ports       *portalloc.Allocator

	// Workspaces is nil for backends that bring their own storage.
	Workspaces *workspace.Manager
	Metrics    *metrics.Metrics

	// Size is the number of ready units the warmer keeps queued. It does not
	// bound how many units Acquire may create.
	Size             int
	WarmInterval     time.Duration
	ProvisionTimeout time.Duration

	// Env is passed to every unit on top of the profile environment.
	Env map[string]string
}

// Pool manages the units of one sandbox type.
type Pool struct {
	profile    *types.SandboxProfile
	prov       provisioner.Provisioner
	store      statestore.Store
	ports      *portalloc.Allocator
	workspaces *workspace.Manager
	metrics    *metrics.Metrics

	size             int
	warmInterval     time.Duration
	provisionTimeout time.Duration
	env              map[string]string

	kick chan struct{}

	mu        sync.Mutex
	allocated map[string]struct{}
}

// New creates a Pool. The warmer does not run until Run is called.
func New(opts Options) (*Pool, error) {
	if opts.Profile == nil {
		return nil, errors.New("profile is required")
	}
	if opts.Provisioner == nil {
		return nil, errors.New("provisioner is required")
	}
	if opts.Store == nil {
		return nil, errors.New("state store is required")
	}
	if opts.Ports == nil {
		return nil, errors.New("port allocator is required")
	}
	if opts.Size < 0 {
		return nil, &types.ConfigError{Field: "pool.size", Reason: "must not be negative"}
	}
	p := &Pool{
		profile:          opts.Profile,
		prov:             opts.Provisioner,
		store:            opts.Store,
		ports:            opts.Ports,
		workspaces:       opts.Workspaces,
		metrics:          opts.Metrics,
		size:             opts.Size,
		warmInterval:     opts.WarmInterval,
		provisionTimeout: opts.ProvisionTimeout,
		env:              opts.Env,
		kick:             make(chan struct{}, 1),
		allocated:        make(map[string]struct{}),
	}
	if p.warmInterval <= 0 {
		p.warmInterval = defaultWarmInterval
	}
	if p.provisionTimeout <= 0 {
		p.provisionTimeout = defaultProvisionTimeout
	}
	return p, nil
}

// TypeName returns the sandbox type this pool serves.
func (p *Pool) TypeName() string {
	return p.profile.TypeName
}

// Size returns the pre-warm target.
func (p *Pool) Size() int {
	return p.size
}

// Acquire hands out a healthy unit, taking the oldest ready unit when one is
// queued and provisioning a new one otherwise. The returned unit is recorded
// as allocated in the store.
func (p *Pool) Acquire(ctx context.Context) (*types.Unit, error) {
	for {
		unit, err := p.popReady(ctx)
		if err != nil {
			return nil, err
		}
		if unit == nil {
			break
		}
		if err := p.probe(ctx, unit); err != nil {
			logging.Warn("Ready unit failed liveness check, retiring",
				logging.Unit(unit.ID, unit.TypeName), logging.Err(err))
			p.Retire(ctx, unit)
			continue
		}
		if err := p.markAllocated(ctx, unit); err != nil {
			return nil, err
		}
		p.signal()
		return unit, nil
	}

	unit, err := p.provision(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.markAllocated(ctx, unit); err != nil {
		p.Retire(ctx, unit)
		return nil, err
	}
	return unit, nil
}

// popReady pops ready unit IDs until one with a live record is found. It
// returns nil when the queue is empty.
func (p *Pool) popReady(ctx context.Context) (*types.Unit, error) {
	defer p.updateReadyGauge(ctx)
	for {
		id, ok, err := p.store.PopReady(ctx, p.profile.TypeName)
		if err != nil {
			return nil, fmt.Errorf("pop ready unit: %w", err)
		}
		if !ok {
			return nil, nil
		}
		unit, err := p.store.GetUnit(ctx, id)
		if errors.Is(err, types.ErrUnitNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return unit, nil
	}
}

func (p *Pool) markAllocated(ctx context.Context, unit *types.Unit) error {
	unit.State = types.UnitAllocated
	if err := p.store.PutUnit(ctx, unit); err != nil {
		return fmt.Errorf("record allocated unit: %w", err)
	}
	p.mu.Lock()
	p.allocated[unit.ID] = struct{}{}
	p.mu.Unlock()
	p.metrics.AddAllocated(unit.TypeName, 1)
	return nil
}

func (p *Pool) forget(unitID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.allocated[unitID]; !ok {
		return false
	}
	delete(p.allocated, unitID)
	p.metrics.AddAllocated(p.profile.TypeName, -1)
	return true
}

// Check runs a bounded liveness probe against a unit.
func (p *Pool) Check(ctx context.Context, unit *types.Unit) error {
	return p.probe(ctx, unit)
}

func (p *Pool) probe(ctx context.Context, unit *types.Unit) error {
	ctx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()
	return p.prov.Healthcheck(ctx, unit)
}

// provision creates a new unit and waits until it is healthy. The unit
// record is written before the backend is called so any worker can find and
// clean up a unit whose creator died.
func (p *Pool) provision(ctx context.Context) (*types.Unit, error) {
	started := time.Now()
	unit, err := p.provisionUnit(ctx)
	p.metrics.ObserveProvision(p.profile.TypeName, started, err)
	return unit, err
}

func (p *Pool) provisionUnit(ctx context.Context) (*types.Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, p.provisionTimeout)
	defer cancel()

	unit := &types.Unit{
		ID:        NewUnitID(),
		TypeName:  p.profile.TypeName,
		Backend:   p.prov.Kind(),
		CreatedAt: time.Now().UTC(),
		State:     types.UnitProvisioning,
	}
	log := logging.L().With(logging.Unit(unit.ID, unit.TypeName))

	lease, err := p.ports.Allocate(ctx, unit.ID)
	if err != nil {
		return nil, err
	}
	unit.Port = lease.Port

	if p.workspaces != nil {
		dir, err := p.workspaces.Prepare(unit.ID)
		if err != nil {
			p.cleanup(ctx, unit)
			return nil, provisioner.Classify(err, unit.TypeName, unit.ID, types.ReasonBackend)
		}
		unit.MountPath = dir
	}

	if err := p.store.PutUnit(ctx, unit); err != nil {
		p.cleanup(ctx, unit)
		return nil, fmt.Errorf("record unit: %w", err)
	}

	log.Info("Provisioning unit", logging.Int("port", unit.Port), logging.String("backend", string(unit.Backend)))
	ep, err := p.prov.Provision(ctx, &provisioner.Request{
		Profile:   p.profile,
		UnitID:    unit.ID,
		HostPort:  unit.Port,
		MountPath: unit.MountPath,
		Env:       p.env,
	})
	if err != nil {
		p.cleanup(ctx, unit)
		return nil, provisioner.Classify(err, unit.TypeName, unit.ID, types.ReasonBackend)
	}
	unit.Endpoint = ep

	if err := provisioner.WaitHealthy(ctx, p.prov, unit, p.profile.StartupTimeout()); err != nil {
		p.cleanup(ctx, unit)
		return nil, provisioner.Classify(err, unit.TypeName, unit.ID, types.ReasonTimeout)
	}

	unit.State = types.UnitReady
	if err := p.store.PutUnit(ctx, unit); err != nil {
		p.cleanup(ctx, unit)
		return nil, fmt.Errorf("record unit: %w", err)
	}
	log.Info("Unit ready", logging.String("endpoint", ep.URL()))
	return unit, nil
}

// cleanup tears down a half-created unit without blocking the caller.
func (p *Pool) cleanup(ctx context.Context, unit *types.Unit) {
	ctx = context.WithoutCancel(ctx)
	go p.teardown(ctx, unit)
}

// Bind records that unit now serves tenant. From then on ReleaseToPool
// retires it instead of requeueing it.
func (p *Pool) Bind(ctx context.Context, unit *types.Unit, tenant string) error {
	unit.Tenant = tenant
	if err := p.store.PutUnit(ctx, unit); err != nil {
		return fmt.Errorf("record unit tenant: %w", err)
	}
	return nil
}

// ReleaseToPool returns an allocated unit. A unit bound to a tenant carries
// that tenant's files and process state, so it is retired and the warmer
// replaces it with a fresh one. An unbound live unit goes back on the ready
// queue while the queue is below the pre-warm target; any other unit is
// retired.
func (p *Pool) ReleaseToPool(ctx context.Context, unit *types.Unit) {
	p.forget(unit.ID)

	if unit.Tenant != "" {
		logging.Debug("Retiring unit released by its tenant",
			logging.Unit(unit.ID, unit.TypeName), logging.String("tenant", unit.Tenant))
		p.Retire(ctx, unit)
		return
	}

	if err := p.probe(ctx, unit); err != nil {
		logging.Info("Released unit is not live, retiring",
			logging.Unit(unit.ID, unit.TypeName), logging.Err(err))
		p.Retire(ctx, unit)
		return
	}

	n, err := p.store.ReadyLen(ctx, p.profile.TypeName)
	if err != nil || n >= p.size {
		p.Retire(ctx, unit)
		return
	}

	unit.State = types.UnitReady
	if err := p.store.PutUnit(ctx, unit); err != nil {
		logging.Warn("Failed to record released unit, retiring", logging.Unit(unit.ID, unit.TypeName), logging.Err(err))
		p.Retire(ctx, unit)
		return
	}
	if err := p.store.PushReady(ctx, p.profile.TypeName, unit.ID); err != nil {
		logging.Warn("Failed to requeue unit, retiring", logging.Unit(unit.ID, unit.TypeName), logging.Err(err))
		p.Retire(ctx, unit)
		return
	}
	p.updateReadyGauge(ctx)
	logging.Debug("Unit returned to pool", logging.Unit(unit.ID, unit.TypeName))
}

// Retire destroys a unit and frees everything it holds. Failures are logged,
// never returned.
func (p *Pool) Retire(ctx context.Context, unit *types.Unit) {
	p.forget(unit.ID)
	p.teardown(context.WithoutCancel(ctx), unit)
	p.signal()
}

func (p *Pool) teardown(ctx context.Context, unit *types.Unit) {
	log := logging.L().With(logging.Unit(unit.ID, unit.TypeName))

	if err := p.store.RemoveReady(ctx, unit.TypeName, unit.ID); err != nil {
		log.Warn("Failed to remove unit from ready queue", logging.Err(err))
	}
	if unit.State != types.UnitProvisioning {
		unit.State = types.UnitDraining
		if err := p.store.PutUnit(ctx, unit); err != nil {
			log.Warn("Failed to mark unit draining", logging.Err(err))
		}
	}

	destroyCtx, cancel := context.WithTimeout(ctx, p.provisionTimeout)
	err := p.prov.Destroy(destroyCtx, unit)
	cancel()
	p.metrics.ObserveDestroy(unit.TypeName, err)
	if err != nil {
		log.Error("Failed to destroy unit", logging.Err(err))
	}

	if unit.Port > 0 {
		if err := p.ports.Release(ctx, unit.Port); err != nil {
			log.Warn("Failed to release port", logging.Int("port", unit.Port), logging.Err(err))
		}
	}
	if p.workspaces != nil && unit.MountPath != "" {
		if err := p.workspaces.Remove(unit.ID); err != nil {
			log.Warn("Failed to remove workspace", logging.Err(err))
		}
	}
	if err := p.store.DeleteUnit(ctx, unit.ID); err != nil {
		log.Warn("Failed to delete unit record", logging.Err(err))
	}
	unit.State = types.UnitDestroyed
	p.updateReadyGauge(ctx)
	log.Info("Unit destroyed")
}

// DestroyAll drains the ready queue and destroys every recorded unit of this
// type, including units allocated by other workers.
func (p *Pool) DestroyAll(ctx context.Context) error {
	for {
		unit, err := p.popReady(ctx)
		if err != nil {
			return err
		}
		if unit == nil {
			break
		}
		p.Retire(ctx, unit)
	}

	units, err := p.Units(ctx)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(warmConcurrency)
	for _, u := range units {
		g.Go(func() error {
			p.Retire(ctx, u)
			return nil
		})
	}
	return g.Wait()
}

// Units returns the recorded units of this type.
func (p *Pool) Units(ctx context.Context) ([]*types.Unit, error) {
	all, err := p.store.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, u := range all {
		if u.TypeName == p.profile.TypeName {
			out = append(out, u)
		}
	}
	return out, nil
}

// ReadyLen returns the number of queued ready units.
func (p *Pool) ReadyLen(ctx context.Context) (int, error) {
	return p.store.ReadyLen(ctx, p.profile.TypeName)
}

// Allocated returns the number of units this worker has handed out and not
// yet taken back.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

func (p *Pool) updateReadyGauge(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	if n, err := p.store.ReadyLen(context.WithoutCancel(ctx), p.profile.TypeName); err == nil {
		p.metrics.SetReady(p.profile.TypeName, n)
	}
}
