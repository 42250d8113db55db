// Package mock provides an in-process implementation of
// provisioner.Provisioner for testing.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajaxzhan/sandboxpool/internal/provisioner"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// ErrUnhealthy is returned by Healthcheck for units marked unhealthy.
var ErrUnhealthy = errors.New("mock unit unhealthy")

// Provisioner is a mock implementation of provisioner.Provisioner.
type Provisioner struct {
	mu        sync.RWMutex
	units     map[string]*provisioner.Request
	unhealthy map[string]bool
	pingErr   error

	// Host is the endpoint host returned by Provision.
	Host string

	// Delay is slept inside Provision, honoring ctx.
	Delay time.Duration

	provisions atomic.Int64
	destroys   atomic.Int64

	// Hooks for customizing behavior in tests
	OnProvision   func(ctx context.Context, req *provisioner.Request) (types.Endpoint, error)
	OnHealthcheck func(ctx context.Context, unit *types.Unit) error
	OnDestroy     func(ctx context.Context, unit *types.Unit) error
}

// New creates a new mock Provisioner.
func New() *Provisioner {
	return &Provisioner{
		units:     make(map[string]*provisioner.Request),
		unhealthy: make(map[string]bool),
		Host:      "127.0.0.1",
	}
}

var _ provisioner.Provisioner = (*Provisioner)(nil)

// Kind returns the backend kind.
func (m *Provisioner) Kind() types.BackendKind {
	return types.BackendMock
}

// Provision records the unit and returns an endpoint on the leased port.
func (m *Provisioner) Provision(ctx context.Context, req *provisioner.Request) (types.Endpoint, error) {
	m.provisions.Add(1)
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return types.Endpoint{}, ctx.Err()
		}
	}
	if m.OnProvision != nil {
		ep, err := m.OnProvision(ctx, req)
		if err != nil {
			return ep, err
		}
		m.mu.Lock()
		m.units[req.UnitID] = req
		m.mu.Unlock()
		return ep, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.units[req.UnitID]; exists {
		return types.Endpoint{}, fmt.Errorf("unit %s already provisioned", req.UnitID)
	}
	m.units[req.UnitID] = req
	return types.Endpoint{Host: m.Host, Port: req.HostPort}, nil
}

// Healthcheck fails for unknown units and units marked unhealthy.
func (m *Provisioner) Healthcheck(ctx context.Context, unit *types.Unit) error {
	if m.OnHealthcheck != nil {
		return m.OnHealthcheck(ctx, unit)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.units[unit.ID]; !ok {
		return fmt.Errorf("%w: %s", types.ErrUnitNotFound, unit.ID)
	}
	if m.unhealthy[unit.ID] {
		return ErrUnhealthy
	}
	return nil
}

// Destroy forgets the unit.
func (m *Provisioner) Destroy(ctx context.Context, unit *types.Unit) error {
	m.destroys.Add(1)
	if m.OnDestroy != nil {
		if err := m.OnDestroy(ctx, unit); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.units, unit.ID)
	delete(m.unhealthy, unit.ID)
	return nil
}

// Ping returns the error set by SetPingError.
func (m *Provisioner) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

// SetPingError makes Ping fail with err (nil restores it).
func (m *Provisioner) SetPingError(err error) {
	m.mu.Lock()
	m.pingErr = err
	m.mu.Unlock()
}

// SetHealthy marks a unit healthy or unhealthy.
func (m *Provisioner) SetHealthy(unitID string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if healthy {
		delete(m.unhealthy, unitID)
	} else {
		m.unhealthy[unitID] = true
	}
}

// Live returns the IDs of units that are provisioned and not destroyed.
func (m *Provisioner) Live() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.units))
	for id := range m.units {
		ids = append(ids, id)
	}
	return ids
}

// Request returns the request a unit was provisioned with.
func (m *Provisioner) Request(unitID string) (*provisioner.Request, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.units[unitID]
	return r, ok
}

// ProvisionCalls returns how many times Provision was called.
func (m *Provisioner) ProvisionCalls() int {
	return int(m.provisions.Load())
}

// DestroyCalls returns how many times Destroy was called.
func (m *Provisioner) DestroyCalls() int {
	return int(m.destroys.Load())
}
