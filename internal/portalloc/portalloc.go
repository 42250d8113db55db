// Package portalloc leases host ports from a configured range. Leases live in
// the shared state store so no two workers hand out the same port.
package portalloc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ajaxzhan/sandboxpool/internal/statestore"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// Allocator hands out ports from [low, high).
type Allocator struct {
	store     statestore.Store
	low, high int

	mu     sync.Mutex
	cursor int
}

// New creates an Allocator over [low, high).
func New(store statestore.Store, low, high int) (*Allocator, error) {
	if low <= 0 || high > 65536 || low >= high {
		return nil, &types.ConfigError{Field: "port_range", Reason: fmt.Sprintf("[%d, %d) is empty or out of bounds", low, high)}
	}
	return &Allocator{store: store, low: low, high: high, cursor: low}, nil
}

// Range returns the configured bounds.
func (a *Allocator) Range() (low, high int) {
	return a.low, a.high
}

// Allocate leases a free port to unitID. It fails with
// types.ErrPortExhausted when every port in the range is leased.
func (a *Allocator) Allocate(ctx context.Context, unitID string) (types.PortLease, error) {
	leases, err := a.store.ListPorts(ctx)
	if err != nil {
		return types.PortLease{}, fmt.Errorf("list leased ports: %w", err)
	}
	taken := make(map[int]bool, len(leases))
	for _, l := range leases {
		taken[l.Port] = true
	}

	a.mu.Lock()
	start := a.cursor
	a.mu.Unlock()

	size := a.high - a.low
	for i := 0; i < size; i++ {
		if err := ctx.Err(); err != nil {
			return types.PortLease{}, err
		}
		port := a.low + (start-a.low+i)%size
		if taken[port] {
			continue
		}
		lease := types.PortLease{Port: port, UnitID: unitID, LeasedAt: time.Now()}
		ok, err := a.store.AddPort(ctx, lease)
		if err != nil {
			return types.PortLease{}, fmt.Errorf("lease port %d: %w", port, err)
		}
		if !ok {
			// Another worker won the race for this port.
			continue
		}
		a.mu.Lock()
		a.cursor = a.low + (port-a.low+1)%size
		a.mu.Unlock()
		return lease, nil
	}
	return types.PortLease{}, fmt.Errorf("%w: [%d, %d)", types.ErrPortExhausted, a.low, a.high)
}

// Release frees a port. Releasing a free port is a no-op.
func (a *Allocator) Release(ctx context.Context, port int) error {
	if port <= 0 {
		return nil
	}
	return a.store.RemovePort(ctx, port)
}

// Leases lists the active leases.
func (a *Allocator) Leases(ctx context.Context) ([]types.PortLease, error) {
	return a.store.ListPorts(ctx)
}
