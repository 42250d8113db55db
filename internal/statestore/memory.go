package statestore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// MemoryStore implements Store using in-process maps. It is only
// consistent within one worker process.
type MemoryStore struct {
	mu       sync.Mutex
	ports    map[int]types.PortLease
	ready    map[string][]string
	units    map[string]*types.Unit
	bindings map[types.TenantKey]*types.TenantBinding
	closed   bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ports:    make(map[int]types.PortLease),
		ready:    make(map[string][]string),
		units:    make(map[string]*types.Unit),
		bindings: make(map[types.TenantKey]*types.TenantBinding),
	}
}

var _ Store = (*MemoryStore)(nil)

// AddPort records a lease if the port is free.
func (s *MemoryStore) AddPort(ctx context.Context, lease types.PortLease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.ports[lease.Port]; taken {
		return false, nil
	}
	s.ports[lease.Port] = lease
	return true, nil
}

// RemovePort frees a port.
func (s *MemoryStore) RemovePort(ctx context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, port)
	return nil
}

// ListPorts returns all active leases ordered by port.
func (s *MemoryStore) ListPorts(ctx context.Context) ([]types.PortLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.PortLease, 0, len(s.ports))
	for _, l := range s.ports {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// PushReady appends a unit to the ready queue of its type.
func (s *MemoryStore) PushReady(ctx context.Context, typeName, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready[typeName] = append(s.ready[typeName], unitID)
	return nil
}

// PopReady removes and returns the oldest ready unit of a type.
func (s *MemoryStore) PopReady(ctx context.Context, typeName string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.ready[typeName]
	if len(q) == 0 {
		return "", false, nil
	}
	id := q[0]
	s.ready[typeName] = q[1:]
	return id, true, nil
}

// RemoveReady removes a unit from the ready queue if present.
func (s *MemoryStore) RemoveReady(ctx context.Context, typeName, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.ready[typeName]
	for i, id := range q {
		if id == unitID {
			s.ready[typeName] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	return nil
}

// ReadyLen returns the ready queue length of a type.
func (s *MemoryStore) ReadyLen(ctx context.Context, typeName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready[typeName]), nil
}

// ListReady returns the ready queue of a type, oldest first.
func (s *MemoryStore) ListReady(ctx context.Context, typeName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ready[typeName]...), nil
}

// PutUnit creates or replaces a unit record.
func (s *MemoryStore) PutUnit(ctx context.Context, unit *types.Unit) error {
	if unit == nil || unit.ID == "" {
		return errors.New("unit ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[unit.ID] = cloneUnit(unit)
	return nil
}

// GetUnit returns a unit record.
func (s *MemoryStore) GetUnit(ctx context.Context, unitID string) (*types.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		return nil, types.ErrUnitNotFound
	}
	return cloneUnit(u), nil
}

// DeleteUnit removes a unit record.
func (s *MemoryStore) DeleteUnit(ctx context.Context, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.units, unitID)
	return nil
}

// ListUnits returns all unit records ordered by creation time.
func (s *MemoryStore) ListUnits(ctx context.Context) ([]*types.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Unit, 0, len(s.units))
	for _, u := range s.units {
		out = append(out, cloneUnit(u))
	}
	sortUnits(out)
	return out, nil
}

// GetBinding returns a tenant binding.
func (s *MemoryStore) GetBinding(ctx context.Context, key types.TenantKey) (*types.TenantBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[key]
	if !ok {
		return nil, types.ErrBindingNotFound
	}
	return b.Clone(), nil
}

// CompareAndSwapBinding stores next if the stored version matches.
func (s *MemoryStore) CompareAndSwapBinding(ctx context.Context, next *types.TenantBinding, expectedVersion int64) (*types.TenantBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if b, ok := s.bindings[next.Key]; ok {
		current = b.Version
	}
	if current != expectedVersion {
		return nil, types.ErrStoreConflict
	}

	stored := next.Clone()
	stored.Version = expectedVersion + 1
	s.bindings[next.Key] = stored
	return stored.Clone(), nil
}

// DeleteBinding removes a binding if its version matches.
func (s *MemoryStore) DeleteBinding(ctx context.Context, key types.TenantKey, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[key]
	if !ok {
		return types.ErrBindingNotFound
	}
	if b.Version != expectedVersion {
		return types.ErrStoreConflict
	}
	delete(s.bindings, key)
	return nil
}

// ListBindings returns all tenant bindings.
func (s *MemoryStore) ListBindings(ctx context.Context) ([]*types.TenantBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.TenantBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b.Clone())
	}
	sortBindings(out)
	return out, nil
}

// Ping checks that the store is usable.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory store is closed")
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortUnits(units []*types.Unit) {
	sort.Slice(units, func(i, j int) bool {
		if units[i].CreatedAt.Equal(units[j].CreatedAt) {
			return units[i].ID < units[j].ID
		}
		return units[i].CreatedAt.Before(units[j].CreatedAt)
	})
}

func sortBindings(bindings []*types.TenantBinding) {
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].Key.String() < bindings[j].Key.String()
	})
}
