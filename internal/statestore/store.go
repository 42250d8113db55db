// Package statestore provides the shared state used by every worker: the
// occupied-port set, per-type ready queues, unit records and tenant bindings.
package statestore

import (
	"context"

	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// Store defines the interface for shared pool state. Every method is atomic
// with respect to other callers, including callers in other processes for
// the external implementations.
type Store interface {
	// AddPort records a lease if the port is free. It reports whether the
	// lease was recorded.
	AddPort(ctx context.Context, lease types.PortLease) (bool, error)

	// RemovePort frees a port. Removing a free port is not an error.
	RemovePort(ctx context.Context, port int) error

	// ListPorts returns all active leases ordered by port.
	ListPorts(ctx context.Context) ([]types.PortLease, error)

	// PushReady appends a unit to the ready queue of its type.
	PushReady(ctx context.Context, typeName, unitID string) error

	// PopReady removes and returns the oldest ready unit of a type.
	// ok is false when the queue is empty.
	PopReady(ctx context.Context, typeName string) (unitID string, ok bool, err error)

	// RemoveReady removes a unit from the ready queue if present.
	RemoveReady(ctx context.Context, typeName, unitID string) error

	// ReadyLen returns the ready queue length of a type.
	ReadyLen(ctx context.Context, typeName string) (int, error)

	// ListReady returns the ready queue of a type, oldest first.
	ListReady(ctx context.Context, typeName string) ([]string, error)

	// PutUnit creates or replaces a unit record.
	PutUnit(ctx context.Context, unit *types.Unit) error

	// GetUnit returns a unit record or types.ErrUnitNotFound.
	GetUnit(ctx context.Context, unitID string) (*types.Unit, error)

	// DeleteUnit removes a unit record. Deleting a missing record is not an error.
	DeleteUnit(ctx context.Context, unitID string) error

	// ListUnits returns all unit records.
	ListUnits(ctx context.Context) ([]*types.Unit, error)

	// GetBinding returns a tenant binding or types.ErrBindingNotFound.
	GetBinding(ctx context.Context, key types.TenantKey) (*types.TenantBinding, error)

	// CompareAndSwapBinding stores next if the stored version equals
	// expectedVersion. An expectedVersion of zero requires the binding to be
	// absent. On success the stored binding, carrying its new version, is
	// returned; otherwise the error is types.ErrStoreConflict.
	CompareAndSwapBinding(ctx context.Context, next *types.TenantBinding, expectedVersion int64) (*types.TenantBinding, error)

	// DeleteBinding removes a binding if its version equals expectedVersion.
	// A missing binding yields types.ErrBindingNotFound, a version mismatch
	// types.ErrStoreConflict.
	DeleteBinding(ctx context.Context, key types.TenantKey, expectedVersion int64) error

	// ListBindings returns all tenant bindings.
	ListBindings(ctx context.Context) ([]*types.TenantBinding, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

func cloneUnit(u *types.Unit) *types.Unit {
	c := *u
	return &c
}
