package service

import (
	"context"
	"errors"

	"github.com/ajaxzhan/sandboxpool/internal/logging"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// Release returns every unit of a tenant to its pool and deletes the
// binding. It is idempotent. It returns false only when the binding could
// not be removed from the store; failures on individual units are logged.
func (s *Service) Release(ctx context.Context, sessionID, userID string) bool {
	key := types.TenantKey{SessionID: sessionID, UserID: userID}
	unlock := s.tenants.Lock(key.String())
	defer unlock()

	b, err := s.deleteBinding(ctx, key, nil)
	if err != nil {
		logging.Error("Failed to release tenant", logging.Tenant(sessionID, userID), logging.Err(err))
		return false
	}
	if b == nil {
		return true
	}
	s.returnUnits(ctx, b)
	s.metrics.IncReleased()
	logging.Info("Tenant released", logging.Tenant(sessionID, userID), logging.Strings("units", b.UnitIDs()))
	return true
}

// deleteBinding removes the tenant's binding unless keep reports that the
// current version must stay. It returns the removed binding, or nil when
// nothing was removed.
func (s *Service) deleteBinding(ctx context.Context, key types.TenantKey, keep func(*types.TenantBinding) bool) (*types.TenantBinding, error) {
	for {
		b, err := s.store.GetBinding(ctx, key)
		if errors.Is(err, types.ErrBindingNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if keep != nil && keep(b) {
			return nil, nil
		}
		err = s.store.DeleteBinding(ctx, key, b.Version)
		switch {
		case err == nil:
			return b, nil
		case errors.Is(err, types.ErrBindingNotFound):
			return nil, nil
		case !errors.Is(err, types.ErrStoreConflict):
			return nil, err
		}
	}
}

// returnUnits hands the units of a removed binding back to their pools.
func (s *Service) returnUnits(ctx context.Context, b *types.TenantBinding) {
	ctx = context.WithoutCancel(ctx)
	for typeName, slot := range b.Units {
		if slot.UnitID == "" {
			continue
		}
		s.dropHandle(slot.UnitID)

		log := logging.L().With(logging.Tenant(b.Key.SessionID, b.Key.UserID), logging.Unit(slot.UnitID, typeName))
		unit, err := s.store.GetUnit(ctx, slot.UnitID)
		if err != nil {
			log.Warn("Released unit has no record", logging.Err(err))
			continue
		}
		p, err := s.Pool(unit.TypeName)
		if err != nil {
			log.Warn("Released unit has unknown type", logging.Err(err))
			continue
		}
		p.ReleaseToPool(ctx, unit)
	}
}

// CallTool calls a tool on one of the tenant's units. The unit is the one of
// the tool's registered type, or the only bound unit when the tool has no
// registered type.
func (s *Service) CallTool(ctx context.Context, sessionID, userID, tool string, args map[string]any) (*types.ToolResult, error) {
	key := types.TenantKey{SessionID: sessionID, UserID: userID}
	b, err := s.store.GetBinding(ctx, key)
	if err != nil {
		return nil, err
	}

	var unitID string
	if typeName, ok := s.registry.ToolType(tool); ok {
		unitID = b.Units[typeName].UnitID
	} else if ids := b.UnitIDs(); len(ids) == 1 {
		unitID = ids[0]
	}
	if unitID == "" {
		return nil, &types.ToolError{Kind: types.ToolNotFound, Tool: tool, Message: "no bound unit serves this tool"}
	}

	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if err := s.touch(ctx, key); err != nil && !errors.Is(err, types.ErrBindingNotFound) {
		logging.Warn("Failed to update binding last use", logging.Tenant(sessionID, userID), logging.Err(err))
	}
	return s.handleFor(unit).CallTool(ctx, tool, args)
}
