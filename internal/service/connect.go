package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ajaxzhan/sandboxpool/internal/handle"
	"github.com/ajaxzhan/sandboxpool/internal/logging"
	"github.com/ajaxzhan/sandboxpool/internal/pool"
	"github.com/ajaxzhan/sandboxpool/internal/registry"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

const (
	claimPollMin = 20 * time.Millisecond
	claimPollMax = 500 * time.Millisecond
)

// ConnectRequest describes which sandboxes a tenant needs. When
// SandboxTypes is empty the types are derived from Tools.
type ConnectRequest struct {
	SessionID    string
	UserID       string
	SandboxTypes []string
	Tools        []types.ToolRef
}

func (r *ConnectRequest) key() types.TenantKey {
	return types.TenantKey{SessionID: r.SessionID, UserID: r.UserID}
}

// Connect returns one handle per required sandbox type, in request order.
// A tenant keeps getting the same unit of a type until it is released or
// reclaimed. Units that fail a liveness check are replaced once.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (handles []*handle.Handle, err error) {
	defer func() { s.metrics.ObserveConnect(err) }()

	if s.isStopped() {
		return nil, types.ErrServiceStopped
	}
	if req.SessionID == "" || req.UserID == "" {
		return nil, &types.ConfigError{Field: "tenant", Reason: "session_id and user_id are required"}
	}
	required, err := s.requiredTypes(&req)
	if err != nil {
		return nil, err
	}

	key := req.key()
	unlock := s.tenants.Lock(key.String())
	defer unlock()

	units := make([]*types.Unit, len(required))
	g, gctx := errgroup.WithContext(ctx)
	for i, typeName := range required {
		g.Go(func() error {
			u, err := s.ensureUnit(gctx, key, typeName)
			if err != nil {
				return err
			}
			units[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logging.Warn("Connect failed", logging.Tenant(key.SessionID, key.UserID), logging.Err(err))
		return nil, err
	}

	if err := s.touch(ctx, key); err != nil {
		logging.Warn("Failed to update binding last use", logging.Tenant(key.SessionID, key.UserID), logging.Err(err))
	}

	handles = make([]*handle.Handle, len(units))
	for i, u := range units {
		handles[i] = s.handleFor(u)
	}
	logging.Debug("Tenant connected",
		logging.Tenant(key.SessionID, key.UserID), logging.Strings("types", required))
	return handles, nil
}

// WithSandboxes connects, runs fn with the handles, and releases the tenant
// afterwards, whatever fn returns.
func (s *Service) WithSandboxes(ctx context.Context, req ConnectRequest, fn func([]*handle.Handle) error) error {
	handles, err := s.Connect(ctx, req)
	if err != nil {
		return err
	}
	defer s.Release(context.WithoutCancel(ctx), req.SessionID, req.UserID)
	return fn(handles)
}

// requiredTypes returns the distinct sandbox types of a request, in order.
func (s *Service) requiredTypes(req *ConnectRequest) ([]string, error) {
	var names []string
	if len(req.SandboxTypes) > 0 {
		for _, name := range req.SandboxTypes {
			if _, err := s.registry.Resolve(name); err != nil {
				return nil, err
			}
			names = append(names, name)
		}
	} else {
		for _, ref := range req.Tools {
			name, err := s.registry.ResolveTool(ref)
			if err != nil {
				return nil, err
			}
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		if _, err := s.registry.Resolve(registry.BaseType); err != nil {
			return nil, &types.ConfigError{Field: "sandbox_types", Reason: "no sandbox types or tools requested"}
		}
		names = []string{registry.BaseType}
	}

	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// loadBinding returns the stored binding, or a fresh one with version zero.
func (s *Service) loadBinding(ctx context.Context, key types.TenantKey) (*types.TenantBinding, error) {
	b, err := s.store.GetBinding(ctx, key)
	if errors.Is(err, types.ErrBindingNotFound) {
		return types.NewTenantBinding(key), nil
	}
	return b, err
}

// ensureUnit returns the tenant's unit of typeName, reusing a live bound
// unit, waiting on another caller's in-flight provisioning, or claiming the
// slot and acquiring a unit from the pool.
func (s *Service) ensureUnit(ctx context.Context, key types.TenantKey, typeName string) (*types.Unit, error) {
	p, err := s.Pool(typeName)
	if err != nil {
		return nil, err
	}
	log := logging.L().With(logging.Tenant(key.SessionID, key.UserID), logging.String("type", typeName))

	evicted := false
	poll := claimPollMin
	for {
		b, err := s.loadBinding(ctx, key)
		if err != nil {
			return nil, err
		}
		slot, bound := b.Units[typeName]

		switch {
		case bound && slot.UnitID != "":
			unit, err := s.store.GetUnit(ctx, slot.UnitID)
			switch {
			case err == nil:
				if err = p.Check(ctx, unit); err == nil {
					return unit, nil
				}
			case errors.Is(err, types.ErrUnitNotFound):
				unit = nil
			default:
				return nil, err
			}
			if evicted {
				return nil, &types.ConnectionError{UnitID: slot.UnitID, Err: err}
			}
			log.Warn("Bound unit failed liveness check, evicting", logging.String("unit_id", slot.UnitID), logging.Err(err))
			if !s.evict(ctx, b, typeName) {
				continue
			}
			evicted = true
			s.dropHandle(slot.UnitID)
			if unit != nil {
				p.Retire(ctx, unit)
			}

		case bound && slot.Pending():
			if time.Since(slot.ClaimedAt) > 2*s.cfg.ProvisionTimeout {
				log.Warn("Taking over stale provisioning claim", logging.Duration("age", time.Since(slot.ClaimedAt)))
				if token, ok := s.claim(ctx, b, typeName); ok {
					return s.fulfil(ctx, key, p, token)
				}
				continue
			}
			select {
			case <-ctx.Done():
				return nil, provisionTimeout(typeName, ctx.Err())
			case <-time.After(poll):
			}
			poll = min(poll*2, claimPollMax)

		default:
			if token, ok := s.claim(ctx, b, typeName); ok {
				return s.fulfil(ctx, key, p, token)
			}
		}
	}
}

func provisionTimeout(typeName string, err error) error {
	return &types.ProvisionError{
		TypeName: typeName,
		Reason:   types.ReasonTimeout,
		Err:      fmt.Errorf("%w: %v", types.ErrStartupTimeout, err),
	}
}

// claim marks the type's slot as being provisioned. It reports false when
// another caller changed the binding first.
func (s *Service) claim(ctx context.Context, b *types.TenantBinding, typeName string) (string, bool) {
	token := uuid.NewString()
	next := b.Clone()
	next.Units[typeName] = types.BoundUnit{ClaimToken: token, ClaimedAt: time.Now().UTC()}
	if b.Version == 0 {
		next.LastUsedAt = time.Now().UTC()
	}
	if _, err := s.store.CompareAndSwapBinding(ctx, next, b.Version); err != nil {
		if !errors.Is(err, types.ErrStoreConflict) {
			logging.Warn("Failed to claim binding slot", logging.Err(err))
		}
		return "", false
	}
	return token, true
}

// evict removes the type's slot from the binding.
func (s *Service) evict(ctx context.Context, b *types.TenantBinding, typeName string) bool {
	next := b.Clone()
	delete(next.Units, typeName)
	_, err := s.store.CompareAndSwapBinding(ctx, next, b.Version)
	return err == nil
}

type acquireResult struct {
	unit *types.Unit
	err  error
}

// fulfil acquires a unit for a claimed slot. The acquisition is detached
// from ctx: if the caller gives up, the unit is still recorded in the
// binding and handed out on the tenant's next Connect.
func (s *Service) fulfil(ctx context.Context, key types.TenantKey, p *pool.Pool, token string) (*types.Unit, error) {
	if !s.trackFulfil() {
		s.abandonClaim(context.WithoutCancel(ctx), key, p.TypeName(), token)
		return nil, types.ErrServiceStopped
	}
	done := make(chan acquireResult, 1)
	go func() {
		defer s.fulfils.Done()
		detached := context.WithoutCancel(ctx)
		unit, err := p.Acquire(detached)
		if err != nil {
			s.abandonClaim(detached, key, p.TypeName(), token)
			done <- acquireResult{err: err}
			return
		}
		if err := s.commitClaim(detached, key, p, token, unit); err != nil {
			unit.Tenant = ""
			p.ReleaseToPool(detached, unit)
			done <- acquireResult{err: err}
			return
		}
		done <- acquireResult{unit: unit}
	}()

	select {
	case r := <-done:
		return r.unit, r.err
	case <-ctx.Done():
		logging.Warn("Caller gave up waiting for unit, provisioning continues",
			logging.Tenant(key.SessionID, key.UserID), logging.String("type", p.TypeName()))
		return nil, provisionTimeout(p.TypeName(), ctx.Err())
	}
}

// commitClaim replaces the claim with the acquired unit.
func (s *Service) commitClaim(ctx context.Context, key types.TenantKey, p *pool.Pool, token string, unit *types.Unit) error {
	typeName := p.TypeName()
	if err := p.Bind(ctx, unit, key.String()); err != nil {
		return err
	}
	for {
		b, err := s.store.GetBinding(ctx, key)
		if err != nil {
			return fmt.Errorf("commit unit %s: %w", unit.ID, err)
		}
		slot := b.Units[typeName]
		if slot.ClaimToken != token {
			return fmt.Errorf("commit unit %s: claim on %s was released or taken over: %w", unit.ID, typeName, types.ErrStoreConflict)
		}
		next := b.Clone()
		next.Units[typeName] = types.BoundUnit{UnitID: unit.ID, ClaimedAt: slot.ClaimedAt}
		next.LastUsedAt = time.Now().UTC()
		_, err = s.store.CompareAndSwapBinding(ctx, next, b.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, types.ErrStoreConflict) {
			return err
		}
	}
}

// abandonClaim removes a failed claim so the next caller can try again.
// A binding left without units is deleted.
func (s *Service) abandonClaim(ctx context.Context, key types.TenantKey, typeName, token string) {
	for {
		b, err := s.store.GetBinding(ctx, key)
		if err != nil {
			return
		}
		if b.Units[typeName].ClaimToken != token {
			return
		}
		if len(b.Units) == 1 {
			err = s.store.DeleteBinding(ctx, key, b.Version)
		} else {
			next := b.Clone()
			delete(next.Units, typeName)
			_, err = s.store.CompareAndSwapBinding(ctx, next, b.Version)
		}
		if err == nil || !errors.Is(err, types.ErrStoreConflict) {
			return
		}
	}
}

// touch sets the binding's last use to now.
func (s *Service) touch(ctx context.Context, key types.TenantKey) error {
	for {
		b, err := s.store.GetBinding(ctx, key)
		if err != nil {
			return err
		}
		next := b.Clone()
		next.LastUsedAt = time.Now().UTC()
		_, err = s.store.CompareAndSwapBinding(ctx, next, b.Version)
		if !errors.Is(err, types.ErrStoreConflict) {
			return err
		}
	}
}
