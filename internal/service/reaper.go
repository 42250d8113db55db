package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ajaxzhan/sandboxpool/internal/logging"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

func (s *Service) runReaper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap(ctx)
		}
	}
}

// Reap releases every binding idle for longer than the TTL and returns how
// many were released. A failure on one binding does not stop the scan.
func (s *Service) Reap(ctx context.Context) int {
	bindings, err := s.store.ListBindings(ctx)
	if err != nil {
		logging.Warn("Reaper failed to list bindings", logging.Err(err))
		return 0
	}

	released := 0
	now := time.Now()
	for _, b := range bindings {
		if b.IdleFor(now) <= s.cfg.IdleTTL {
			continue
		}
		ok, err := s.reapOne(ctx, b.Key)
		if err != nil {
			logging.Warn("Reaper failed to release binding",
				logging.Tenant(b.Key.SessionID, b.Key.UserID), logging.Err(err))
			continue
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		logging.Info("Reaper released idle bindings", logging.Int("count", released))
	}
	return released
}

func (s *Service) reapOne(ctx context.Context, key types.TenantKey) (released bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	unlock := s.tenants.Lock(key.String())
	defer unlock()

	// Another caller may have used or claimed the binding since the scan.
	inUse := func(b *types.TenantBinding) bool {
		if b.IdleFor(time.Now()) <= s.cfg.IdleTTL {
			return true
		}
		for _, slot := range b.Units {
			if slot.Pending() && time.Since(slot.ClaimedAt) <= 2*s.cfg.ProvisionTimeout {
				return true
			}
		}
		return false
	}
	b, err := s.deleteBinding(ctx, key, inUse)
	if err != nil || b == nil {
		return false, err
	}
	s.returnUnits(ctx, b)
	s.metrics.IncReaped()
	logging.Info("Reclaimed idle tenant",
		logging.Tenant(key.SessionID, key.UserID), logging.Duration("idle", b.IdleFor(time.Now())))
	return true, nil
}
