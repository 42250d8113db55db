package portalloc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ajaxzhan/sandboxpool/internal/statestore"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

func TestNewRejectsBadRange(t *testing.T) {
	tests := []struct {
		name      string
		low, high int
	}{
		{"empty", 30000, 30000},
		{"inverted", 30010, 30000},
		{"zero", 0, 10},
		{"too high", 65000, 70000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(statestore.NewMemoryStore(), tt.low, tt.high); !errors.Is(err, types.ErrConfig) {
				t.Errorf("New(%d, %d) = %v, want ConfigError", tt.low, tt.high, err)
			}
		})
	}
}

func TestAllocateWithinRange(t *testing.T) {
	ctx := context.Background()
	a, err := New(statestore.NewMemoryStore(), 30000, 30003)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		lease, err := a.Allocate(ctx, fmt.Sprintf("u%d", i))
		if err != nil {
			t.Fatalf("Allocate #%d failed: %v", i, err)
		}
		if lease.Port < 30000 || lease.Port >= 30003 {
			t.Errorf("port %d outside [30000, 30003)", lease.Port)
		}
		if seen[lease.Port] {
			t.Errorf("port %d handed out twice", lease.Port)
		}
		seen[lease.Port] = true
	}

	if _, err := a.Allocate(ctx, "u3"); !errors.Is(err, types.ErrPortExhausted) {
		t.Fatalf("Allocate on full range = %v, want ErrPortExhausted", err)
	}

	if err := a.Release(ctx, 30001); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	lease, err := a.Allocate(ctx, "u4")
	if err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}
	if lease.Port != 30001 {
		t.Errorf("got port %d, want the released 30001", lease.Port)
	}
}

func TestAllocateConcurrentAcrossAllocators(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()

	// Two allocators sharing a store stand in for two workers.
	a1, _ := New(store, 40000, 40020)
	a2, _ := New(store, 40000, 40020)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ports = map[int]int{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := a1
			if i%2 == 1 {
				a = a2
			}
			lease, err := a.Allocate(ctx, fmt.Sprintf("u%d", i))
			if err != nil {
				t.Errorf("Allocate failed: %v", err)
				return
			}
			mu.Lock()
			ports[lease.Port]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(ports) != 20 {
		t.Errorf("got %d distinct ports, want 20", len(ports))
	}
	for p, n := range ports {
		if n != 1 {
			t.Errorf("port %d leased %d times", p, n)
		}
	}

	leases, _ := a1.Leases(ctx)
	if len(leases) != 20 {
		t.Errorf("Leases() = %d, want 20", len(leases))
	}
}
