// Package provisioner defines the interface for bringing sandbox units up on
// a backend and tearing them down again.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// Request contains everything a backend needs to create one unit.
type Request struct {
	Profile *types.SandboxProfile
	UnitID  string

	// HostPort is the leased port the unit is reachable on, for backends
	// that publish ports on the host.
	HostPort int

	// MountPath is the host directory holding the unit's workspace. Empty
	// for backends that provide their own storage.
	MountPath string

	// Env is merged over the profile's default environment.
	Env map[string]string
}

// Environment returns the profile environment with Env applied on top.
func (r *Request) Environment() map[string]string {
	out := make(map[string]string, len(r.Profile.DefaultEnvironment)+len(r.Env))
	for k, v := range r.Profile.DefaultEnvironment {
		out[k] = v
	}
	for k, v := range r.Env {
		out[k] = v
	}
	return out
}

// Provisioner defines the interface for backend implementations. Different
// implementations (docker, kubernetes, serverless) are interchangeable.
type Provisioner interface {
	// Kind returns the backend kind of this implementation.
	Kind() types.BackendKind

	// Provision creates and starts a unit and returns the endpoint of its
	// control channel. It does not wait for the unit to become healthy.
	Provision(ctx context.Context, req *Request) (types.Endpoint, error)

	// Healthcheck returns nil when the unit can serve requests.
	Healthcheck(ctx context.Context, unit *types.Unit) error

	// Destroy removes the unit and its backend resources. Destroying a
	// unit that no longer exists is not an error.
	Destroy(ctx context.Context, unit *types.Unit) error

	// Ping checks that the backend itself is reachable.
	Ping(ctx context.Context) error
}

// ResourceName derives the backend identifier of a unit. Any worker can
// compute it from the unit record alone. The result is a valid DNS-1123
// label.
func ResourceName(prefix string, unit *types.Unit) string {
	name := strings.ToLower(fmt.Sprintf("%s-%s-%s", prefix, unit.TypeName, unit.ID))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 63 {
		out = strings.TrimRight(out[len(out)-63:], "-")
		out = strings.TrimLeft(out, "-")
	}
	return out
}

// Labels returns the labels every backend attaches to a unit's resources.
func Labels(unit *types.Unit) map[string]string {
	return map[string]string{
		"sandboxpool.managed": "true",
		"sandboxpool.unit":    unit.ID,
		"sandboxpool.type":    unit.TypeName,
	}
}

var healthBackoff = wait.Backoff{
	Duration: 100 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    math.MaxInt32,
	Cap:      2 * time.Second,
}

// WaitHealthy polls Healthcheck with exponential backoff until it succeeds
// or timeout elapses, in which case the error wraps
// types.ErrStartupTimeout.
func WaitHealthy(ctx context.Context, p Provisioner, unit *types.Unit, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	err := wait.ExponentialBackoffWithContext(waitCtx, healthBackoff, func(ctx context.Context) (bool, error) {
		lastErr = p.Healthcheck(ctx, unit)
		return lastErr == nil, nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if lastErr == nil {
		lastErr = err
	}
	return fmt.Errorf("%w after %s: %v", types.ErrStartupTimeout, timeout, lastErr)
}

// Classify wraps a backend error as a ProvisionError with the given reason,
// leaving existing ProvisionErrors untouched.
func Classify(err error, typeName, unitID string, reason types.ProvisionReason) error {
	if err == nil {
		return nil
	}
	var pe *types.ProvisionError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, types.ErrStartupTimeout) {
		reason = types.ReasonTimeout
	}
	return &types.ProvisionError{TypeName: typeName, UnitID: unitID, Reason: reason, Err: err}
}
