// Package serverless provides a provisioner that runs each sandbox unit as
// a function on a serverless platform. The function's invoke URL is the
// unit's control channel.
package serverless

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/ajaxzhan/sandboxpool/internal/logging"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// Config holds function sizing and placement.
type Config struct {
	Flavor          Flavor
	Prefix          string
	CPU             float64
	MemoryMB        int
	VPCID           string
	VSwitchID       string
	SecurityGroupID string
}

// Provisioner implements provisioner.Provisioner on a function platform.
type Provisioner struct {
	cfg    Config
	client FunctionClient
}

var _ provisioner.Provisioner = (*Provisioner)(nil)

// New creates a serverless Provisioner.
func New(client FunctionClient, cfg Config) *Provisioner {
	if cfg.Prefix == "" {
		cfg.Prefix = "sandbox"
	}
	if cfg.CPU <= 0 {
		cfg.CPU = 1
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.Flavor == "" {
		cfg.Flavor = FlavorFC
	}
	return &Provisioner{cfg: cfg, client: client}
}

// Kind returns the backend kind.
func (p *Provisioner) Kind() types.BackendKind {
	if p.cfg.Flavor == FlavorAgentRun {
		return types.BackendServerlessAgentRun
	}
	return types.BackendServerlessFC
}

// Provision creates the unit's function.
func (p *Provisioner) Provision(ctx context.Context, req *provisioner.Request) (types.Endpoint, error) {
	unit := &types.Unit{ID: req.UnitID, TypeName: req.Profile.TypeName}
	spec := &FunctionSpec{
		Name:        provisioner.ResourceName(p.cfg.Prefix, unit),
		Image:       req.Profile.Image,
		Port:        req.Profile.Port(),
		CPU:         p.cfg.CPU,
		MemoryMB:    p.cfg.MemoryMB,
		Timeout:     req.Profile.DefaultTimeoutSeconds,
		Environment: req.Environment(),
		Labels:      provisioner.Labels(unit),
	}
	if p.cfg.VPCID != "" {
		spec.VPC = &VPCConfig{
			VPCID:           p.cfg.VPCID,
			VSwitchIDs:      []string{p.cfg.VSwitchID},
			SecurityGroupID: p.cfg.SecurityGroupID,
		}
	}

	fn, err := p.client.CreateFunction(ctx, spec)
	if err != nil {
		reason := types.ReasonBackend
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Quota() {
			reason = types.ReasonQuota
		}
		return types.Endpoint{}, provisioner.Classify(fmt.Errorf("create function %s: %w", spec.Name, err), unit.TypeName, unit.ID, reason)
	}

	ep, err := endpointFromURL(fn.InvokeURL)
	if err != nil {
		p.client.DeleteFunction(context.WithoutCancel(ctx), spec.Name)
		return types.Endpoint{}, provisioner.Classify(err, unit.TypeName, unit.ID, types.ReasonBackend)
	}

	logging.Debug("Function created",
		logging.Unit(unit.ID, unit.TypeName),
		logging.String("function", spec.Name),
		logging.String("flavor", string(p.cfg.Flavor)),
	)
	return ep, nil
}

func endpointFromURL(raw string) (types.Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return types.Endpoint{}, fmt.Errorf("invalid invoke URL %q", raw)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		portStr = "80"
		if u.Scheme == "https" {
			portStr = "443"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("invalid invoke URL port %q", portStr)
	}
	return types.Endpoint{Host: host, Port: port, Scheme: u.Scheme}, nil
}

// Healthcheck requires the function to be Active.
func (p *Provisioner) Healthcheck(ctx context.Context, unit *types.Unit) error {
	name := provisioner.ResourceName(p.cfg.Prefix, unit)
	fn, err := p.client.GetFunction(ctx, name)
	if err != nil {
		if errors.Is(err, ErrFunctionNotFound) {
			return fmt.Errorf("%w: function %s", types.ErrUnitNotFound, name)
		}
		return err
	}
	switch fn.State {
	case StateActive:
		return nil
	case StateFailed:
		return fmt.Errorf("function %s failed: %s", name, fn.Reason)
	default:
		return fmt.Errorf("function %s is %s", name, fn.State)
	}
}

// Destroy deletes the unit's function.
func (p *Provisioner) Destroy(ctx context.Context, unit *types.Unit) error {
	name := provisioner.ResourceName(p.cfg.Prefix, unit)
	if err := p.client.DeleteFunction(ctx, name); err != nil && !errors.Is(err, ErrFunctionNotFound) {
		return fmt.Errorf("delete function %s: %w", name, err)
	}
	return nil
}

// Ping checks the control plane.
func (p *Provisioner) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}
