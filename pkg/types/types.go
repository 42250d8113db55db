// Package types defines the core domain types for the sandbox pool service.
package types

import (
	"net"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// SecurityLevel describes how strongly a sandbox profile is isolated.
type SecurityLevel string

const (
	SecurityLow    SecurityLevel = "low"
	SecurityMedium SecurityLevel = "medium"
	SecurityHigh   SecurityLevel = "high"
)

// Valid reports whether the level is one of the known values.
func (l SecurityLevel) Valid() bool {
	switch l {
	case SecurityLow, SecurityMedium, SecurityHigh:
		return true
	default:
		return false
	}
}

// BackendKind identifies the provisioning substrate of a unit.
type BackendKind string

const (
	BackendLocal              BackendKind = "local"
	BackendCluster            BackendKind = "cluster"
	BackendServerlessFC       BackendKind = "serverless-fc"
	BackendServerlessAgentRun BackendKind = "serverless-agentrun"
	BackendMock               BackendKind = "mock"
)

// UnitState represents the lifecycle state of a sandbox unit.
type UnitState string

const (
	UnitProvisioning UnitState = "provisioning"
	UnitReady        UnitState = "ready"
	UnitAllocated    UnitState = "allocated"
	UnitDraining     UnitState = "draining"
	UnitDestroyed    UnitState = "destroyed"
)

// DefaultContainerPort is the port the in-sandbox tool server listens on
// when a profile does not set one.
const DefaultContainerPort = 8080

// SandboxProfile is an immutable description of one sandbox type.
type SandboxProfile struct {
	TypeName              string            `json:"type_name" yaml:"type_name"`
	Image                 string            `json:"image" yaml:"image"`
	SecurityLevel         SecurityLevel     `json:"security_level" yaml:"security_level"`
	DefaultTimeoutSeconds int               `json:"default_timeout_seconds" yaml:"default_timeout_seconds"`
	Description           string            `json:"description,omitempty" yaml:"description"`
	DefaultEnvironment    map[string]string `json:"default_environment,omitempty" yaml:"default_environment"`

	// ContainerPort is the port of the tool server inside the unit.
	ContainerPort int `json:"container_port,omitempty" yaml:"container_port"`
	// Tools lists the tool names this type serves.
	Tools []string `json:"tools,omitempty" yaml:"tools"`
}

// StartupTimeout returns the healthcheck budget of the profile.
func (p *SandboxProfile) StartupTimeout() time.Duration {
	if p.DefaultTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.DefaultTimeoutSeconds) * time.Second
}

// Port returns the tool server port inside the unit.
func (p *SandboxProfile) Port() int {
	if p.ContainerPort <= 0 {
		return DefaultContainerPort
	}
	return p.ContainerPort
}

// Endpoint is the network address of a unit's control channel.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// Scheme defaults to http.
	Scheme string `json:"scheme,omitempty"`
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the base HTTP URL of the endpoint.
func (e Endpoint) URL() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + e.Address()
}

func (e Endpoint) String() string {
	return e.Address()
}

// Unit represents one running (or starting) sandbox instance.
type Unit struct {
	ID        string      `json:"id"`
	TypeName  string      `json:"type_name"`
	Backend   BackendKind `json:"backend"`
	Endpoint  Endpoint    `json:"endpoint"`
	Port      int         `json:"port"`
	MountPath string      `json:"mount_path,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	State     UnitState   `json:"state"`

	// Tenant is the tenant key the unit was bound to. A unit that has
	// served a tenant is never handed to another one.
	Tenant string `json:"tenant,omitempty"`
}

// TenantKey is the logical ownership key of sandboxes.
type TenantKey struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// String renders the key in the form used as a store key. Both parts are
// escaped so that distinct keys never render alike.
func (k TenantKey) String() string {
	return url.QueryEscape(k.SessionID) + ":" + url.QueryEscape(k.UserID)
}

// BoundUnit is the per-type slot of a tenant binding. A slot with a claim
// token and no unit ID marks an in-flight provisioning.
type BoundUnit struct {
	UnitID     string    `json:"unit_id,omitempty"`
	ClaimToken string    `json:"claim_token,omitempty"`
	ClaimedAt  time.Time `json:"claimed_at"`
}

// Pending reports whether the slot is still waiting for a unit.
func (b BoundUnit) Pending() bool {
	return b.UnitID == "" && b.ClaimToken != ""
}

// TenantBinding records which units a tenant owns.
type TenantBinding struct {
	Key        TenantKey            `json:"key"`
	Units      map[string]BoundUnit `json:"units"`
	LastUsedAt time.Time            `json:"last_used_at"`

	// Version is bumped by every successful compare-and-swap. Zero means
	// the binding has never been stored.
	Version int64 `json:"version"`
}

// NewTenantBinding returns an empty binding for key.
func NewTenantBinding(key TenantKey) *TenantBinding {
	return &TenantBinding{
		Key:   key,
		Units: make(map[string]BoundUnit),
	}
}

// UnitIDs returns the IDs of all units owned by the binding, sorted.
func (b *TenantBinding) UnitIDs() []string {
	ids := make([]string, 0, len(b.Units))
	for _, u := range b.Units {
		if u.UnitID != "" {
			ids = append(ids, u.UnitID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy.
func (b *TenantBinding) Clone() *TenantBinding {
	out := *b
	out.Units = make(map[string]BoundUnit, len(b.Units))
	for k, v := range b.Units {
		out.Units[k] = v
	}
	return &out
}

// IdleFor returns how long the binding has not been used.
func (b *TenantBinding) IdleFor(now time.Time) time.Duration {
	return now.Sub(b.LastUsedAt)
}

// PortLease records a port handed to a unit.
type PortLease struct {
	Port     int       `json:"port"`
	UnitID   string    `json:"unit_id"`
	LeasedAt time.Time `json:"leased_at"`
}

// ToolRef names a tool an agent wants to use, together with the sandbox
// types the tool declares it belongs to.
type ToolRef struct {
	Name         string   `json:"name"`
	SandboxTypes []string `json:"sandbox_types,omitempty"`
}

// ToolDescriptor describes a tool served inside a unit.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error,omitempty"`
}

// MCPServerConfig describes an extra tool provider registered in a unit.
type MCPServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Type    string            `json:"type,omitempty"`
}
