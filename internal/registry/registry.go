// Package registry holds the sandbox profiles known to the service and the
// static table that maps tool names to the sandbox type serving them.
package registry

import (
	"fmt"
	"sync"

	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// BaseType is the profile registered when the configuration names none.
const BaseType = "base"

// Registry maps type names to profiles. It is written during startup and
// only read afterwards.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*types.SandboxProfile
	order    []string
	tools    map[string]string
	frozen   bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		profiles: make(map[string]*types.SandboxProfile),
		tools:    make(map[string]string),
	}
}

// Register adds a profile. Registering an existing type name fails with
// ErrDuplicateType. Tools declared by the profile enter the tool table.
func (r *Registry) Register(profile types.SandboxProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return &types.ConfigError{Field: "registry", Reason: "registry is frozen"}
	}
	if profile.TypeName == "" {
		return &types.ConfigError{Field: "type_name", Reason: "must not be empty"}
	}
	if _, ok := r.profiles[profile.TypeName]; ok {
		return fmt.Errorf("%w: %s", types.ErrDuplicateType, profile.TypeName)
	}
	if profile.SecurityLevel == "" {
		profile.SecurityLevel = types.SecurityMedium
	}

	for _, tool := range profile.Tools {
		if owner, ok := r.tools[tool]; ok && owner != profile.TypeName {
			return fmt.Errorf("%w: %s is served by %s and %s", types.ErrAmbiguousToolSource, tool, owner, profile.TypeName)
		}
	}

	p := profile
	p.Tools = append([]string(nil), profile.Tools...)
	if profile.DefaultEnvironment != nil {
		p.DefaultEnvironment = make(map[string]string, len(profile.DefaultEnvironment))
		for k, v := range profile.DefaultEnvironment {
			p.DefaultEnvironment[k] = v
		}
	}
	r.profiles[p.TypeName] = &p
	r.order = append(r.order, p.TypeName)
	for _, tool := range p.Tools {
		r.tools[tool] = p.TypeName
	}
	return nil
}

// Resolve returns the profile registered under name.
func (r *Registry) Resolve(name string) (*types.SandboxProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrTypeNotFound, name)
	}
	return p, nil
}

// RegisterTool binds a tool name to a registered type.
func (r *Registry) RegisterTool(tool, typeName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return &types.ConfigError{Field: "registry", Reason: "registry is frozen"}
	}
	if _, ok := r.profiles[typeName]; !ok {
		return &types.ConfigError{Field: "tools." + tool, Reason: fmt.Sprintf("unknown sandbox type %q", typeName)}
	}
	if owner, ok := r.tools[tool]; ok && owner != typeName {
		return fmt.Errorf("%w: %s is served by %s and %s", types.ErrAmbiguousToolSource, tool, owner, typeName)
	}
	r.tools[tool] = typeName
	return nil
}

// ToolType returns the type serving tool.
func (r *Registry) ToolType(tool string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[tool]
	return t, ok
}

// ResolveTool determines the single sandbox type a tool reference needs.
// Declared types take precedence over the static table.
func (r *Registry) ResolveTool(ref types.ToolRef) (string, error) {
	switch len(ref.SandboxTypes) {
	case 1:
		if _, err := r.Resolve(ref.SandboxTypes[0]); err != nil {
			return "", err
		}
		return ref.SandboxTypes[0], nil
	case 0:
		if t, ok := r.ToolType(ref.Name); ok {
			return t, nil
		}
		return "", fmt.Errorf("%w: %s declares no sandbox type", types.ErrAmbiguousToolSource, ref.Name)
	default:
		return "", fmt.Errorf("%w: %s declares %v", types.ErrAmbiguousToolSource, ref.Name, ref.SandboxTypes)
	}
}

// Types returns the registered type names in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// DefaultProfile returns the builtin base profile.
func DefaultProfile(image string) types.SandboxProfile {
	return types.SandboxProfile{
		TypeName:              BaseType,
		Image:                 image,
		SecurityLevel:         types.SecurityMedium,
		DefaultTimeoutSeconds: 60,
		Description:           "general purpose code and shell sandbox",
		ContainerPort:         types.DefaultContainerPort,
		Tools:                 []string{"run_code", "run_shell_command", "read_file", "write_file", "browser_navigate"},
	}
}

// FromConfig builds a frozen registry from configured profiles and tool
// bindings. With no profiles the builtin base profile is registered.
func FromConfig(profiles []types.SandboxProfile, tools map[string]string, baseImage string) (*Registry, error) {
	r := New()
	if len(profiles) == 0 {
		profiles = []types.SandboxProfile{DefaultProfile(baseImage)}
	}
	for _, p := range profiles {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	for tool, typeName := range tools {
		if err := r.RegisterTool(tool, typeName); err != nil {
			return nil, err
		}
	}
	r.Freeze()
	return r, nil
}
