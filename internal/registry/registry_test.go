package registry

import (
	"errors"
	"testing"

	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	if err := r.Register(types.SandboxProfile{TypeName: "base", Image: "sandbox/base:1"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	p, err := r.Resolve("base")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if p.Image != "sandbox/base:1" {
		t.Errorf("Image = %q", p.Image)
	}
	if p.SecurityLevel != types.SecurityMedium {
		t.Errorf("SecurityLevel = %q, want medium default", p.SecurityLevel)
	}

	if _, err := r.Resolve("gpu"); !errors.Is(err, types.ErrTypeNotFound) {
		t.Errorf("Resolve unknown: got %v, want ErrTypeNotFound", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	_ = r.Register(types.SandboxProfile{TypeName: "base", Image: "a"})
	err := r.Register(types.SandboxProfile{TypeName: "base", Image: "b"})
	if !errors.Is(err, types.ErrDuplicateType) {
		t.Fatalf("got %v, want ErrDuplicateType", err)
	}
	p, _ := r.Resolve("base")
	if p.Image != "a" {
		t.Error("duplicate registration replaced the original profile")
	}
}

func TestRegisterCopiesProfile(t *testing.T) {
	r := New()
	env := map[string]string{"A": "1"}
	_ = r.Register(types.SandboxProfile{TypeName: "base", Image: "a", DefaultEnvironment: env})
	env["A"] = "2"

	p, _ := r.Resolve("base")
	if p.DefaultEnvironment["A"] != "1" {
		t.Error("profile shares the caller's environment map")
	}
}

func TestResolveTool(t *testing.T) {
	r := New()
	_ = r.Register(types.SandboxProfile{TypeName: "base", Image: "a", Tools: []string{"run_code"}})
	_ = r.Register(types.SandboxProfile{TypeName: "browser", Image: "b"})
	if err := r.RegisterTool("browser_navigate", "browser"); err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}

	tests := []struct {
		name    string
		ref     types.ToolRef
		want    string
		wantErr error
	}{
		{"table lookup", types.ToolRef{Name: "run_code"}, "base", nil},
		{"registered tool", types.ToolRef{Name: "browser_navigate"}, "browser", nil},
		{"declared type wins", types.ToolRef{Name: "run_code", SandboxTypes: []string{"browser"}}, "browser", nil},
		{"unknown tool", types.ToolRef{Name: "fly"}, "", types.ErrAmbiguousToolSource},
		{"two types", types.ToolRef{Name: "x", SandboxTypes: []string{"base", "browser"}}, "", types.ErrAmbiguousToolSource},
		{"declared unknown type", types.ToolRef{Name: "x", SandboxTypes: []string{"gpu"}}, "", types.ErrTypeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveTool(tt.ref)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveTool = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegisterToolValidation(t *testing.T) {
	r := New()
	_ = r.Register(types.SandboxProfile{TypeName: "base", Image: "a", Tools: []string{"run_code"}})
	_ = r.Register(types.SandboxProfile{TypeName: "other", Image: "b"})

	if err := r.RegisterTool("x", "gpu"); !errors.Is(err, types.ErrConfig) {
		t.Errorf("unknown type: got %v, want ConfigError", err)
	}
	if err := r.RegisterTool("run_code", "other"); !errors.Is(err, types.ErrAmbiguousToolSource) {
		t.Errorf("conflict: got %v, want ErrAmbiguousToolSource", err)
	}
	if err := r.RegisterTool("run_code", "base"); err != nil {
		t.Errorf("re-registering same binding: %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(nil, map[string]string{"grep": BaseType}, "sandbox/base:latest")
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	if got := r.Types(); len(got) != 1 || got[0] != BaseType {
		t.Errorf("Types() = %v", got)
	}
	if typ, ok := r.ToolType("grep"); !ok || typ != BaseType {
		t.Errorf("ToolType(grep) = %q, %v", typ, ok)
	}
	if err := r.Register(types.SandboxProfile{TypeName: "late", Image: "x"}); !errors.Is(err, types.ErrConfig) {
		t.Errorf("Register after freeze: got %v", err)
	}

	_, err = FromConfig(nil, map[string]string{"grep": "nope"}, "img")
	if !errors.Is(err, types.ErrConfig) {
		t.Errorf("unknown tool type: got %v", err)
	}
}
