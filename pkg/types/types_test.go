package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSecurityLevel_Valid(t *testing.T) {
	tests := []struct {
		level SecurityLevel
		want  bool
	}{
		{SecurityLow, true},
		{SecurityMedium, true},
		{SecurityHigh, true},
		{SecurityLevel("extreme"), false},
		{SecurityLevel(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			if got := tt.level.Valid(); got != tt.want {
				t.Errorf("SecurityLevel(%q).Valid() = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestSandboxProfile_Defaults(t *testing.T) {
	p := &SandboxProfile{TypeName: "base"}
	if p.StartupTimeout() != 60*time.Second {
		t.Errorf("StartupTimeout() = %v, want 60s", p.StartupTimeout())
	}
	if p.Port() != DefaultContainerPort {
		t.Errorf("Port() = %d, want %d", p.Port(), DefaultContainerPort)
	}

	p.DefaultTimeoutSeconds = 5
	p.ContainerPort = 9000
	if p.StartupTimeout() != 5*time.Second {
		t.Errorf("StartupTimeout() = %v, want 5s", p.StartupTimeout())
	}
	if p.Port() != 9000 {
		t.Errorf("Port() = %d, want 9000", p.Port())
	}
}

func TestTenantBinding_UnitIDsSkipsClaims(t *testing.T) {
	b := NewTenantBinding(TenantKey{SessionID: "s1", UserID: "u1"})
	b.Units["base"] = BoundUnit{UnitID: "unit_b"}
	b.Units["browser"] = BoundUnit{UnitID: "unit_a"}
	b.Units["code"] = BoundUnit{ClaimToken: "tok"}

	ids := b.UnitIDs()
	if len(ids) != 2 || ids[0] != "unit_a" || ids[1] != "unit_b" {
		t.Errorf("UnitIDs() = %v, want [unit_a unit_b]", ids)
	}
	if !b.Units["code"].Pending() {
		t.Error("claim without unit should be pending")
	}
}

func TestTenantBinding_CloneIsDeep(t *testing.T) {
	b := NewTenantBinding(TenantKey{SessionID: "s1", UserID: "u1"})
	b.Units["base"] = BoundUnit{UnitID: "unit_1"}

	c := b.Clone()
	c.Units["base"] = BoundUnit{UnitID: "unit_2"}

	if b.Units["base"].UnitID != "unit_1" {
		t.Error("mutating the clone changed the original")
	}
}

func TestErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"config", &ConfigError{Field: "port_range", Reason: "empty"}, ErrConfig},
		{"provision", &ProvisionError{TypeName: "base", Reason: ReasonImage, Err: errors.New("pull")}, ErrProvision},
		{"connection", &ConnectionError{UnitID: "u", Err: errors.New("refused")}, ErrConnection},
		{"tool not found", &ToolError{Kind: ToolNotFound, Tool: "x"}, ErrToolNotFound},
		{"tool failed", &ToolError{Kind: ToolExecutionFailed, Tool: "x"}, ErrToolExecution},
		{"tool timeout", &ToolError{Kind: ToolTimeout, Tool: "x"}, ErrToolTimeout},
		{"wrapped", fmt.Errorf("connect: %w", &ProvisionError{Err: ErrStartupTimeout}), ErrStartupTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.target)
			}
		})
	}
}

func TestEndpoint_URL(t *testing.T) {
	e := Endpoint{Host: "127.0.0.1", Port: 30001}
	if e.URL() != "http://127.0.0.1:30001" {
		t.Errorf("URL() = %q", e.URL())
	}
}

func TestTenantKey_StringIsUnambiguous(t *testing.T) {
	tests := []struct {
		a, b TenantKey
	}{
		{TenantKey{SessionID: "a:b", UserID: "c"}, TenantKey{SessionID: "a", UserID: "b:c"}},
		{TenantKey{SessionID: "a%3Ab", UserID: "c"}, TenantKey{SessionID: "a:b", UserID: "c"}},
		{TenantKey{SessionID: "", UserID: ":"}, TenantKey{SessionID: ":", UserID: ""}},
	}
	for _, tt := range tests {
		if tt.a.String() == tt.b.String() {
			t.Errorf("%+v and %+v both render as %q", tt.a, tt.b, tt.a.String())
		}
	}
	if got := (TenantKey{SessionID: "s1", UserID: "u1"}).String(); got != "s1:u1" {
		t.Errorf("String() = %q, want s1:u1", got)
	}
}
