// Package types defines error types for the sandbox pool service.
package types

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrConfig              = errors.New("invalid configuration")
	ErrDuplicateType       = errors.New("sandbox type already registered")
	ErrTypeNotFound        = errors.New("sandbox type not found")
	ErrAmbiguousToolSource = errors.New("tool does not map to exactly one sandbox type")
	ErrProvision           = errors.New("provisioning failed")
	ErrStartupTimeout      = errors.New("sandbox did not become healthy in time")
	ErrPortExhausted       = errors.New("no free port in configured range")
	ErrConnection          = errors.New("sandbox unreachable")
	ErrUnitNotFound        = errors.New("unit not found")
	ErrBindingNotFound     = errors.New("tenant binding not found")
	ErrToolNotFound        = errors.New("tool not found")
	ErrToolExecution       = errors.New("tool execution failed")
	ErrToolTimeout         = errors.New("tool call timed out")
	ErrStoreConflict       = errors.New("state store write conflict")
	ErrServiceStopped      = errors.New("sandbox service is stopped")
)

// ConfigError reports a fatal startup configuration problem.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// ProvisionReason classifies provisioning failures.
type ProvisionReason string

const (
	ReasonImage   ProvisionReason = "image"
	ReasonQuota   ProvisionReason = "quota"
	ReasonTimeout ProvisionReason = "timeout"
	ReasonBackend ProvisionReason = "backend"
)

// ProvisionError represents a failed attempt to bring up a unit.
type ProvisionError struct {
	TypeName string
	UnitID   string
	Reason   ProvisionReason
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s (unit %s): %s: %v", e.TypeName, e.UnitID, e.Reason, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func (e *ProvisionError) Is(target error) bool {
	return target == ErrProvision
}

// ConnectionError reports that a unit's control channel could not be reached.
type ConnectionError struct {
	UnitID   string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("unit %s at %s unreachable: %v", e.UnitID, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// ToolErrorKind classifies tool failures.
type ToolErrorKind string

const (
	ToolNotFound        ToolErrorKind = "not_found"
	ToolExecutionFailed ToolErrorKind = "execution_failed"
	ToolTimeout         ToolErrorKind = "timeout"
)

// ToolError is surfaced verbatim from a unit's tool server.
type ToolError struct {
	Kind    ToolErrorKind
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

func (e *ToolError) Is(target error) bool {
	switch e.Kind {
	case ToolNotFound:
		return target == ErrToolNotFound
	case ToolExecutionFailed:
		return target == ErrToolExecution
	case ToolTimeout:
		return target == ErrToolTimeout
	}
	return false
}

// SandboxError represents a unit-related error with context.
type SandboxError struct {
	UnitID string
	Op     string
	Err    error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("unit %s: %s: %v", e.UnitID, e.Op, e.Err)
}

func (e *SandboxError) Unwrap() error {
	return e.Err
}
