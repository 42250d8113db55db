// Package config provides configuration management for the sandbox pool server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ajaxzhan/sandboxpool/pkg/types"
	"gopkg.in/yaml.v3"
)

// Deployment values for CONTAINER_DEPLOYMENT.
const (
	DeploymentLocal              = "local"
	DeploymentCluster            = "cluster"
	DeploymentServerlessFC       = "serverless-fc"
	DeploymentServerlessAgentRun = "serverless-agentrun"
	DeploymentMock               = "mock"
)

// State store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config represents the complete server configuration.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Pool       PoolConfig             `yaml:"pool"`
	StateStore StateStoreConfig       `yaml:"state_store"`
	Storage    ObjectStorageConfig    `yaml:"object_storage"`
	Docker     DockerConfig           `yaml:"docker"`
	Cluster    ClusterConfig          `yaml:"cluster"`
	Serverless ServerlessConfig       `yaml:"serverless"`
	Profiles   []types.SandboxProfile `yaml:"profiles"`
	Tools      map[string]string      `yaml:"tools"`
	Logging    LoggingConfig          `yaml:"logging"`
}

// ServerConfig holds the listening addresses and worker count.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	HTTPPort int    `yaml:"http_port"`
	Workers  int    `yaml:"workers"`
	// Token is sent as a bearer token to every unit's control channel.
	Token string `yaml:"token"`
}

// GRPCAddr returns host:port for the gRPC listener.
func (c *ServerConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HTTPAddr returns host:port for the REST gateway, or "" when disabled.
func (c *ServerConfig) HTTPAddr() string {
	if c.HTTPPort <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// PoolConfig holds pool and lifecycle settings.
type PoolConfig struct {
	Size             int    `yaml:"size"`
	AutoCleanup      bool   `yaml:"auto_cleanup"`
	ContainerPrefix  string `yaml:"container_prefix"`
	Deployment       string `yaml:"deployment"`
	BaseImage        string `yaml:"base_image"`
	MountDir         string `yaml:"mount_dir"`
	PortRangeLow     int    `yaml:"port_range_low"`
	PortRangeHigh    int    `yaml:"port_range_high"`
	IdleTTL          string `yaml:"idle_ttl"`
	ReapInterval     string `yaml:"reap_interval"`
	WarmInterval     string `yaml:"warm_interval"`
	ProvisionTimeout string `yaml:"provision_timeout"`
}

// StateStoreConfig selects and configures the shared state store.
type StateStoreConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Kind     string `yaml:"kind"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Path     string `yaml:"path"`
	Prefix   string `yaml:"prefix"`
}

// EffectiveKind returns the store kind actually used.
func (c *StateStoreConfig) EffectiveKind() string {
	if !c.Enabled || c.Kind == "" {
		return StoreMemory
	}
	return c.Kind
}

// Addr returns host:port of a networked store.
func (c *StateStoreConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ObjectStorageConfig holds credentials for the workspace bucket. The unit
// mounts the bucket itself; the manager only forwards the settings.
type ObjectStorageConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret"`
	Bucket          string `yaml:"bucket"`
}

// Env renders the settings as environment variables for a unit.
func (c *ObjectStorageConfig) Env() map[string]string {
	if c.Endpoint == "" {
		return nil
	}
	return map[string]string{
		"OSS_ENDPOINT":          c.Endpoint,
		"OSS_ACCESS_KEY_ID":     c.AccessKeyID,
		"OSS_ACCESS_KEY_SECRET": c.AccessKeySecret,
		"OSS_BUCKET":            c.Bucket,
	}
}

// DockerConfig holds local container runtime settings.
type DockerConfig struct {
	Host        string `yaml:"host"`
	NetworkMode string `yaml:"network_mode"`
	// AdvertiseHost is the address clients use to reach published ports.
	AdvertiseHost string `yaml:"advertise_host"`
}

// ClusterConfig holds Kubernetes settings.
type ClusterConfig struct {
	Namespace        string `yaml:"namespace"`
	Kubeconfig       string `yaml:"kubeconfig"`
	RuntimeClassName string `yaml:"runtime_class_name"`
}

// ServerlessConfig holds function platform settings.
type ServerlessConfig struct {
	Endpoint        string  `yaml:"endpoint"`
	Region          string  `yaml:"region"`
	AccessKeyID     string  `yaml:"access_key_id"`
	AccessKeySecret string  `yaml:"access_key_secret"`
	CPU             float64 `yaml:"cpu"`
	MemoryMB        int     `yaml:"memory_mb"`
	VPCID           string  `yaml:"vpc_id"`
	VSwitchID       string  `yaml:"vswitch_id"`
	SecurityGroupID string  `yaml:"security_group_id"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     9000,
			HTTPPort: 8080,
			Workers:  1,
		},
		Pool: PoolConfig{
			Size:             1,
			AutoCleanup:      true,
			ContainerPrefix:  "sandbox",
			Deployment:       DeploymentLocal,
			BaseImage:        "sandboxpool/base:latest",
			MountDir:         "/tmp/sandboxpool/workspaces",
			PortRangeLow:     30000,
			PortRangeHigh:    31000,
			IdleTTL:          "5m",
			ReapInterval:     "30s",
			WarmInterval:     "10s",
			ProvisionTimeout: "2m",
		},
		StateStore: StateStoreConfig{
			Kind:   StoreMemory,
			Host:   "127.0.0.1",
			Port:   6379,
			Path:   "/tmp/sandboxpool/state.db",
			Prefix: "sandboxpool",
		},
		Docker: DockerConfig{
			NetworkMode:   "bridge",
			AdvertiseHost: "127.0.0.1",
		},
		Cluster: ClusterConfig{
			Namespace: "sandboxes",
		},
		Serverless: ServerlessConfig{
			CPU:      1,
			MemoryMB: 2048,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns default if file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ApplyEnv overrides fields from the recognized environment options.
// lookup is normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not a boolean", key, v))
				return
			}
			*dst = b
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not a number", key, v))
				return
			}
			*dst = f
		}
	}

	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)
	num("HTTP_PORT", &c.Server.HTTPPort)
	num("WORKERS", &c.Server.Workers)
	str("SANDBOX_TOKEN", &c.Server.Token)

	num("POOL_SIZE", &c.Pool.Size)
	flag("AUTO_CLEANUP", &c.Pool.AutoCleanup)
	str("CONTAINER_PREFIX_KEY", &c.Pool.ContainerPrefix)
	str("CONTAINER_DEPLOYMENT", &c.Pool.Deployment)
	str("BASE_IMAGE", &c.Pool.BaseImage)
	str("DEFAULT_MOUNT_DIR", &c.Pool.MountDir)
	str("IDLE_TTL", &c.Pool.IdleTTL)
	if v, ok := lookup("PORT_RANGE"); ok {
		low, high, err := ParsePortRange(v)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			c.Pool.PortRangeLow, c.Pool.PortRangeHigh = low, high
		}
	}

	flag("STATE_STORE_ENABLED", &c.StateStore.Enabled)
	str("STATE_STORE_KIND", &c.StateStore.Kind)
	str("STATE_STORE_HOST", &c.StateStore.Host)
	num("STATE_STORE_PORT", &c.StateStore.Port)
	str("STATE_STORE_PASSWORD", &c.StateStore.Password)
	num("STATE_STORE_DB", &c.StateStore.DB)
	str("STATE_STORE_PATH", &c.StateStore.Path)

	str("OSS_ENDPOINT", &c.Storage.Endpoint)
	str("OSS_ACCESS_KEY_ID", &c.Storage.AccessKeyID)
	str("OSS_ACCESS_KEY_SECRET", &c.Storage.AccessKeySecret)
	str("OSS_BUCKET", &c.Storage.Bucket)

	str("K8S_NAMESPACE", &c.Cluster.Namespace)
	str("KUBECONFIG", &c.Cluster.Kubeconfig)

	str("SERVERLESS_ENDPOINT", &c.Serverless.Endpoint)
	str("FC_REGION", &c.Serverless.Region)
	float("FC_CPU", &c.Serverless.CPU)
	num("FC_MEMORY_MB", &c.Serverless.MemoryMB)
	str("FC_VPC_ID", &c.Serverless.VPCID)
	str("FC_VSWITCH_ID", &c.Serverless.VSwitchID)
	str("FC_SECURITY_GROUP_ID", &c.Serverless.SecurityGroupID)
	str("SERVERLESS_ACCESS_KEY_ID", &c.Serverless.AccessKeyID)
	str("SERVERLESS_ACCESS_KEY_SECRET", &c.Serverless.AccessKeySecret)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if len(errs) > 0 {
		return &types.ConfigError{Field: "env", Reason: strings.Join(errs, "; ")}
	}
	return nil
}

// ParsePortRange parses "low,high" or "low-high" into a half-open range.
func ParsePortRange(s string) (int, int, error) {
	s = strings.Trim(strings.TrimSpace(s), "[)")
	sep := ","
	if !strings.Contains(s, sep) {
		sep = "-"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("PORT_RANGE=%q must look like low,high", s)
	}
	low, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	high, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("PORT_RANGE=%q must contain two integers", s)
	}
	return low, high, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

// Validate checks the configuration for fatal startup problems.
func (c *Config) Validate() error {
	if c.Pool.PortRangeLow <= 0 || c.Pool.PortRangeHigh > 65536 || c.Pool.PortRangeLow >= c.Pool.PortRangeHigh {
		return &types.ConfigError{Field: "port_range", Reason: fmt.Sprintf("[%d, %d) is not a valid port range", c.Pool.PortRangeLow, c.Pool.PortRangeHigh)}
	}
	if c.Pool.Size < 0 {
		return &types.ConfigError{Field: "pool.size", Reason: "must not be negative"}
	}
	switch c.Pool.Deployment {
	case DeploymentLocal, DeploymentCluster, DeploymentServerlessFC, DeploymentServerlessAgentRun, DeploymentMock:
	default:
		return &types.ConfigError{Field: "pool.deployment", Reason: fmt.Sprintf("unknown deployment %q", c.Pool.Deployment)}
	}
	switch c.StateStore.EffectiveKind() {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return &types.ConfigError{Field: "state_store.kind", Reason: fmt.Sprintf("unknown store %q", c.StateStore.Kind)}
	}
	if c.Server.Workers > 1 && c.StateStore.EffectiveKind() == StoreMemory {
		return &types.ConfigError{Field: "state_store", Reason: "more than one worker requires an external state store"}
	}
	if c.Pool.IdleTTL != "" {
		if _, err := time.ParseDuration(c.Pool.IdleTTL); err != nil {
			return &types.ConfigError{Field: "pool.idle_ttl", Reason: err.Error()}
		}
	}
	for i, p := range c.Profiles {
		if p.TypeName == "" {
			return &types.ConfigError{Field: fmt.Sprintf("profiles[%d]", i), Reason: "type_name is required"}
		}
		if p.Image == "" {
			return &types.ConfigError{Field: fmt.Sprintf("profiles[%d]", i), Reason: "image is required"}
		}
		if p.SecurityLevel != "" && !p.SecurityLevel.Valid() {
			return &types.ConfigError{Field: fmt.Sprintf("profiles[%d]", i), Reason: fmt.Sprintf("unknown security level %q", p.SecurityLevel)}
		}
	}
	return nil
}

// BackendKind maps the deployment setting to the unit backend kind.
func (c *PoolConfig) BackendKind() types.BackendKind {
	switch c.Deployment {
	case DeploymentCluster:
		return types.BackendCluster
	case DeploymentServerlessFC:
		return types.BackendServerlessFC
	case DeploymentServerlessAgentRun:
		return types.BackendServerlessAgentRun
	case DeploymentMock:
		return types.BackendMock
	default:
		return types.BackendLocal
	}
}

// GetIdleTTL returns the idle TTL as a time.Duration.
func (c *PoolConfig) GetIdleTTL() time.Duration {
	return parseDuration(c.IdleTTL, 5*time.Minute)
}

// GetReapInterval returns the reaper scan interval.
func (c *PoolConfig) GetReapInterval() time.Duration {
	return parseDuration(c.ReapInterval, 30*time.Second)
}

// GetWarmInterval returns the warmer tick interval.
func (c *PoolConfig) GetWarmInterval() time.Duration {
	return parseDuration(c.WarmInterval, 10*time.Second)
}

// GetProvisionTimeout returns the upper bound for a detached provisioning.
func (c *PoolConfig) GetProvisionTimeout() time.Duration {
	return parseDuration(c.ProvisionTimeout, 2*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
