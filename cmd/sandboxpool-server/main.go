// Package main provides the entry point for the sandbox pool server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ajaxzhan/sandboxpool/internal/config"
	"github.com/ajaxzhan/sandboxpool/internal/logging"
	"github.com/ajaxzhan/sandboxpool/internal/metrics"
	"github.com/ajaxzhan/sandboxpool/internal/portalloc"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner/docker"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner/kubernetes"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner/mock"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner/serverless"
	"github.com/ajaxzhan/sandboxpool/internal/registry"
	"github.com/ajaxzhan/sandboxpool/internal/server"
	"github.com/ajaxzhan/sandboxpool/internal/service"
	"github.com/ajaxzhan/sandboxpool/internal/statestore"
	"github.com/ajaxzhan/sandboxpool/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

type flags struct {
	configPath string
	host       string
	port       int
	httpPort   int
	deployment string
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:          "sandboxpool-server",
		Short:        "Pre-warmed sandbox pools bound to tenant sessions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(&f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "Path to configuration file (YAML)")
	root.PersistentFlags().StringVar(&f.host, "host", "", "Listen host (overrides config and HOST)")
	root.PersistentFlags().IntVar(&f.port, "port", 0, "gRPC port (overrides config and PORT)")
	root.PersistentFlags().IntVar(&f.httpPort, "http-port", 0, "REST gateway port, 0 keeps the configured value")
	root.PersistentFlags().StringVar(&f.deployment, "deployment", "", "Backend: local, cluster, serverless-fc, serverless-agentrun, mock")

	root.AddCommand(configCmd(&f))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func configCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

// loadConfig layers file, environment and flags, in that order.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.httpPort != 0 {
		cfg.Server.HTTPPort = f.httpPort
	}
	if f.deployment != "" {
		cfg.Pool.Deployment = f.deployment
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logging.Init(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	logging.Info("Starting sandbox pool server...",
		logging.String("grpc_addr", cfg.Server.GRPCAddr()),
		logging.String("http_addr", cfg.Server.HTTPAddr()),
		logging.String("deployment", cfg.Pool.Deployment),
		logging.String("state_store", cfg.StateStore.EffectiveKind()),
		logging.Int("pool_size", cfg.Pool.Size),
	)

	store, err := statestore.Open(ctx, cfg.StateStore)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := registry.FromConfig(cfg.Profiles, cfg.Tools, cfg.Pool.BaseImage)
	if err != nil {
		return err
	}
	logging.Info("Sandbox types registered", logging.Strings("types", reg.Types()))

	ports, err := portalloc.New(store, cfg.Pool.PortRangeLow, cfg.Pool.PortRangeHigh)
	if err != nil {
		return err
	}

	var workspaces *workspace.Manager
	if cfg.Pool.Deployment == config.DeploymentLocal {
		workspaces, err = workspace.New(cfg.Pool.MountDir)
		if err != nil {
			return fmt.Errorf("failed to prepare workspace directory: %w", err)
		}
		logging.Info("Workspace manager initialized", logging.String("path", workspaces.Base()))
	}

	prov, err := createProvisioner(cfg)
	if err != nil {
		return err
	}
	if c, ok := prov.(io.Closer); ok {
		defer c.Close()
	}
	logging.Info("Provisioner initialized", logging.String("backend", string(prov.Kind())))

	m := metrics.New()
	svc, err := service.New(service.ConfigFrom(cfg), service.Deps{
		Registry:    reg,
		Provisioner: prov,
		Store:       store,
		Ports:       ports,
		Workspaces:  workspaces,
		Metrics:     m,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	srv, err := server.New(&server.Config{
		GRPCAddr: cfg.Server.GRPCAddr(),
		HTTPAddr: cfg.Server.HTTPAddr(),
	}, svc, m.Handler())
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		logging.Info("Shutting down server...")
	case err = <-errCh:
		if err != nil {
			logging.Error("Server failed", logging.Err(err))
		}
	}

	srv.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := svc.Stop(stopCtx); stopErr != nil {
		logging.Warn("Service stop incomplete", logging.Err(stopErr))
	}
	return err
}

// createProvisioner creates the backend selected by the deployment setting.
func createProvisioner(cfg *config.Config) (provisioner.Provisioner, error) {
	switch cfg.Pool.Deployment {
	case config.DeploymentLocal:
		p, err := docker.New(&docker.Config{
			DockerHost:    cfg.Docker.Host,
			NetworkMode:   cfg.Docker.NetworkMode,
			AdvertiseHost: cfg.Docker.AdvertiseHost,
			Prefix:        cfg.Pool.ContainerPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Docker provisioner: %w", err)
		}
		return p, nil
	case config.DeploymentCluster:
		return kubernetes.New(kubernetes.Config{
			Namespace:        cfg.Cluster.Namespace,
			Kubeconfig:       cfg.Cluster.Kubeconfig,
			RuntimeClassName: cfg.Cluster.RuntimeClassName,
			Prefix:           cfg.Pool.ContainerPrefix,
		})
	case config.DeploymentServerlessFC, config.DeploymentServerlessAgentRun:
		flavor := serverless.FlavorFC
		if cfg.Pool.Deployment == config.DeploymentServerlessAgentRun {
			flavor = serverless.FlavorAgentRun
		}
		client := serverless.NewRESTClient(cfg.Serverless.Endpoint, flavor,
			cfg.Serverless.AccessKeyID, cfg.Serverless.AccessKeySecret)
		return serverless.New(client, serverless.Config{
			Flavor:          flavor,
			Prefix:          cfg.Pool.ContainerPrefix,
			CPU:             cfg.Serverless.CPU,
			MemoryMB:        cfg.Serverless.MemoryMB,
			VPCID:           cfg.Serverless.VPCID,
			VSwitchID:       cfg.Serverless.VSwitchID,
			SecurityGroupID: cfg.Serverless.SecurityGroupID,
		}), nil
	case config.DeploymentMock:
		logging.Warn("Using mock provisioner, units are not real")
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown deployment %q", cfg.Pool.Deployment)
	}
}
