package setup

import (
	"context"
	"fmt"
	"os"

	"github.com/cochaviz/petri/internal/netisolation"
	"github.com/cochaviz/petri/internal/sandbox"
)

// NetworkProvisioner creates the container network the capture bridge backs.
type NetworkProvisioner interface {
	EnsureNetwork(ctx context.Context, name, bridge, subnet string) error
}

// BridgeGuard installs and removes the host side isolation of the bridge.
type BridgeGuard interface {
	Setup(ctx context.Context) error
	Teardown(ctx context.Context) error
}

// Host bundles what Initialize touches; the zero value uses the real docker
// CLI and netlink.
type Host struct {
	Networks NetworkProvisioner
	Guard    BridgeGuard
}

func (h Host) withDefaults(cfg ServiceConfig) Host {
	if h.Networks == nil {
		rt := sandbox.NewDockerRuntime(cfg.Runtime.WorkDir, cfg.Network.Network, getLogger())
		rt.Binary = cfg.Runtime.Binary
		h.Networks = rt
	}
	if h.Guard == nil {
		h.Guard = netisolation.NewGuard(cfg.Network, getLogger().With("component", "netisolation"))
	}
	return h
}

// Initialize prepares the host for analysis runs and writes cfg to path. The
// docker network is created first so the engine owns the bridge device; the
// guard then addresses it and installs the forwarding rules.
func (h Host) Initialize(ctx context.Context, path string, cfg ServiceConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	h = h.withDefaults(cfg)
	logger := getLogger()

	for _, dir := range []string{cfg.Runtime.WorkDir, cfg.Storage.SampleDir, cfg.Storage.ArtifactDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	logger.Info("storage directories ready", "samples", cfg.Storage.SampleDir, "artifacts", cfg.Storage.ArtifactDir)

	if err := h.Networks.EnsureNetwork(ctx, cfg.Network.Network, cfg.Network.Bridge, cfg.Network.SubnetCIDR); err != nil {
		return fmt.Errorf("create capture network: %w", err)
	}
	if err := h.Guard.Setup(ctx); err != nil {
		return fmt.Errorf("isolate capture bridge: %w", err)
	}
	logger.Info("capture bridge isolated", "network", cfg.Network.Network, "bridge", cfg.Network.Bridge)

	if err := Save(path, cfg); err != nil {
		return err
	}
	logger.Info("configuration written", "path", path)
	return nil
}

// Teardown removes the isolation rules and the configuration file. Samples,
// artifacts and results are kept.
func (h Host) Teardown(ctx context.Context, path string, cfg ServiceConfig) error {
	h = h.withDefaults(cfg.WithDefaults())
	if err := h.Guard.Teardown(ctx); err != nil {
		return fmt.Errorf("remove isolation rules: %w", err)
	}
	return ClearConfig(path)
}
