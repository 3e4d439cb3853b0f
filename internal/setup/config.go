package setup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/petri/internal/analysis"
	"github.com/cochaviz/petri/internal/collector"
	"github.com/cochaviz/petri/internal/netisolation"

	"gopkg.in/yaml.v3"
)

var ConfigDir = "/etc/petri"
var StorageDir = "/var/lib/petri/"

// DefaultConfigPath is where Load and Initialize look without an explicit path.
var DefaultConfigPath = filepath.Join(ConfigDir, "config.yaml")

// DefaultImage is what 'petri image build debian-bookworm' produces on the host.
const DefaultImage = "petri/sandbox:debian-bookworm"

var packageLogger = slog.Default()

// SetLogger configures the package logger used for setup operations.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	packageLogger = logger
}

func getLogger() *slog.Logger {
	if packageLogger != nil {
		return packageLogger
	}
	return slog.Default()
}

type RuntimeConfig struct {
	// Binary is the container engine CLI.
	Binary string `yaml:"binary"`
	Image  string `yaml:"image"`
	// WorkDir holds generated seccomp profiles and masked files.
	WorkDir string `yaml:"work_dir"`
}

type StorageConfig struct {
	SampleDir   string `yaml:"sample_dir"`
	ArtifactDir string `yaml:"artifact_dir"`
	ResultDB    string `yaml:"result_db"`
}

type SessionConfig struct {
	ProvisionAttempts uint          `yaml:"provision_attempts"`
	StopGrace         time.Duration `yaml:"stop_grace"`
	Warmup            time.Duration `yaml:"warmup"`
	FlushTimeout      time.Duration `yaml:"flush_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
	WatchPaths        []string      `yaml:"watch_paths,omitempty"`
}

type DaemonConfig struct {
	Socket      string `yaml:"socket"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// ServiceConfig is the content of the service configuration file.
type ServiceConfig struct {
	Runtime  RuntimeConfig           `yaml:"runtime"`
	Storage  StorageConfig           `yaml:"storage"`
	Network  netisolation.Config     `yaml:"network"`
	Bulkhead analysis.BulkheadConfig `yaml:"bulkhead"`
	Session  SessionConfig           `yaml:"session"`
	Tracers  collector.TracerConfig  `yaml:"tracers"`
	// EvasionCatalog optionally replaces the embedded signature catalog.
	EvasionCatalog string       `yaml:"evasion_catalog,omitempty"`
	Daemon         DaemonConfig `yaml:"daemon"`
}

func DefaultConfig() ServiceConfig {
	return ServiceConfig{}.WithDefaults()
}

// WithDefaults fills every unset field. Bulkhead capacity is left at zero so
// it is derived from the host when the service starts.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	if c.Runtime.Binary == "" {
		c.Runtime.Binary = "docker"
	}
	if c.Runtime.Image == "" {
		c.Runtime.Image = DefaultImage
	}
	if c.Runtime.WorkDir == "" {
		c.Runtime.WorkDir = filepath.Join(StorageDir, "run")
	}
	if c.Storage.SampleDir == "" {
		c.Storage.SampleDir = filepath.Join(StorageDir, "samples")
	}
	if c.Storage.ArtifactDir == "" {
		c.Storage.ArtifactDir = filepath.Join(StorageDir, "artifacts")
	}
	if c.Storage.ResultDB == "" {
		c.Storage.ResultDB = filepath.Join(StorageDir, "results.db")
	}

	d := netisolation.DefaultConfig
	if c.Network.Network == "" {
		c.Network.Network = d.Network
	}
	if c.Network.Bridge == "" {
		c.Network.Bridge = d.Bridge
	}
	if c.Network.GatewayCIDR == "" {
		c.Network.GatewayCIDR = d.GatewayCIDR
	}
	if c.Network.SubnetCIDR == "" {
		c.Network.SubnetCIDR = d.SubnetCIDR
	}
	if c.Network.NftTable == "" {
		c.Network.NftTable = d.NftTable
	}

	if c.Bulkhead.Mode == "" {
		c.Bulkhead.Mode = analysis.BulkheadQueue
	}
	if c.Session.ProvisionAttempts == 0 {
		c.Session.ProvisionAttempts = analysis.DefaultProvisionAttempts
	}
	if c.Session.StopGrace == 0 {
		c.Session.StopGrace = analysis.DefaultStopGrace
	}
	if c.Session.Warmup == 0 {
		c.Session.Warmup = analysis.DefaultWarmup
	}
	if c.Session.FlushTimeout == 0 {
		c.Session.FlushTimeout = analysis.DefaultFlushTimeout
	}
	c.Tracers = c.Tracers.WithDefaults()

	if c.Daemon.Socket == "" {
		c.Daemon.Socket = "/var/run/petri/daemon.sock"
	}
	return c
}

// Validate checks what can be checked without touching the host.
func (c ServiceConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Runtime.Image) == "" {
		errs = append(errs, errors.New("runtime.image is required"))
	}
	switch c.Bulkhead.Mode {
	case "", analysis.BulkheadQueue, analysis.BulkheadReject:
	default:
		errs = append(errs, fmt.Errorf("bulkhead.mode %q is not queue or reject", c.Bulkhead.Mode))
	}
	if c.Bulkhead.Slots < 0 || c.Bulkhead.MemoryMB < 0 {
		errs = append(errs, errors.New("bulkhead capacity must not be negative"))
	}
	if err := c.Network.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("network: %w", err))
	}
	return errors.Join(errs...)
}

// Load reads the configuration at path, applies defaults and validates it. A
// missing file yields an error wrapping os.ErrNotExist.
func Load(path string) (ServiceConfig, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg ServiceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServiceConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return ServiceConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (ServiceConfig, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		getLogger().Debug("no configuration file, using defaults", "path", path)
		return DefaultConfig(), nil
	}
	return cfg, err
}

func Save(path string, cfg ServiceConfig) error {
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Verify reports whether the host has been initialized with a usable config.
func Verify(path string) error {
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file %s does not exist", path)
	}
	_, err := Load(path)
	return err
}

func ClearConfig(path string) error {
	if path == "" {
		path = DefaultConfigPath
	}
	getLogger().Info("clearing configuration file", "path", path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
