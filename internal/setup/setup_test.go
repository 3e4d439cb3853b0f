package setup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cochaviz/petri/internal/analysis"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
runtime:
  image: registry.local/petri:1
bulkhead:
  mode: reject
  slots: 2
session:
  stop_grace: 5s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runtime.Image != "registry.local/petri:1" || cfg.Runtime.Binary != "docker" {
		t.Fatalf("runtime = %+v", cfg.Runtime)
	}
	if cfg.Bulkhead.Mode != analysis.BulkheadReject || cfg.Bulkhead.Slots != 2 || cfg.Bulkhead.MemoryMB != 0 {
		t.Fatalf("bulkhead = %+v", cfg.Bulkhead)
	}
	if cfg.Session.StopGrace != 5*time.Second || cfg.Session.ProvisionAttempts != analysis.DefaultProvisionAttempts {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if cfg.Network.Bridge == "" || cfg.Tracers.Syscall.Command == "" {
		t.Fatalf("network/tracer defaults missing: %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "bulkhead:\n  mode: drop\nnetwork:\n  gateway_cidr: 192.168.1.1/24\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() error = nil, want invalid config")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := Load(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load() error = %v, want ErrNotExist", err)
	}
	cfg, err := LoadOrDefault(path)
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Runtime.Image != DefaultImage {
		t.Fatalf("image = %q, want default", cfg.Runtime.Image)
	}
	if err := Verify(path); err == nil {
		t.Fatal("Verify() error = nil for missing file")
	}
}

type recordingHost struct {
	calls    []string
	setupErr error
}

func (r *recordingHost) EnsureNetwork(_ context.Context, name, bridge, subnet string) error {
	r.calls = append(r.calls, "network "+name+" "+bridge+" "+subnet)
	return nil
}

func (r *recordingHost) Setup(context.Context) error {
	r.calls = append(r.calls, "guard setup")
	return r.setupErr
}

func (r *recordingHost) Teardown(context.Context) error {
	r.calls = append(r.calls, "guard teardown")
	return nil
}

func TestInitializeAndTeardown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "etc", "config.yaml")
	cfg := DefaultConfig()
	cfg.Runtime.WorkDir = filepath.Join(dir, "run")
	cfg.Storage.SampleDir = filepath.Join(dir, "samples")
	cfg.Storage.ArtifactDir = filepath.Join(dir, "artifacts")

	rec := &recordingHost{}
	host := Host{Networks: rec, Guard: rec}
	if err := host.Initialize(context.Background(), path, cfg); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if len(rec.calls) != 2 || rec.calls[1] != "guard setup" {
		t.Fatalf("calls = %v", rec.calls)
	}
	if err := Verify(path); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	for _, d := range []string{cfg.Runtime.WorkDir, cfg.Storage.SampleDir, cfg.Storage.ArtifactDir} {
		if _, err := os.Stat(d); err != nil {
			t.Fatalf("directory %s missing: %v", d, err)
		}
	}

	if err := host.Teardown(context.Background(), path, cfg); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("config still present after Teardown: %v", err)
	}
}

func TestInitializeStopsOnGuardFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := DefaultConfig()
	cfg.Runtime.WorkDir = filepath.Join(dir, "run")
	cfg.Storage.SampleDir = filepath.Join(dir, "samples")
	cfg.Storage.ArtifactDir = filepath.Join(dir, "artifacts")

	rec := &recordingHost{setupErr: errors.New("operation not permitted")}
	if err := (Host{Networks: rec, Guard: rec}).Initialize(context.Background(), path, cfg); err == nil {
		t.Fatal("Initialize() error = nil, want guard failure")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("config written despite failure: %v", err)
	}
}
