package simple

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cochaviz/petri/internal/models"
	"github.com/cochaviz/petri/internal/setup"
)

func testConfig(t *testing.T) setup.ServiceConfig {
	t.Helper()

	dir := t.TempDir()
	cfg := setup.DefaultConfig()
	cfg.Runtime.WorkDir = filepath.Join(dir, "run")
	cfg.Storage.SampleDir = filepath.Join(dir, "samples")
	cfg.Storage.ArtifactDir = filepath.Join(dir, "artifacts")
	cfg.Storage.ResultDB = filepath.Join(dir, "results.db")
	cfg.Bulkhead.Slots = 2
	cfg.Bulkhead.MemoryMB = 4096
	return cfg
}

func TestShowPolicy(t *testing.T) {
	t.Parallel()

	exec, err := models.NewExecutionConfig(60, 512, false, true, 1)
	if err != nil {
		t.Fatalf("NewExecutionConfig() error = %v", err)
	}
	p, profile, err := ShowPolicy(exec)
	if err != nil {
		t.Fatalf("ShowPolicy() error = %v", err)
	}
	if p.Resources.MemoryMB != 512 {
		t.Fatalf("memory = %d, want 512", p.Resources.MemoryMB)
	}

	var decoded map[string]any
	if err := json.Unmarshal(profile, &decoded); err != nil {
		t.Fatalf("seccomp profile is not JSON: %v", err)
	}
	if _, ok := decoded["defaultAction"]; !ok {
		t.Fatalf("seccomp profile missing defaultAction: %s", profile)
	}
}

func TestOpenWiresService(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	stack, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if artifacts := stack.Service.HiddenVMArtifacts(); len(artifacts) == 0 {
		t.Fatal("HiddenVMArtifacts() returned nothing")
	}
	if got := stack.Runtime.Binary; got != "docker" {
		t.Fatalf("runtime binary = %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stack.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records, err := History(context.Background(), cfg, "", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("History() = %d records, want 0", len(records))
	}
}

func TestOpenRejectsBadCatalog(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.EvasionCatalog = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := Open(context.Background(), cfg, nil); err == nil {
		t.Fatal("Open() error = nil, want missing catalog error")
	}
}

func TestSampleLifecycle(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.SampleDir = filepath.Join(t.TempDir(), "samples")
	path := filepath.Join(t.TempDir(), "dropper.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	added, err := AddSample(context.Background(), cfg, path)
	if err != nil {
		t.Fatalf("AddSample() error = %v", err)
	}
	if len(added) != 1 || added[0].Name != "dropper.sh" {
		t.Fatalf("AddSample() = %+v", added)
	}

	listed, err := ListSamples(cfg)
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListSamples() = %+v, %v", listed, err)
	}
	if err := RemoveSample(cfg, added[0].ID); err != nil {
		t.Fatalf("RemoveSample() error = %v", err)
	}
	if listed, _ := ListSamples(cfg); len(listed) != 0 {
		t.Fatalf("ListSamples() after remove = %+v", listed)
	}
}
