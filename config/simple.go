package simple

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cochaviz/petri/arch"
	"github.com/cochaviz/petri/internal/analysis"
	"github.com/cochaviz/petri/internal/daemon"
	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/image"
	"github.com/cochaviz/petri/internal/logging"
	"github.com/cochaviz/petri/internal/metrics"
	"github.com/cochaviz/petri/internal/models"
	"github.com/cochaviz/petri/internal/netisolation"
	"github.com/cochaviz/petri/internal/policy"
	"github.com/cochaviz/petri/internal/sandbox"
	"github.com/cochaviz/petri/internal/setup"
	"github.com/cochaviz/petri/internal/storage"
)

const shutdownTimeout = 60 * time.Second

// Stack is the wired analysis service together with everything it owns.
type Stack struct {
	Config    setup.ServiceConfig
	Runtime   *sandbox.DockerRuntime
	Samples   *storage.SampleStore
	Artifacts *storage.ArtifactStore
	Results   *storage.ResultStore
	Metrics   *metrics.Metrics
	Service   *analysis.Service

	logger *slog.Logger
}

// Open builds the analysis service described by cfg. It does not contact the
// container engine; callers check availability when they need it.
func Open(ctx context.Context, cfg setup.ServiceConfig, logger *slog.Logger) (*Stack, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine, err := loadEngine(cfg.EvasionCatalog)
	if err != nil {
		return nil, err
	}

	results, err := storage.OpenResultStore(ctx, cfg.Storage.ResultDB)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	bulkhead, err := analysis.NewBulkhead(cfg.Bulkhead, m)
	if err != nil {
		results.Close()
		return nil, err
	}

	rt := sandbox.NewDockerRuntime(cfg.Runtime.WorkDir, cfg.Network.Network, logger.With("runtime", "docker"))
	rt.Binary = cfg.Runtime.Binary

	samples := storage.NewSampleStore(cfg.Storage.SampleDir)
	artifacts := storage.NewArtifactStore(cfg.Storage.ArtifactDir)
	reaper := analysis.NewReaper(rt, logger, m)

	orchestrator := analysis.NewOrchestrator(rt, samples, analysis.Options{
		Image:             cfg.Runtime.Image,
		Network:           cfg.Network.Network,
		Tracers:           cfg.Tracers,
		WatchPaths:        cfg.Session.WatchPaths,
		BufferSize:        cfg.Session.BufferSize,
		ProvisionAttempts: cfg.Session.ProvisionAttempts,
		StopGrace:         cfg.Session.StopGrace,
		Warmup:            cfg.Session.Warmup,
		FlushTimeout:      cfg.Session.FlushTimeout,
		Artifacts:         artifacts,
		Egress:            netisolation.NewGuard(cfg.Network, logger),
		Reaper:            reaper,
		Engine:            engine,
		Metrics:           m,
		Logger:            logger,
	})

	service := analysis.NewService(orchestrator, bulkhead, analysis.ServiceOptions{
		Results: results,
		Reaper:  reaper,
		Metrics: m,
		Logger:  logger,
	})

	slots, memoryMB := bulkhead.Capacity()
	logger.Debug("analysis service ready", "image", cfg.Runtime.Image, "slots", slots, "memory_mb", memoryMB, "mode", bulkhead.Mode())

	return &Stack{
		Config:    cfg,
		Runtime:   rt,
		Samples:   samples,
		Artifacts: artifacts,
		Results:   results,
		Metrics:   m,
		Service:   service,
		logger:    logger,
	}, nil
}

func loadEngine(path string) (*evasion.Engine, error) {
	if path == "" {
		return evasion.NewEngine(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evasion catalog: %w", err)
	}
	catalog, err := evasion.LoadCatalogYAML(data)
	if err != nil {
		return nil, fmt.Errorf("load evasion catalog %s: %w", path, err)
	}
	return evasion.NewEngine(catalog), nil
}

// Close stops running sessions, waits for their sandboxes to be released and
// closes the result store.
func (s *Stack) Close(ctx context.Context) error {
	return errors.Join(s.Service.Close(ctx), s.Results.Close())
}

func (s *Stack) closeDetached() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Close(ctx)
}

// RunAnalysis executes one sample in the foreground and returns its result.
// Cancelling ctx stops the session; the partial result is still returned.
func RunAnalysis(ctx context.Context, cfg setup.ServiceConfig, sampleRef string, exec models.ExecutionConfig, logger *slog.Logger) (result *analysis.Result, err error) {
	stack, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, stack.closeDetached())
	}()

	if err := stack.Runtime.Available(ctx); err != nil {
		return nil, err
	}
	sample, err := stack.Samples.Get(sampleRef)
	if err != nil {
		return nil, err
	}

	stack.logger.Info("starting analysis", "sample", sample.Name, "sample_id", sample.ID, "architecture", sample.Architecture)
	return stack.Service.ExecuteSampleWithConfig(ctx, sample.ID, exec)
}

// ShowPolicy returns the security policy derived from exec and its seccomp
// profile in the container engine's JSON format.
func ShowPolicy(exec models.ExecutionConfig) (policy.SecurityPolicy, []byte, error) {
	p, err := policy.Build(exec)
	if err != nil {
		return policy.SecurityPolicy{}, nil, err
	}
	profile, err := p.SeccompJSON()
	if err != nil {
		return policy.SecurityPolicy{}, nil, err
	}
	return p, profile, nil
}

// Serve runs the analysis daemon on socketPath until ctx is done. When
// metricsAddr is set the Prometheus registry is served there as well.
func Serve(ctx context.Context, cfg setup.ServiceConfig, socketPath, metricsAddr string, logger *slog.Logger) (err error) {
	logger = logging.Ensure(logger)
	stack, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, stack.closeDetached())
	}()

	if err := stack.Runtime.Available(ctx); err != nil {
		return err
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(stack.Metrics), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return daemon.New(socketPath, stack.Service, logger).Start(ctx)
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

// AddSample stores the file (or every file of an ISO image) at path.
func AddSample(ctx context.Context, cfg setup.ServiceConfig, path string) ([]storage.Sample, error) {
	cfg = cfg.WithDefaults()
	return storage.NewSampleStore(cfg.Storage.SampleDir).Add(ctx, path)
}

func ListSamples(cfg setup.ServiceConfig) ([]storage.Sample, error) {
	cfg = cfg.WithDefaults()
	return storage.NewSampleStore(cfg.Storage.SampleDir).List()
}

func RemoveSample(cfg setup.ServiceConfig, ref string) error {
	cfg = cfg.WithDefaults()
	return storage.NewSampleStore(cfg.Storage.SampleDir).Remove(ref)
}

// ExportArtifacts packs the artifacts of a session into an ISO image.
func ExportArtifacts(cfg setup.ServiceConfig, sessionID, imagePath string) ([]string, error) {
	cfg = cfg.WithDefaults()
	return storage.NewArtifactStore(cfg.Storage.ArtifactDir).ExportISO(sessionID, imagePath)
}

// History lists persisted results of a sample, newest first. An empty
// sampleID lists every sample.
func History(ctx context.Context, cfg setup.ServiceConfig, sampleID string, limit int) ([]storage.ResultRecord, error) {
	cfg = cfg.WithDefaults()
	results, err := storage.OpenResultStore(ctx, cfg.Storage.ResultDB)
	if err != nil {
		return nil, err
	}
	defer results.Close()
	return results.List(ctx, sampleID, limit)
}

func imageService(cfg setup.ServiceConfig, logger *slog.Logger) *image.Service {
	cfg = cfg.WithDefaults()
	logger = logging.Ensure(logger)
	rt := sandbox.NewDockerRuntime(cfg.Runtime.WorkDir, cfg.Network.Network, logger)
	rt.Binary = cfg.Runtime.Binary
	return &image.Service{
		Logger:     logger.With("service", "image"),
		Builder:    rt,
		Repository: image.NewEmbeddedRepository(),
	}
}

// BuildImage builds the sandbox image of a specification. An empty
// architecture builds for the host.
func BuildImage(ctx context.Context, cfg setup.ServiceConfig, specID string, a arch.Architecture, tag string, rebuild bool, logger *slog.Logger) (image.Image, error) {
	return imageService(cfg, logger).Build(ctx, image.BuildRequest{
		SpecificationID: specID,
		Architecture:    a,
		Tag:             tag,
		Rebuild:         rebuild,
	})
}

// ListImages reports the specifications available for a and whether their
// image has been built.
func ListImages(ctx context.Context, cfg setup.ServiceConfig, a arch.Architecture, logger *slog.Logger) ([]image.Status, error) {
	return imageService(cfg, logger).List(ctx, a)
}
