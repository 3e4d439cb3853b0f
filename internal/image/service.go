package image

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/cochaviz/petri/arch"
	"github.com/cochaviz/petri/internal/logging"
	"github.com/cochaviz/petri/internal/policy"
)

//go:embed assets/Dockerfile.tmpl
var dockerfileTemplate string

var dockerfile = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(dockerfileTemplate))

// Builder is the container engine side of an image build.
type Builder interface {
	BuildImage(ctx context.Context, tag, platform string, dockerfile []byte) error
	ImageExists(ctx context.Context, tag string) (bool, error)
}

type Repository interface {
	Get(id string) (Specification, error)
	ListAll() []Specification
}

type Service struct {
	Logger     *slog.Logger
	Builder    Builder
	Repository Repository
}

// DefaultTag is the tag an image is built under when the request has none.
// Host images carry no architecture suffix.
func DefaultTag(specID string, a arch.Architecture) string {
	if a == arch.Host() {
		return "petri/sandbox:" + specID
	}
	return fmt.Sprintf("petri/sandbox:%s-%s", specID, a)
}

// Render produces the Dockerfile for spec.
func Render(spec Specification) ([]byte, error) {
	data := struct {
		Specification
		Directories []string
	}{
		Specification: spec,
		Directories:   []string{policy.InputDir, policy.OutputDir, policy.ScreenshotsDir, policy.MemdumpsDir},
	}
	var buf bytes.Buffer
	if err := dockerfile.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render Dockerfile for %s: %w", spec.ID, err)
	}
	return buf.Bytes(), nil
}

// Build produces the image described by req, reusing an existing tag unless
// a rebuild is requested.
func (s *Service) Build(ctx context.Context, req BuildRequest) (Image, error) {
	if s.Builder == nil || s.Repository == nil {
		return Image{}, fmt.Errorf("image service is not configured")
	}
	spec, err := s.Repository.Get(req.SpecificationID)
	if err != nil {
		return Image{}, err
	}

	a := req.Architecture
	if a == "" {
		a = arch.Host()
	}
	if !spec.Supports(a) {
		return Image{}, fmt.Errorf("specification %s does not support %s", spec.ID, a)
	}
	platform := a.Platform()
	if platform == "" {
		return Image{}, fmt.Errorf("no container platform for %s", a)
	}
	tag := req.Tag
	if tag == "" {
		tag = DefaultTag(spec.ID, a)
	}

	logger := logging.Ensure(s.Logger).With("specification", spec.ID, "version", spec.Version, "architecture", a, "tag", tag)
	img := Image{Tag: tag, Specification: spec.ID, Architecture: a, Platform: platform}

	if !req.Rebuild {
		exists, err := s.Builder.ImageExists(ctx, tag)
		if err != nil {
			return Image{}, err
		}
		if exists {
			logger.Info("sandbox image already present")
			img.Reused = true
			return img, nil
		}
	}

	content, err := Render(spec)
	if err != nil {
		return Image{}, err
	}
	logger.Info("starting sandbox image build")
	if err := s.Builder.BuildImage(ctx, tag, platform, content); err != nil {
		return Image{}, fmt.Errorf("build %s: %w", tag, err)
	}
	img.BuiltAt = time.Now().UTC()
	logger.Info("sandbox image built")
	return img, nil
}

// Status pairs a specification with whether its image exists for one architecture.
type Status struct {
	Specification Specification
	Tag           string
	Built         bool
}

// List reports every specification that supports a and whether its default
// tag is present.
func (s *Service) List(ctx context.Context, a arch.Architecture) ([]Status, error) {
	var out []Status
	for _, spec := range s.Repository.ListAll() {
		if !spec.Supports(a) {
			continue
		}
		tag := DefaultTag(spec.ID, a)
		built, err := s.Builder.ImageExists(ctx, tag)
		if err != nil {
			return nil, err
		}
		out = append(out, Status{Specification: spec, Tag: tag, Built: built})
	}
	return out, nil
}
