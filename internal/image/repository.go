package image

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cochaviz/petri/arch"
)

var ErrSpecificationNotFound = errors.New("specification not found")

const defaultVersion = "2026.1"

// tracerPackages are required by the default tracer commands.
var tracerPackages = []string{
	"ca-certificates",
	"coreutils",
	"inotify-tools",
	"procps",
	"strace",
	"tar",
	"tcpdump",
}

// EmbeddedRepository contains the built-in image specifications, keeping
// every saved version.
type EmbeddedRepository struct {
	history map[string][]Specification
	order   []string
}

func NewEmbeddedRepository() *EmbeddedRepository {
	repo := &EmbeddedRepository{history: make(map[string][]Specification)}
	for _, spec := range defaultSpecs() {
		repo.append(spec)
	}
	return repo
}

func defaultSpecs() []Specification {
	return []Specification{
		{
			ID:        "debian-bookworm",
			Version:   defaultVersion,
			BaseImage: "debian:bookworm-slim",
			Packages:  tracerPackages,
			Architectures: []arch.Architecture{
				arch.X86_64, arch.I686, arch.AArch64, arch.ARMV7L, arch.PPC64LE, arch.S390X, arch.MIPS64,
			},
		},
		{
			ID:            "ubuntu-noble",
			Version:       defaultVersion,
			BaseImage:     "ubuntu:24.04",
			Packages:      tracerPackages,
			Architectures: []arch.Architecture{arch.X86_64, arch.AArch64, arch.ARMV7L, arch.PPC64LE, arch.S390X},
		},
	}
}

func (r *EmbeddedRepository) append(spec Specification) {
	if _, ok := r.history[spec.ID]; !ok {
		r.order = append(r.order, spec.ID)
	}
	r.history[spec.ID] = append(r.history[spec.ID], spec)
}

// Get returns the latest version of a specification.
func (r *EmbeddedRepository) Get(id string) (Specification, error) {
	versions := r.history[id]
	if len(versions) == 0 {
		return Specification{}, fmt.Errorf("%w: %s", ErrSpecificationNotFound, id)
	}
	return versions[len(versions)-1], nil
}

// Save adds a new version of a specification.
func (r *EmbeddedRepository) Save(spec Specification) (Specification, error) {
	if spec.ID == "" || spec.BaseImage == "" {
		return Specification{}, errors.New("specification needs an id and a base image")
	}
	r.append(spec)
	return spec, nil
}

func (r *EmbeddedRepository) ListVersions(id string) []Specification {
	return append([]Specification(nil), r.history[id]...)
}

// ListAll returns the latest version of every specification in insertion order.
func (r *EmbeddedRepository) ListAll() []Specification {
	out := make([]Specification, 0, len(r.order))
	for _, id := range r.order {
		versions := r.history[id]
		out = append(out, versions[len(versions)-1])
	}
	return out
}

// FilterByArchitecture returns the specifications that can be built for a,
// sorted by id.
func (r *EmbeddedRepository) FilterByArchitecture(a arch.Architecture) []Specification {
	var out []Specification
	for _, spec := range r.ListAll() {
		if spec.Supports(a) {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
