package image

import (
	"time"

	"github.com/cochaviz/petri/arch"
)

// Specification describes one sandbox image: the base distribution and the
// tracer tooling the collector execs inside the container.
type Specification struct {
	ID            string
	Version       string
	BaseImage     string
	Packages      []string
	Architectures []arch.Architecture
}

// Supports reports whether the specification can be built for a.
func (s Specification) Supports(a arch.Architecture) bool {
	for _, candidate := range s.Architectures {
		if candidate == a {
			return true
		}
	}
	return false
}

type BuildRequest struct {
	SpecificationID string
	Architecture    arch.Architecture
	// Tag defaults to DefaultTag.
	Tag string
	// Rebuild builds even when the tag already exists.
	Rebuild bool
}

type Image struct {
	Tag           string
	Specification string
	Architecture  arch.Architecture
	Platform      string
	BuiltAt       time.Time
	// Reused is set when an existing image satisfied the request.
	Reused bool
}
