package storage

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kdomanski/iso9660"
)

type ArtifactKind string

const (
	ArtifactMemoryDump ArtifactKind = "memdump"
	ArtifactScreenshot ArtifactKind = "screenshot"
	ArtifactOutput     ArtifactKind = "output"
	ArtifactOther      ArtifactKind = "other"
)

// maxArtifactBytes bounds a single exported file.
const maxArtifactBytes = 2 << 30

type Artifact struct {
	Name   string       `json:"name"`
	Kind   ArtifactKind `json:"kind"`
	Path   string       `json:"path"`
	Size   int64        `json:"size"`
	SHA256 string       `json:"sha256"`
}

// ArtifactStore keeps files exported from sandboxes under BaseDir/<session>/.
type ArtifactStore struct {
	BaseDir string
}

func NewArtifactStore(baseDir string) *ArtifactStore {
	return &ArtifactStore{BaseDir: baseDir}
}

func (s *ArtifactStore) SessionDir(sessionID string) string {
	return filepath.Join(s.BaseDir, sessionID)
}

// ImportTar unpacks a tar stream of sandbox scratch directories. The top level
// directory of each entry decides its kind; entries escaping the session
// directory are rejected.
func (s *ArtifactStore) ImportTar(sessionID string, r io.Reader) ([]Artifact, error) {
	if s.BaseDir == "" {
		return nil, errors.New("base directory is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id is required")
	}
	root := s.SessionDir(sessionID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	var out []Artifact
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("read artifact archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		rel := filepath.Clean(strings.TrimPrefix(header.Name, "/"))
		if rel == "." || strings.HasPrefix(rel, "..") {
			return out, fmt.Errorf("artifact %q escapes the session directory", header.Name)
		}
		artifact, err := s.write(root, rel, io.LimitReader(tr, maxArtifactBytes))
		if err != nil {
			return out, err
		}
		out = append(out, artifact)
	}
	return out, nil
}

func (s *ArtifactStore) write(root, rel string, r io.Reader) (Artifact, error) {
	dest := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Artifact{}, err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Artifact{}, err
	}
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), r)
	if err != nil {
		f.Close()
		return Artifact{}, fmt.Errorf("write artifact %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return Artifact{}, err
	}
	return Artifact{
		Name:   rel,
		Kind:   kindFor(rel),
		Path:   dest,
		Size:   size,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// List returns the artifacts stored for a session, ordered by name.
func (s *ArtifactStore) List(sessionID string) ([]Artifact, error) {
	root := s.SessionDir(sessionID)
	var out []Artifact
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Artifact{Name: rel, Kind: kindFor(rel), Path: p, Size: info.Size()})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes everything stored for a session.
func (s *ArtifactStore) Remove(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is required")
	}
	return os.RemoveAll(s.SessionDir(sessionID))
}

// ExportISO packs a session's artifacts into an ISO-9660 image at imagePath and
// returns the paths the files have inside the image.
func (s *ArtifactStore) ExportISO(sessionID, imagePath string) ([]string, error) {
	artifacts, err := s.List(sessionID)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("session %s has no artifacts", sessionID)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(s.SessionDir(sessionID), "/"); err != nil {
		return nil, fmt.Errorf("stage artifacts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure image directory: %w", err)
	}
	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, volumeLabel("petri", sessionID)); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return nil, fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return nil, fmt.Errorf("finalize iso: %w", err)
	}

	manifest := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		manifest = append(manifest, iso9660RelativePath(filepath.ToSlash(a.Name)))
	}
	return manifest, nil
}

func kindFor(rel string) ArtifactKind {
	top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	switch top {
	case "memdumps":
		return ArtifactMemoryDump
	case "screenshots":
		return ArtifactScreenshot
	case "output":
		return ArtifactOutput
	default:
		return ArtifactOther
	}
}

func volumeLabel(parts ...string) string {
	const maxLen = 32

	label := strings.Join(parts, "_")
	var b strings.Builder
	for _, r := range label {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
