package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"debug/elf"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cochaviz/petri/arch"

	"github.com/kdomanski/iso9660"
)

var (
	ErrSampleNotFound  = errors.New("sample not found")
	ErrAmbiguousSample = errors.New("sample identifier is ambiguous")
)

// minPrefixLength is the shortest hash prefix accepted as a sample identifier.
const minPrefixLength = 6

// Sample describes one stored, content-addressed binary. ID is the lowercase
// hex SHA-256 of its contents.
type Sample struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Size         int64             `json:"size"`
	Architecture arch.Architecture `json:"architecture,omitempty"`
	Description  string            `json:"description,omitempty"`
	Origin       string            `json:"origin,omitempty"`
	AddedAt      time.Time         `json:"added_at"`
}

// SampleStore keeps samples under BaseDir as <sha256> plus a <sha256>.json sidecar.
type SampleStore struct {
	BaseDir string
	// FileCommand describes file types; `file` from PATH when empty.
	FileCommand string
}

func NewSampleStore(baseDir string) *SampleStore {
	return &SampleStore{BaseDir: baseDir}
}

// Add stores the file at path. ISO-9660 images are unpacked and every regular
// file inside is stored as its own sample.
func (s *SampleStore) Add(ctx context.Context, path string) ([]Sample, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sample path is required")
	}
	isISO, err := looksLikeISO(path)
	if err != nil {
		return nil, err
	}
	if isISO {
		return s.addISO(ctx, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sample: %w", err)
	}
	defer f.Close()

	sample, err := s.store(ctx, f, filepath.Base(path), "")
	if err != nil {
		return nil, err
	}
	return []Sample{sample}, nil
}

func (s *SampleStore) addISO(ctx context.Context, path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open iso: %w", err)
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return nil, fmt.Errorf("open iso image: %w", err)
	}
	root, err := image.RootDir()
	if err != nil {
		return nil, fmt.Errorf("read iso root: %w", err)
	}

	var out []Sample
	var walk func(dir *iso9660.File, prefix string) error
	walk = func(dir *iso9660.File, prefix string) error {
		children, err := dir.GetChildren()
		if err != nil {
			return fmt.Errorf("list iso directory %q: %w", prefix, err)
		}
		for _, child := range children {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := strings.TrimSuffix(child.Name(), ";1")
			rel := filepath.Join(prefix, name)
			if child.IsDir() {
				if err := walk(child, rel); err != nil {
					return err
				}
				continue
			}
			sample, err := s.store(ctx, child.Reader(), name, filepath.Base(path)+":"+rel)
			if err != nil {
				return err
			}
			out = append(out, sample)
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("iso %s contains no files", path)
	}
	return out, nil
}

func (s *SampleStore) store(ctx context.Context, r io.Reader, name, origin string) (Sample, error) {
	if s.BaseDir == "" {
		return Sample{}, errors.New("base directory is not configured")
	}
	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return Sample{}, err
	}

	tmp, err := os.CreateTemp(s.BaseDir, ".incoming-*")
	if err != nil {
		return Sample{}, fmt.Errorf("create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), r)
	if err != nil {
		tmp.Close()
		return Sample{}, fmt.Errorf("copy sample: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Sample{}, err
	}

	id := hex.EncodeToString(hash.Sum(nil))
	dest := filepath.Join(s.BaseDir, id)
	if existing, err := s.readMetadata(id); err == nil {
		return existing, nil
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return Sample{}, fmt.Errorf("store sample: %w", err)
	}
	if err := os.Chmod(dest, 0o444); err != nil {
		return Sample{}, err
	}

	desc := s.describe(ctx, dest)
	sample := Sample{
		ID:           id,
		Name:         name,
		Size:         size,
		Architecture: detectArchitecture(dest, desc),
		Description:  desc,
		Origin:       origin,
		AddedAt:      time.Now().UTC(),
	}
	if err := s.writeMetadata(sample); err != nil {
		return Sample{}, err
	}
	return sample, nil
}

// Get resolves a full hash or a unique prefix of at least six characters.
func (s *SampleStore) Get(ref string) (Sample, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if len(ref) < minPrefixLength {
		return Sample{}, fmt.Errorf("%w: %q", ErrSampleNotFound, ref)
	}
	if sample, err := s.readMetadata(ref); err == nil {
		return sample, nil
	}

	all, err := s.List()
	if err != nil {
		return Sample{}, err
	}
	var match []Sample
	for _, sample := range all {
		if strings.HasPrefix(sample.ID, ref) {
			match = append(match, sample)
		}
	}
	switch len(match) {
	case 0:
		return Sample{}, fmt.Errorf("%w: %q", ErrSampleNotFound, ref)
	case 1:
		return match[0], nil
	default:
		return Sample{}, fmt.Errorf("%w: %q matches %d samples", ErrAmbiguousSample, ref, len(match))
	}
}

// Open returns the sample's bytes.
func (s *SampleStore) Open(ref string) (io.ReadCloser, Sample, error) {
	sample, err := s.Get(ref)
	if err != nil {
		return nil, Sample{}, err
	}
	f, err := os.Open(s.Path(sample))
	if err != nil {
		return nil, Sample{}, fmt.Errorf("open sample %s: %w", sample.ID, err)
	}
	return f, sample, nil
}

func (s *SampleStore) Path(sample Sample) string {
	return filepath.Join(s.BaseDir, sample.ID)
}

// List returns all stored samples, newest first.
func (s *SampleStore) List() ([]Sample, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Sample
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sample, err := s.readMetadata(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.After(out[j].AddedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Remove deletes the sample and its metadata. Removing an unknown sample is not an error.
func (s *SampleStore) Remove(ref string) error {
	sample, err := s.Get(ref)
	if errors.Is(err, ErrSampleNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, p := range []string{s.Path(sample), metadataPath(s.Path(sample))} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *SampleStore) readMetadata(id string) (Sample, error) {
	data, err := os.ReadFile(metadataPath(filepath.Join(s.BaseDir, id)))
	if err != nil {
		return Sample{}, err
	}
	var sample Sample
	if err := json.Unmarshal(data, &sample); err != nil {
		return Sample{}, fmt.Errorf("decode sample metadata %s: %w", id, err)
	}
	return sample, nil
}

func (s *SampleStore) writeMetadata(sample Sample) error {
	payload, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(filepath.Join(s.BaseDir, sample.ID)), payload, 0o644)
}

func (s *SampleStore) describe(ctx context.Context, path string) string {
	command := s.FileCommand
	if command == "" {
		command = "file"
	}
	output, err := exec.CommandContext(ctx, command, "-b", path).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// detectArchitecture prefers the `file` description and falls back to the ELF
// header when the tool is missing.
func detectArchitecture(path, desc string) arch.Architecture {
	if a := arch.FromDescription(desc); a != "" {
		return a
	}
	f, err := elf.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	switch f.Machine {
	case elf.EM_X86_64:
		return arch.X86_64
	case elf.EM_386:
		return arch.I686
	case elf.EM_AARCH64:
		return arch.AArch64
	case elf.EM_ARM:
		return arch.ARMV7L
	case elf.EM_PPC64:
		return arch.PPC64LE
	case elf.EM_S390:
		return arch.S390X
	case elf.EM_MIPS:
		if f.Class == elf.ELFCLASS64 {
			return arch.MIPS64
		}
		if f.Data == elf.ELFDATA2LSB {
			return arch.MIPSEL
		}
		return arch.MIPS
	default:
		return ""
	}
}

// looksLikeISO checks for the primary volume descriptor signature.
func looksLikeISO(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open sample: %w", err)
	}
	defer f.Close()

	signature := make([]byte, 5)
	if _, err := f.ReadAt(signature, 0x8001); err != nil {
		return false, nil
	}
	return bytes.Equal(signature, []byte("CD001")), nil
}

func metadataPath(path string) string {
	return path + ".json"
}
