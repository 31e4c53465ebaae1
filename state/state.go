// Package state persists the editable parts of a session: the shader
// source, custom uniform values and texture channel references.
package state

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Store.Load when nothing has been saved yet.
var ErrNotFound = errors.New("state: no saved state")

// Bag is the persisted session.
type Bag struct {
	Source string `yaml:"source"`

	// Uniforms maps custom uniform names to their values.
	Uniforms map[string]float32 `yaml:"uniforms,omitempty"`

	// Textures maps channel names (channel0, channel1) to image URIs.
	Textures map[string]string `yaml:"textures,omitempty"`
}

// UniformNames returns the uniform names in sorted order. The prelude
// lays out the custom block in this order.
func (b *Bag) UniformNames() []string {
	names := make([]string, 0, len(b.Uniforms))
	for name := range b.Uniforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of b.
func (b *Bag) Clone() Bag {
	out := Bag{Source: b.Source}
	if b.Uniforms != nil {
		out.Uniforms = make(map[string]float32, len(b.Uniforms))
		for k, v := range b.Uniforms {
			out.Uniforms[k] = v
		}
	}
	if b.Textures != nil {
		out.Textures = make(map[string]string, len(b.Textures))
		for k, v := range b.Textures {
			out.Textures[k] = v
		}
	}
	return out
}

// Encode writes b as YAML.
func Encode(w io.Writer, b Bag) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	return enc.Close()
}

// Decode reads a YAML bag. Unknown fields are rejected.
func Decode(r io.Reader) (Bag, error) {
	var b Bag
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return Bag{}, nil
		}
		return Bag{}, fmt.Errorf("state: decode: %w", err)
	}
	return b, nil
}

// Store loads and saves bags.
type Store interface {
	Load() (Bag, error)
	Save(b Bag) error
}

// FileStore keeps a bag in a single YAML file.
type FileStore struct {
	Path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads the bag. A missing file yields ErrNotFound.
func (s *FileStore) Load() (Bag, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Bag{}, ErrNotFound
		}
		return Bag{}, fmt.Errorf("state: %w", err)
	}
	return Decode(bytes.NewReader(data))
}

// Save writes the bag to a temporary file in the same directory and
// renames it over Path, so readers never observe a partial file.
func (s *FileStore) Save(b Bag) error {
	var buf bytes.Buffer
	if err := Encode(&buf, b); err != nil {
		return err
	}

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name) // no-op after a successful rename

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close: %w", err)
	}
	if err := os.Rename(name, s.Path); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}
