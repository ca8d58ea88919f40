package weights

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes an exported model on disk: the graph file and where each weight lives.
type Manifest struct {
	Name string `yaml:"name"`

	// Graph is the graph file, relative to the manifest.
	Graph Blob `yaml:"graph"`

	// Deferred is true when every weight has its own file.
	Deferred bool `yaml:"deferred"`

	// Bundle is the msgpack weights file, set when Deferred is false.
	Bundle *Blob `yaml:"bundle,omitempty"`

	// Weights is keyed by the identifier used in the graph.
	Weights map[string]Weight `yaml:"weights"`
}

// Blob is a file identified by the sha256 of its contents.
type Blob struct {
	File string `yaml:"file,omitempty"`
	Hash string `yaml:"hash"`
	Size int64  `yaml:"size"`
}

type Weight struct {
	Blob  `yaml:",inline"`
	DType string  `yaml:"dtype,omitempty"`
	Dims  []int64 `yaml:"dims,omitempty,flow"`
}

func (m *Manifest) Marshal() ([]byte, error) {
	b, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshalling manifest: %w", err)
	}
	return b, nil
}

func ParseManifest(b []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func ReadManifest(p string) (*Manifest, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %q: %w", p, err)
	}
	m, err := ParseManifest(b)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %q: %w", p, err)
	}
	return m, nil
}

func (m *Manifest) validate() error {
	if err := validateFileName(m.Name); err != nil {
		return fmt.Errorf("invalid model name: %w", err)
	}
	if m.Deferred {
		if m.Bundle != nil {
			return fmt.Errorf("manifest for %q has both deferred weights and a bundle", m.Name)
		}
		for id, w := range m.Weights {
			if w.File == "" {
				return fmt.Errorf("deferred weight %q has no file", id)
			}
		}
	} else if len(m.Weights) != 0 && m.Bundle == nil {
		return fmt.Errorf("manifest for %q has weights but no bundle", m.Name)
	}
	for id := range m.Weights {
		if err := validateFileName(id); err != nil {
			return fmt.Errorf("invalid weight identifier: %w", err)
		}
	}
	return nil
}

// validateFileName rejects names that would escape the output directory.
func validateFileName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%q is not a valid file name", s)
	}
	return nil
}
