// Package weights stores exported models on disk and moves their weights through a blobstore.
//
// A model called "m" is laid out as:
//
//	m.onnx           serialized graph
//	m.weights        msgpack map of identifier to bytes (bundled)
//	m.weights.d/<id> one file per identifier (deferred)
//	m.manifest.yaml  hashes and sizes of all of the above
package weights

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/justinsb/ktrace/pkg/blobs"
	"github.com/justinsb/ktrace/pkg/tracer"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"
)

// ErrHashMismatch is returned when a file does not match the hash recorded in its manifest.
var ErrHashMismatch = errors.New("hash mismatch")

func GraphFile(name string) string { return name + ".onnx" }
func BundleFile(name string) string { return name + ".weights" }
func WeightsDir(name string) string { return name + ".weights.d" }
func ManifestFile(name string) string { return name + ".manifest.yaml" }

func weightFile(name, id string) string {
	return filepath.Join(WeightsDir(name), id)
}

type options struct {
	types map[string]tracer.TensorType
}

type Option func(*options)

// WithTypes records the dtype and dims of each weight in the manifest.
func WithTypes(types map[string]tracer.TensorType) Option {
	return func(o *options) {
		o.types = types
	}
}

// InputTypes returns the type of each graph input, keyed by identifier.
func InputTypes(g *tracer.Graph) map[string]tracer.TensorType {
	inputs := g.Inputs()
	types := make(map[string]tracer.TensorType, len(inputs))
	for _, in := range inputs {
		if t := in.Type(); t != nil {
			types[in.Name()] = tracer.TensorType{DType: t.DType, Dims: slices.Clone(t.Dims)}
		}
	}
	return types
}

// Write stores an exported model under dir and returns its manifest.
// When deferred is set each weight gets its own file, otherwise they share a msgpack bundle.
func Write(ctx context.Context, dir string, name string, graphBytes []byte, exportMap tracer.ExportMap, deferred bool, opts ...Option) (*Manifest, error) {
	log := klog.FromContext(ctx)

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateFileName(name); err != nil {
		return nil, fmt.Errorf("invalid model name: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory %q: %w", dir, err)
	}

	m := &Manifest{
		Name:     name,
		Deferred: deferred,
		Weights:  make(map[string]Weight, len(exportMap)),
	}

	graph, err := writeBlob(ctx, dir, GraphFile(name), graphBytes)
	if err != nil {
		return nil, err
	}
	m.Graph = graph

	ids := make([]string, 0, len(exportMap))
	for id := range exportMap {
		if err := validateFileName(id); err != nil {
			return nil, fmt.Errorf("invalid weight identifier: %w", err)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	if deferred && len(ids) != 0 {
		if err := os.MkdirAll(filepath.Join(dir, WeightsDir(name)), 0755); err != nil {
			return nil, fmt.Errorf("creating weights directory: %w", err)
		}
	}

	for _, id := range ids {
		data := exportMap[id]
		w := Weight{}
		if deferred {
			b, err := writeBlob(ctx, dir, weightFile(name, id), data)
			if err != nil {
				return nil, err
			}
			w.Blob = b
		} else {
			w.Blob = Blob{Hash: hashBytes(data), Size: int64(len(data))}
		}
		if t, ok := o.types[id]; ok {
			w.DType = t.DType
			w.Dims = slices.Clone(t.Dims)
		}
		m.Weights[id] = w
	}

	if !deferred && len(ids) != 0 {
		bundle, err := encodeBundle(exportMap)
		if err != nil {
			return nil, err
		}
		b, err := writeBlob(ctx, dir, BundleFile(name), bundle)
		if err != nil {
			return nil, err
		}
		m.Bundle = &b
	}

	manifestBytes, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	if err := blobs.WriteFile(ctx, filepath.Join(dir, ManifestFile(name)), manifestBytes); err != nil {
		return nil, err
	}

	log.Info("wrote model", "dir", dir, "name", name, "weights", len(ids), "deferred", deferred)
	return m, nil
}

// Read loads a model previously written to dir, verifying every hash.
func Read(dir string, name string) (*Manifest, []byte, tracer.ExportMap, error) {
	m, err := ReadManifest(filepath.Join(dir, ManifestFile(name)))
	if err != nil {
		return nil, nil, nil, err
	}
	graph, exportMap, err := Load(dir, m)
	if err != nil {
		return nil, nil, nil, err
	}
	return m, graph, exportMap, nil
}

// Load reads the graph and weights described by m from dir.
func Load(dir string, m *Manifest) ([]byte, tracer.ExportMap, error) {
	if err := m.validate(); err != nil {
		return nil, nil, err
	}

	graph, err := readVerified(filepath.Join(dir, GraphFile(m.Name)), m.Graph.Hash)
	if err != nil {
		return nil, nil, err
	}

	exportMap := make(tracer.ExportMap, len(m.Weights))
	if m.Deferred {
		for id, w := range m.Weights {
			data, err := readVerified(filepath.Join(dir, weightFile(m.Name, id)), w.Hash)
			if err != nil {
				return nil, nil, err
			}
			exportMap[id] = data
		}
		return graph, exportMap, nil
	}

	if m.Bundle == nil {
		return graph, exportMap, nil
	}
	bundle, err := readVerified(filepath.Join(dir, BundleFile(m.Name)), m.Bundle.Hash)
	if err != nil {
		return nil, nil, err
	}
	decoded, err := decodeBundle(bundle)
	if err != nil {
		return nil, nil, err
	}
	for id, w := range m.Weights {
		data, ok := decoded[id]
		if !ok {
			return nil, nil, fmt.Errorf("weight %q missing from bundle", id)
		}
		if got := hashBytes(data); got != w.Hash {
			return nil, nil, fmt.Errorf("weight %q has hash %s, expected %s: %w", id, got, w.Hash, ErrHashMismatch)
		}
		exportMap[id] = data
	}
	return graph, exportMap, nil
}

// Publish uploads the graph and weight files of a written model, keyed by hash.
func Publish(ctx context.Context, store blobs.Blobstore, dir string, m *Manifest) error {
	log := klog.FromContext(ctx)

	for _, f := range m.files() {
		p := filepath.Join(dir, f.path)
		info, _, err := blobs.HashFile(p)
		if err != nil {
			return err
		}
		if info.Hash != f.hash {
			return fmt.Errorf("file %q has hash %s, manifest expects %s: %w", p, info.Hash, f.hash, ErrHashMismatch)
		}
		if err := store.Upload(ctx, p, info); err != nil {
			return fmt.Errorf("uploading %q: %w", p, err)
		}
	}

	log.Info("published model", "name", m.Name, "files", len(m.files()))
	return nil
}

// Fetch downloads the files of m into dir, reusing any that are already present and intact.
func Fetch(ctx context.Context, reader blobs.BlobReader, m *Manifest, dir string) (tracer.ExportMap, error) {
	log := klog.FromContext(ctx)

	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.Deferred && len(m.Weights) != 0 {
		if err := os.MkdirAll(filepath.Join(dir, WeightsDir(m.Name)), 0755); err != nil {
			return nil, fmt.Errorf("creating weights directory: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %q: %w", dir, err)
	}

	for _, f := range m.files() {
		p := filepath.Join(dir, f.path)
		if info, _, err := blobs.HashFile(p); err == nil && info.Hash == f.hash {
			log.V(2).Info("file already present", "path", p)
			continue
		}
		if err := reader.Download(ctx, blobs.BlobInfo{Hash: f.hash}, p); err != nil {
			return nil, fmt.Errorf("downloading %q: %w", f.path, err)
		}
	}

	_, exportMap, err := Load(dir, m)
	if err != nil {
		return nil, err
	}

	manifestBytes, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	if err := blobs.WriteFile(ctx, filepath.Join(dir, ManifestFile(m.Name)), manifestBytes); err != nil {
		return nil, err
	}
	return exportMap, nil
}

type manifestFile struct {
	path string
	hash string
}

// files lists the files of m relative to the model directory.
func (m *Manifest) files() []manifestFile {
	files := []manifestFile{{path: GraphFile(m.Name), hash: m.Graph.Hash}}
	if m.Deferred {
		ids := make([]string, 0, len(m.Weights))
		for id := range m.Weights {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			files = append(files, manifestFile{path: weightFile(m.Name, id), hash: m.Weights[id].Hash})
		}
	} else if m.Bundle != nil {
		files = append(files, manifestFile{path: BundleFile(m.Name), hash: m.Bundle.Hash})
	}
	return files
}

func writeBlob(ctx context.Context, dir string, rel string, data []byte) (Blob, error) {
	if err := blobs.WriteFile(ctx, filepath.Join(dir, rel), data); err != nil {
		return Blob{}, err
	}
	return Blob{File: filepath.ToSlash(rel), Hash: hashBytes(data), Size: int64(len(data))}, nil
}

func readVerified(p string, hash string) ([]byte, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", p, err)
	}
	if got := hashBytes(b); got != hash {
		return nil, fmt.Errorf("file %q has hash %s, expected %s: %w", p, got, hash, ErrHashMismatch)
	}
	return b, nil
}

func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// encodeBundle sorts map keys so the same weights always produce the same bundle hash.
func encodeBundle(exportMap tracer.ExportMap) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(map[string][]byte(exportMap)); err != nil {
		return nil, fmt.Errorf("encoding weights bundle: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBundle(b []byte) (map[string][]byte, error) {
	var m map[string][]byte
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding weights bundle: %w", err)
	}
	return m, nil
}
