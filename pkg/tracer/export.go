package tracer

import (
	"fmt"
	"slices"
)

// ExportMap holds the raw bytes of each exported initializer, keyed by identifier.
type ExportMap map[string][]byte

// Exporter turns a completed trace into serialized graph structure plus an export map.
type Exporter struct {
	enc Encoder
}

func NewExporter(enc Encoder) *Exporter {
	return &Exporter{enc: enc}
}

// Export serializes the graph of a completed trace.
//
// The initializers feed the trailing graph inputs, in order. Their bytes are copied into the
// returned map whether or not deferWeights is set; deferWeights only changes how the encoded
// graph describes where the weights live.
func (e *Exporter) Export(s *TracingState, initializers []Tensor, formatVersion int, deferWeights bool) ([]byte, ExportMap, error) {
	if s == nil {
		return nil, nil, fmt.Errorf("exporting without a tracing state: %w", ErrInvalidArgument)
	}
	s.mu.Lock()
	expired, complete := s.expired, s.complete
	s.mu.Unlock()

	if !complete {
		if expired {
			return nil, nil, expiredError("export")
		}
		return nil, nil, fmt.Errorf("calling export before exit: %w", ErrIncompleteTrace)
	}

	graph, exportMap, err := e.ExportGraph(s.graph, initializers, formatVersion, deferWeights)
	if err != nil {
		return nil, nil, err
	}
	s.log.V(2).Info("exported trace", "formatVersion", formatVersion, "graphBytes", len(graph), "initializers", len(exportMap), "deferWeights", deferWeights)
	return graph, exportMap, nil
}

// ExportGraph is Export for a frozen graph, such as the graph of an exited trace.
// A graph that is still being recorded is rejected with ErrIncompleteTrace before any of it is read.
func (e *Exporter) ExportGraph(g *Graph, initializers []Tensor, formatVersion int, deferWeights bool) ([]byte, ExportMap, error) {
	if e.enc == nil {
		return nil, nil, fmt.Errorf("exporter has no encoder: %w", ErrInvalidState)
	}
	if g == nil {
		return nil, nil, fmt.Errorf("exporting a nil graph: %w", ErrInvalidArgument)
	}
	if !g.Frozen() {
		return nil, nil, fmt.Errorf("exporting a graph that is still being recorded: %w", ErrIncompleteTrace)
	}
	if _, err := g.TopologicalOrder(); err != nil {
		return nil, nil, fmt.Errorf("validating graph: %w", err)
	}

	refs, err := bindInitializers(g, initializers)
	if err != nil {
		return nil, nil, err
	}

	// Structure first; the encoder only sees identifiers.
	graph, err := e.enc.EncodeGraph(g, refs, formatVersion, deferWeights)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding graph: %w", err)
	}

	exportMap := make(ExportMap, len(refs))
	total := 0
	for i, t := range initializers {
		data, err := copyTensorData(t)
		if err != nil {
			return nil, nil, fmt.Errorf("copying initializer %q: %w", refs[i].Name, err)
		}
		exportMap[refs[i].Name] = data
		total += len(data)
	}

	exportBytes.WithLabelValues("graph").Observe(float64(len(graph)))
	exportBytes.WithLabelValues("initializers").Observe(float64(total))
	return graph, exportMap, nil
}

func bindInitializers(g *Graph, initializers []Tensor) ([]InitializerRef, error) {
	if len(initializers) > len(g.inputs) {
		return nil, fmt.Errorf("%d initializers for a graph with %d inputs: %w", len(initializers), len(g.inputs), ErrInvalidArgument)
	}
	offset := len(g.inputs) - len(initializers)
	refs := make([]InitializerRef, len(initializers))
	for i, t := range initializers {
		if t == nil {
			return nil, fmt.Errorf("initializer %d is nil: %w", i, ErrInvalidArgument)
		}
		input := g.inputs[offset+i]
		if typ := input.Type(); typ != nil {
			if typ.DType != t.DType() || !slices.Equal(typ.Dims, t.Dims()) {
				return nil, fmt.Errorf("initializer %d is %s but input %%%s is %s: %w", i, (&TensorType{DType: t.DType(), Dims: t.Dims()}).String(), input.Name(), typ.String(), ErrInvalidArgument)
			}
		}
		refs[i] = InitializerRef{
			Name:  input.Name(),
			Input: input,
			DType: t.DType(),
			Dims:  slices.Clone(t.Dims()),
		}
	}
	return refs, nil
}

// copyTensorData snapshots the element storage of t.
func copyTensorData(t Tensor) ([]byte, error) {
	n := t.ElementSize() * t.NumElements()
	if n < 0 {
		return nil, fmt.Errorf("negative storage size %d: %w", n, ErrInvalidArgument)
	}
	raw := t.Bytes()
	if len(raw) < n {
		return nil, fmt.Errorf("storage has %d bytes, expected %d: %w", len(raw), n, ErrInvalidState)
	}
	data := make([]byte, n)
	copy(data, raw[:n])
	return data, nil
}
