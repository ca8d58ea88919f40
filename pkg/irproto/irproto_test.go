package irproto

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/justinsb/ktrace/pkg/ops"
	"github.com/justinsb/ktrace/pkg/tensor"
	"github.com/justinsb/ktrace/pkg/tracer"
)

func traceNorm(t *testing.T) (*tracer.TracingState, *tensor.Tensor) {
	t.Helper()
	tc := tracer.NewTraceContext()
	x := tensor.Vector(1, 2, 3)
	w := tensor.Vector(0.5, 0.5, 0.5)
	s, err := tc.Enter([]tracer.Variable{x, w}, 0)
	if err != nil {
		t.Fatalf("failed to enter trace: %v", err)
	}
	if err := s.PushScope("norm"); err != nil {
		t.Fatalf("failed to push scope: %v", err)
	}
	y, err := ops.Mul(tc, x, w)
	if err != nil {
		t.Fatalf("failed to mul: %v", err)
	}
	z, err := ops.RMSNorm(tc, y, 0)
	if err != nil {
		t.Fatalf("failed to rms_norm: %v", err)
	}
	if err := s.PopScope(); err != nil {
		t.Fatalf("failed to pop scope: %v", err)
	}
	if err := tc.Exit([]tracer.Variable{z}); err != nil {
		t.Fatalf("failed to exit: %v", err)
	}
	return s, w
}

func TestRoundTrip(t *testing.T) {
	s, w := traceNorm(t)
	exporter := tracer.NewExporter(&Encoder{ProducerName: "ktrace", ProducerVersion: "test"})

	b, exportMap, err := exporter.Export(s, []tracer.Tensor{w}, 2, true)
	if err != nil {
		t.Fatalf("failed to export: %v", err)
	}
	model, err := Decode(b)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	want := &Model{
		FormatVersion:   2,
		ProducerName:    "ktrace",
		ProducerVersion: "test",
		Graph: Graph{
			Name: "traced",
			Nodes: []Node{
				{
					Name:    "norm/mul_0",
					OpType:  "mul",
					Inputs:  []string{"0", "1"},
					Outputs: []string{"2"},
					Scope:   "norm",
				},
				{
					Name:    "norm/rms_norm_0",
					OpType:  "rms_norm",
					Inputs:  []string{"2"},
					Outputs: []string{"3"},
					Attributes: []Attribute{
						{Name: "epsilon", Type: AttributeFloat, F: float64(float32(1e-5))},
					},
					Scope: "norm",
				},
			},
			Initializers: []TensorRef{
				{Name: "1", DataType: "float32", Dims: []int64{3}, DataLocation: DataLocationExternal},
			},
			Inputs: []ValueInfo{
				{Name: "0", ElemType: "float32", Dims: []int64{3}},
				{Name: "1", ElemType: "float32", Dims: []int64{3}},
			},
			Outputs: []ValueInfo{
				{Name: "3", ElemType: "float32", Dims: []int64{3}},
			},
		},
	}
	if diff := cmp.Diff(want, model); diff != "" {
		t.Errorf("decoded model mismatch (-want +got):\n%s", diff)
	}

	ref, ok := model.Graph.Initializer("1")
	if !ok {
		t.Fatalf("expected initializer %q", "1")
	}
	if len(exportMap[ref.Name]) != 12 {
		t.Errorf("expected 12 bytes for initializer %q, got %d", ref.Name, len(exportMap[ref.Name]))
	}
}

func TestVersionOneOmitsScopes(t *testing.T) {
	s, w := traceNorm(t)
	exporter := tracer.NewExporter(&Encoder{})

	b, _, err := exporter.Export(s, []tracer.Tensor{w}, 1, false)
	if err != nil {
		t.Fatalf("failed to export: %v", err)
	}
	model, err := Decode(b)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	for _, node := range model.Graph.Nodes {
		if node.Scope != "" {
			t.Errorf("node %s: expected no scope in version 1, got %q", node.Name, node.Scope)
		}
	}
	if got := model.Graph.Nodes[0].Name; got != "mul_0" {
		t.Errorf("expected unscoped node name mul_0, got %q", got)
	}
	if got := model.Graph.Initializers[0].DataLocation; got != DataLocationDefault {
		t.Errorf("expected default data location, got %v", got)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	s, _ := traceNorm(t)
	exporter := tracer.NewExporter(&Encoder{})

	for _, version := range []int{0, MaxFormatVersion + 1} {
		_, _, err := exporter.Export(s, nil, version, false)
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("version %d: expected ErrUnsupportedVersion, got %v", version, err)
		}
		if !errors.Is(err, tracer.ErrInvalidArgument) {
			t.Errorf("version %d: expected ErrInvalidArgument, got %v", version, err)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte{0x0a, 0xff}); err == nil {
		t.Errorf("expected error decoding truncated input")
	}
	if _, err := Decode(nil); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion for an empty model, got %v", err)
	}
}

func TestAttributeTypes(t *testing.T) {
	tc := tracer.NewTraceContext()
	x := tensor.Vector(1)
	s, err := tc.Enter([]tracer.Variable{x}, 0)
	if err != nil {
		t.Fatalf("failed to enter trace: %v", err)
	}
	y := tensor.Vector(1)
	attrs := tracer.Attributes{"axes": []int64{0, -1}, "count": int64(-3), "mode": "constant"}
	if _, err := s.Record("pad", []tracer.Variable{x}, []tracer.Variable{y}, attrs); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if err := s.Exit([]tracer.Variable{y}); err != nil {
		t.Fatalf("failed to exit: %v", err)
	}

	b, _, err := tracer.NewExporter(&Encoder{}).Export(s, nil, 2, false)
	if err != nil {
		t.Fatalf("failed to export: %v", err)
	}
	model, err := Decode(b)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	want := []Attribute{
		{Name: "axes", Type: AttributeInts, Ints: []int64{0, -1}},
		{Name: "count", Type: AttributeInt, I: -3},
		{Name: "mode", Type: AttributeString, S: "constant"},
	}
	if diff := cmp.Diff(want, model.Graph.Nodes[0].Attributes); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}
}
