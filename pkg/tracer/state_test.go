package tracer

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEnterCreatesOrderedInputs(t *testing.T) {
	tc := NewTraceContext()
	x, w, b := newTestTensor(3), newTestTensor(3), newTestTensor(3)
	s := mustEnter(t, tc, 0, x, w, b)

	inputs := s.Graph().Inputs()
	if len(inputs) != 3 {
		t.Fatalf("expected 3 graph inputs, got %d", len(inputs))
	}
	for i, v := range []*testTensor{x, w, b} {
		got, err := GetValueTrace(s, v)
		if err != nil {
			t.Fatalf("failed to get value trace for input %d: %v", i, err)
		}
		if got != inputs[i] {
			t.Errorf("input %d: expected %%%s, got %%%s", i, inputs[i].Name(), got.Name())
		}
		if got.Node().Kind() != KindParam {
			t.Errorf("input %d: expected %s node, got %s", i, KindParam, got.Node().Kind())
		}
	}
	if diff := cmp.Diff(&TensorType{DType: "float32", Dims: []int64{3}}, inputs[0].Type()); diff != "" {
		t.Errorf("input type mismatch (-want +got):\n%s", diff)
	}
}

func TestEnterRejectsInvalidInputs(t *testing.T) {
	tc := NewTraceContext()
	x := newTestTensor(1)

	tests := []struct {
		name      string
		inputs    []Variable
		threshold int
	}{
		{name: "empty", inputs: nil},
		{name: "nil input", inputs: []Variable{nil}},
		{name: "duplicate", inputs: []Variable{x, x}},
		{name: "negative threshold", inputs: []Variable{x}, threshold: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tc.Enter(tt.inputs, tt.threshold)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
	if tc.Len() != 0 {
		t.Errorf("expected no live traces after failed enters, got %d", tc.Len())
	}
}

func TestValueTraceMiss(t *testing.T) {
	tc := NewTraceContext()
	s := mustEnter(t, tc, 0, newTestTensor(2))

	_, err := GetValueTrace(s, newTestTensor(2))
	if !errors.Is(err, ErrUntracedValue) {
		t.Errorf("expected ErrUntracedValue, got %v", err)
	}
	if _, err := GetValueTrace(nil, newTestTensor(2)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for nil state, got %v", err)
	}
}

func TestSetValueTrace(t *testing.T) {
	tc := NewTraceContext()
	x := newTestTensor(2)
	s := mustEnter(t, tc, 0, x)
	input := s.Graph().Inputs()[0]

	alias := testScalar(1 << 40)
	if err := SetValueTrace(s, alias, input); err != nil {
		t.Fatalf("failed to set value trace: %v", err)
	}
	got, err := GetValueTrace(s, alias)
	if err != nil {
		t.Fatalf("failed to get value trace: %v", err)
	}
	if got != input {
		t.Errorf("expected alias to map to %%%s, got %%%s", input.Name(), got.Name())
	}
	if tc.GetTracingState(alias) != s {
		t.Errorf("expected alias to resolve to its trace")
	}

	other := mustEnter(t, tc, 0, newTestTensor(2))
	if err := SetValueTrace(s, alias, other.Graph().Inputs()[0]); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for a foreign value, got %v", err)
	}
}

func TestRecord(t *testing.T) {
	tc := NewTraceContext()
	x, w := newTestTensor(3), newTestTensor(3)
	s := mustEnter(t, tc, 0, x, w)

	y := mustRecord(t, s, "mul", []*testTensor{x, w}, Attributes{"broadcast": int64(0)})
	value, err := s.ValueTrace(y)
	if err != nil {
		t.Fatalf("failed to get value trace for output: %v", err)
	}
	node := value.Node()
	if node.Kind() != "mul" {
		t.Errorf("expected mul node, got %s", node.Kind())
	}
	inputs := s.Graph().Inputs()
	if diff := cmp.Diff([]int{inputs[0].Unique(), inputs[1].Unique()}, uniques(node.Inputs())); diff != "" {
		t.Errorf("node inputs mismatch (-want +got):\n%s", diff)
	}
	if v, ok := node.Attr("broadcast"); !ok || v != int64(0) {
		t.Errorf("expected broadcast attribute 0, got %v (%v)", v, ok)
	}
	if !tc.IsTracing(y) {
		t.Errorf("expected recorded output to be traced")
	}

	if _, err := s.Record("add", variables(newTestTensor(3)), variables(newTestTensor(3)), nil); !errors.Is(err, ErrUntracedValue) {
		t.Errorf("expected ErrUntracedValue for untraced input, got %v", err)
	}
	if _, err := s.Record("add", variables(x), variables(newTestTensor(3)), Attributes{"bad": 1.5i}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for unsupported attribute, got %v", err)
	}
	if _, err := s.Record("", variables(x), nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty kind, got %v", err)
	}
}

func TestExit(t *testing.T) {
	tc := NewTraceContext()
	x, w := newTestTensor(3), newTestTensor(3)
	s := mustEnter(t, tc, 0, x, w)
	y := mustRecord(t, s, "mul", []*testTensor{x, w}, nil)
	z := mustRecord(t, s, "add", []*testTensor{y, x}, nil)

	if err := tc.Exit(variables(z, y)); err != nil {
		t.Fatalf("failed to exit: %v", err)
	}
	if !s.IsComplete() || !s.IsExpired() {
		t.Errorf("expected complete and expired, got complete=%v expired=%v", s.IsComplete(), s.IsExpired())
	}

	zv, _ := s.ValueTrace(z)
	yv, _ := s.ValueTrace(y)
	if diff := cmp.Diff([]int{zv.Unique(), yv.Unique()}, uniques(s.Graph().Outputs())); diff != "" {
		t.Errorf("graph outputs mismatch (-want +got):\n%s", diff)
	}
	if !s.Graph().Frozen() {
		t.Errorf("expected graph to be frozen after exit")
	}

	if err := s.Exit(variables(z)); !errors.Is(err, ErrExpiredTrace) {
		t.Errorf("expected ErrExpiredTrace on second exit, got %v", err)
	}
	if err := s.PushScope("late"); !errors.Is(err, ErrExpiredTrace) {
		t.Errorf("expected ErrExpiredTrace from push_scope, got %v", err)
	}
	if err := s.PopScope(); !errors.Is(err, ErrExpiredTrace) {
		t.Errorf("expected ErrExpiredTrace from pop_scope, got %v", err)
	}
	if _, err := s.Record("add", variables(x), variables(newTestTensor(3)), nil); !errors.Is(err, ErrExpiredTrace) {
		t.Errorf("expected ErrExpiredTrace from record, got %v", err)
	}
	if err := s.SetValueTrace(x, zv); !errors.Is(err, ErrExpiredTrace) {
		t.Errorf("expected ErrExpiredTrace from set_value_trace, got %v", err)
	}
	if _, err := s.ValueTrace(x); err != nil {
		t.Errorf("expected lookups to keep working after exit, got %v", err)
	}
}

func TestExitRecordsUntracedOutputsAsConstants(t *testing.T) {
	tc := NewTraceContext()
	x := newTestTensor(2)
	s := mustEnter(t, tc, 0, x)

	c := newTestTensor(2)
	if err := s.Exit(variables(x, c)); err != nil {
		t.Fatalf("failed to exit: %v", err)
	}
	outputs := s.Graph().Outputs()
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if got := outputs[1].Node().Kind(); got != KindConstant {
		t.Errorf("expected untraced output to be a %s, got %s", KindConstant, got)
	}
	if v, _ := outputs[1].Node().Attr("value_id"); v != int64(c.ValueID()) {
		t.Errorf("expected value_id %d, got %v", c.ValueID(), v)
	}
}

func TestScopes(t *testing.T) {
	tc := NewTraceContext()
	x := newTestTensor(1)
	s := mustEnter(t, tc, 0, x)

	if err := s.PushScope("a"); err != nil {
		t.Fatalf("failed to push scope: %v", err)
	}
	if err := s.PushScope("b"); err != nil {
		t.Fatalf("failed to push scope: %v", err)
	}
	y := mustRecord(t, s, "neg", []*testTensor{x}, nil)
	if err := s.PopScope(); err != nil {
		t.Fatalf("failed to pop scope: %v", err)
	}
	z := mustRecord(t, s, "neg", []*testTensor{y}, nil)
	if err := s.PopScope(); err != nil {
		t.Fatalf("failed to pop scope: %v", err)
	}

	if s.scopes.depth() != 0 {
		t.Errorf("expected empty scope stack, got depth %d", s.scopes.depth())
	}
	if err := s.PopScope(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on empty pop, got %v", err)
	}

	yv, _ := s.ValueTrace(y)
	zv, _ := s.ValueTrace(z)
	if yv.Node().Scope() != "a/b" {
		t.Errorf("expected scope a/b, got %q", yv.Node().Scope())
	}
	if zv.Node().Scope() != "a" {
		t.Errorf("expected scope a, got %q", zv.Node().Scope())
	}
}

func TestBackwardThreshold(t *testing.T) {
	tc := NewTraceContext()
	x := newTestTensor(2)
	s := mustEnter(t, tc, 1, x)

	if err := s.BeginBackward(); err != nil {
		t.Fatalf("expected first backward stage to be allowed: %v", err)
	}
	if s.Stage() != 1 {
		t.Errorf("expected stage 1, got %d", s.Stage())
	}
	g := mustRecord(t, s, "grad", []*testTensor{x}, nil)
	gv, _ := s.ValueTrace(g)
	if gv.Node().Stage() != 1 {
		t.Errorf("expected node in stage 1, got %d", gv.Node().Stage())
	}

	err := s.BeginBackward()
	if !errors.Is(err, ErrExpiredTrace) {
		t.Fatalf("expected ErrExpiredTrace once the threshold is exhausted, got %v", err)
	}
	if !s.IsExpired() || s.IsComplete() {
		t.Errorf("expected expired but not complete, got expired=%v complete=%v", s.IsExpired(), s.IsComplete())
	}
	if tc.IsTracing(x) {
		t.Errorf("expected expired trace to leave the registry")
	}
	if err := s.Exit(variables(x)); !errors.Is(err, ErrExpiredTrace) {
		t.Errorf("expected ErrExpiredTrace from exit, got %v", err)
	}
}

func TestZeroThresholdForbidsBackward(t *testing.T) {
	tc := NewTraceContext()
	s := mustEnter(t, tc, 0, newTestTensor(1))
	if err := s.BeginBackward(); !errors.Is(err, ErrExpiredTrace) {
		t.Errorf("expected ErrExpiredTrace, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	tc := NewTraceContext()
	x := newTestTensor(3)
	s := mustEnter(t, tc, 0, x)
	if err := s.PushScope("layer1"); err != nil {
		t.Fatalf("failed to push scope: %v", err)
	}
	y := mustRecord(t, s, "scale", []*testTensor{x}, Attributes{"scale": 2.0})

	want := "graph(%0 : float32[3]) {\n" +
		"  %1 : float32[3] = scale[scale=2](%0), scope: layer1\n" +
		"  return ();\n" +
		"}\n"
	if got := s.String(); got != want {
		t.Errorf("unexpected rendering:\n%s\nwant:\n%s", got, want)
	}
	if !strings.HasPrefix(s.GoString(), "<TracingState ") {
		t.Errorf("unexpected repr %q", s.GoString())
	}

	if err := s.Exit(variables(y)); err != nil {
		t.Fatalf("failed to exit: %v", err)
	}
	if got := s.String(); got != "<expired TracingState>" {
		t.Errorf("expected expired sentinel, got %q", got)
	}
	if !strings.Contains(s.Graph().String(), "return (%1);") {
		t.Errorf("expected graph rendering to stay available, got:\n%s", s.Graph().String())
	}
}

func uniques(values []*Value) []int {
	out := make([]int, len(values))
	for i, v := range values {
		out[i] = v.Unique()
	}
	return out
}
