package tracer

import (
	"sync/atomic"
	"testing"
)

var testIDs atomic.Uint64

type testTensor struct {
	id   ValueID
	dims []int64
	data []byte
}

func newTestTensor(n int) *testTensor {
	data := make([]byte, 4*n)
	for i := range data {
		data[i] = byte(i)
	}
	return &testTensor{
		id:   ValueID(testIDs.Add(1)),
		dims: []int64{int64(n)},
		data: data,
	}
}

func (t *testTensor) ValueID() ValueID { return t.id }
func (t *testTensor) DType() string { return "float32" }
func (t *testTensor) Dims() []int64 { return t.dims }
func (t *testTensor) ElementSize() int { return 4 }
func (t *testTensor) NumElements() int { return len(t.data) / 4 }
func (t *testTensor) Bytes() []byte { return t.data }

// testScalar is a runtime value with identity but no storage.
type testScalar ValueID

func (s testScalar) ValueID() ValueID { return ValueID(s) }

func variables(ts ...*testTensor) []Variable {
	vars := make([]Variable, len(ts))
	for i, t := range ts {
		vars[i] = t
	}
	return vars
}

func mustEnter(t *testing.T, tc *TraceContext, threshold int, inputs ...*testTensor) *TracingState {
	t.Helper()
	s, err := tc.Enter(variables(inputs...), threshold)
	if err != nil {
		t.Fatalf("failed to enter trace: %v", err)
	}
	return s
}

func mustRecord(t *testing.T, s *TracingState, kind string, inputs []*testTensor, attrs Attributes) *testTensor {
	t.Helper()
	out := newTestTensor(len(inputs[0].data) / 4)
	if _, err := s.Record(kind, variables(inputs...), []Variable{out}, attrs); err != nil {
		t.Fatalf("failed to record %s: %v", kind, err)
	}
	return out
}

type recordingEncoder struct {
	calls []encodeCall
}

type encodeCall struct {
	refs          []InitializerRef
	formatVersion int
	deferWeights  bool
}

func (e *recordingEncoder) EncodeGraph(g *Graph, refs []InitializerRef, formatVersion int, deferWeights bool) ([]byte, error) {
	e.calls = append(e.calls, encodeCall{refs: refs, formatVersion: formatVersion, deferWeights: deferWeights})
	return []byte(g.String()), nil
}
