package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFromFloat32(t *testing.T) {
	x, err := FromFloat32([]int64{2, 2}, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("creating tensor: %v", err)
	}
	if got := x.ElementSize() * x.NumElements(); got != 16 {
		t.Errorf("expected 16 bytes of storage, got %d", got)
	}
	values, err := x.Float32s()
	if err != nil {
		t.Fatalf("reading values: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	if err := x.SetFloat32(3, 9); err != nil {
		t.Fatalf("setting value: %v", err)
	}
	values, _ = x.Float32s()
	if values[3] != 9 {
		t.Errorf("expected element 3 to be 9, got %v", values[3])
	}
	if err := x.SetFloat32(4, 1); err == nil {
		t.Errorf("expected out of range error")
	}
}

func TestNewValidatesStorage(t *testing.T) {
	if _, err := New(Float32, []int64{3}, make([]byte, 8)); err == nil {
		t.Errorf("expected error for short storage")
	}
	if _, err := New("complex", []int64{1}, make([]byte, 8)); err == nil {
		t.Errorf("expected error for unknown dtype")
	}
	z, err := Zeros(Int64, 2, 3)
	if err != nil {
		t.Fatalf("creating zeros: %v", err)
	}
	if z.NumElements() != 6 || len(z.Bytes()) != 48 {
		t.Errorf("expected 6 elements in 48 bytes, got %d in %d", z.NumElements(), len(z.Bytes()))
	}
}

func TestDistinctIdentities(t *testing.T) {
	a := Vector(1, 2)
	b := Vector(1, 2)
	if a.ValueID() == b.ValueID() {
		t.Errorf("expected distinct ids, both are %d", a.ValueID())
	}
	if !SameShape(a, b) {
		t.Errorf("expected same shape")
	}
}
