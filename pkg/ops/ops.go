// Package ops implements eager float32 tensor operations that record themselves into the
// active trace when any of their operands is being traced.
package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/justinsb/ktrace/pkg/tensor"
	"github.com/justinsb/ktrace/pkg/tracer"
)

const (
	KindAdd     = "add"
	KindMul     = "mul"
	KindScale   = "scale"
	KindRMSNorm = "rms_norm"
)

const defaultEpsilon = float32(1e-5)

// Add computes the element-wise sum of two tensors of the same shape.
func Add(tc *tracer.TraceContext, a, b *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := elementwise(a, b, func(x, y float32) float32 { return x + y })
	if err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	if err := record(tc, KindAdd, []*tensor.Tensor{a, b}, out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Mul computes the element-wise product of two tensors of the same shape.
func Mul(tc *tracer.TraceContext, a, b *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := elementwise(a, b, func(x, y float32) float32 { return x * y })
	if err != nil {
		return nil, fmt.Errorf("mul: %w", err)
	}
	if err := record(tc, KindMul, []*tensor.Tensor{a, b}, out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func Scale(tc *tracer.TraceContext, a *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	values, err := a.Float32s()
	if err != nil {
		return nil, fmt.Errorf("scale: %w", err)
	}
	for i := range values {
		values[i] *= scale
	}
	out, err := tensor.FromFloat32(a.Dims(), values)
	if err != nil {
		return nil, fmt.Errorf("scale: %w", err)
	}
	attrs := tracer.Attributes{"scale": float64(scale)}
	if err := record(tc, KindScale, []*tensor.Tensor{a}, out, attrs); err != nil {
		return nil, err
	}
	return out, nil
}

// RMSNorm normalizes a by its root mean square. An epsilon of 0 selects the default of 1e-5.
func RMSNorm(tc *tracer.TraceContext, a *tensor.Tensor, epsilon float32) (*tensor.Tensor, error) {
	if epsilon == 0 {
		epsilon = defaultEpsilon
	}
	values, err := a.Float32s()
	if err != nil {
		return nil, fmt.Errorf("rms_norm: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("rms_norm: tensor %d is empty", a.ValueID())
	}

	sum_x2 := float32(0)
	for i := range values {
		v := values[i]
		sum_x2 += v * v
	}
	mean := sum_x2 / float32(len(values))
	rms := float32(1.0 / math.Sqrt(float64(mean)+float64(epsilon)))
	for i := range values {
		values[i] *= rms
	}

	out, err := tensor.FromFloat32(a.Dims(), values)
	if err != nil {
		return nil, fmt.Errorf("rms_norm: %w", err)
	}
	attrs := tracer.Attributes{"epsilon": float64(epsilon)}
	if err := record(tc, KindRMSNorm, []*tensor.Tensor{a}, out, attrs); err != nil {
		return nil, err
	}
	return out, nil
}

func elementwise(a, b *tensor.Tensor, fn func(x, y float32) float32) (*tensor.Tensor, error) {
	if !tensor.SameShape(a, b) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.Dims(), b.Dims())
	}
	x, err := a.Float32s()
	if err != nil {
		return nil, err
	}
	y, err := b.Float32s()
	if err != nil {
		return nil, err
	}
	for i := range x {
		x[i] = fn(x[i], y[i])
	}
	return tensor.FromFloat32(a.Dims(), x)
}

// record appends a node for the operation if any operand is traced.
// Untraced operands of a traced operation are recorded as constants; an operand owned by
// another live trace fails with tracer.ErrInvalidArgument.
func record(tc *tracer.TraceContext, kind string, inputs []*tensor.Tensor, out *tensor.Tensor, attrs tracer.Attributes) error {
	if tc == nil {
		return nil
	}
	vars := make([]tracer.Variable, len(inputs))
	for i, in := range inputs {
		vars[i] = in
	}
	state := tc.GetTracingState(vars...)
	if state == nil {
		return nil
	}

	for _, in := range inputs {
		if _, err := state.ValueTrace(in); err == nil {
			continue
		} else if !errors.Is(err, tracer.ErrUntracedValue) {
			return fmt.Errorf("%s: %w", kind, err)
		}
		if _, err := state.Constant(in); err != nil {
			return fmt.Errorf("%s: recording constant operand %d: %w", kind, in.ValueID(), err)
		}
	}

	if _, err := state.Record(kind, vars, []tracer.Variable{out}, attrs); err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}
