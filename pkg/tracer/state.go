package tracer

import (
	"fmt"
	"slices"
	"sync"

	"k8s.io/klog/v2"
)

// TracingState owns one recorded graph and the bookkeeping needed to extend it.
//
// A state is created by TraceContext.Enter and finalized by Exit. Once expired it never
// becomes writable again; reads (Graph, IsExpired, IsComplete, ValueTrace) stay valid.
type TracingState struct {
	id  string
	tc  *TraceContext
	log klog.Logger

	mu       sync.Mutex
	graph    *Graph
	table    *valueTable
	scopes   scopeStack
	expired  bool
	complete bool

	// backwardBudget is how many more backward stages may be opened.
	backwardBudget int
	stage          int
}

// ID is the session identifier of the trace.
func (s *TracingState) ID() string { return s.id }

// Graph returns the recorded graph. It is safe to read concurrently only after the trace has expired.
func (s *TracingState) Graph() *Graph { return s.graph }

func (s *TracingState) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

func (s *TracingState) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Stage is the backward stage new nodes are recorded in; 0 is the forward pass.
func (s *TracingState) Stage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Scope is the current slash-joined scope path.
func (s *TracingState) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scopes.current()
}

func (s *TracingState) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return "<expired TracingState>"
	}
	return s.graph.String()
}

func (s *TracingState) GoString() string {
	return fmt.Sprintf("<TracingState %s>", s.id)
}

func (s *TracingState) PushScope(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return expiredError("push_scope")
	}
	s.scopes.push(name)
	s.log.V(4).Info("pushed scope", "scope", s.scopes.current())
	return nil
}

func (s *TracingState) PopScope() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return expiredError("pop_scope")
	}
	return s.scopes.pop()
}

// ValueTrace returns the graph value recorded for v.
func (s *TracingState) ValueTrace(v Variable) (*Value, error) {
	if v == nil {
		return nil, fmt.Errorf("looking up a nil value: %w", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.table.get(v.ValueID())
	if !ok {
		return nil, fmt.Errorf("value %d: %w", v.ValueID(), ErrUntracedValue)
	}
	return value, nil
}

// SetValueTrace associates v with a value of this trace's graph, replacing any previous association.
func (s *TracingState) SetValueTrace(v Variable, value *Value) error {
	if v == nil {
		return fmt.Errorf("setting trace of a nil value: %w", ErrInvalidArgument)
	}
	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return expiredError("set_value_trace")
	}
	if !s.graph.Owns(value) {
		s.mu.Unlock()
		return fmt.Errorf("value for %d does not belong to this trace: %w", v.ValueID(), ErrInvalidArgument)
	}
	if err := s.tc.register(s, v.ValueID()); err != nil {
		s.mu.Unlock()
		return err
	}
	s.table.set(v.ValueID(), value)
	s.mu.Unlock()
	return nil
}

// Constant records v as a constant node and returns its value.
func (s *TracingState) Constant(v Variable) (*Value, error) {
	if v == nil {
		return nil, fmt.Errorf("recording a nil constant: %w", ErrInvalidArgument)
	}
	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return nil, expiredError("constant")
	}
	if err := s.tc.register(s, v.ValueID()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	value, err := s.insertConstantLocked(v)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *TracingState) insertConstantLocked(v Variable) (*Value, error) {
	attrs := Attributes{"value_id": int64(v.ValueID())}
	node, err := s.graph.appendNode(KindConstant, nil, []*TensorType{typeOf(v)}, s.scopes.current(), s.stage, attrs)
	if err != nil {
		return nil, err
	}
	s.table.set(v.ValueID(), node.outputs[0])
	nodesRecorded.WithLabelValues(KindConstant).Inc()
	return node.outputs[0], nil
}

// Record appends a node of the given kind. Every input must already be traced; each
// output is bound to a new output value of the node.
func (s *TracingState) Record(kind string, inputs, outputs []Variable, attrs Attributes) (*Node, error) {
	if kind == "" {
		return nil, fmt.Errorf("recording a node with no kind: %w", ErrInvalidArgument)
	}
	if err := attrs.validate(); err != nil {
		return nil, err
	}
	outputIDs := make([]ValueID, len(outputs))
	outputTypes := make([]*TensorType, len(outputs))
	for i, out := range outputs {
		if out == nil {
			return nil, fmt.Errorf("output %d of %s is nil: %w", i, kind, ErrInvalidArgument)
		}
		outputIDs[i] = out.ValueID()
		outputTypes[i] = typeOf(out)
	}

	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return nil, expiredError("record")
	}
	inputValues := make([]*Value, len(inputs))
	for i, in := range inputs {
		if in == nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("input %d of %s is nil: %w", i, kind, ErrInvalidArgument)
		}
		value, ok := s.table.get(in.ValueID())
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("input %d of %s (value %d): %w", i, kind, in.ValueID(), ErrUntracedValue)
		}
		inputValues[i] = value
	}
	if err := s.tc.register(s, outputIDs...); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("recording %s: %w", kind, err)
	}
	node, err := s.graph.appendNode(kind, inputValues, outputTypes, s.scopes.current(), s.stage, attrs)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for i, id := range outputIDs {
		s.table.set(id, node.outputs[i])
	}
	s.mu.Unlock()

	nodesRecorded.WithLabelValues(kind).Inc()
	return node, nil
}

// BeginBackward opens the next backward recording stage. Each call consumes one unit of the
// threshold given to Enter. When no budget is left the trace expires without completing.
func (s *TracingState) BeginBackward() error {
	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return expiredError("begin_backward")
	}
	if s.backwardBudget == 0 {
		s.expired = true
		s.graph.freeze()
		stage := s.stage
		s.mu.Unlock()

		s.tc.unregister(s)
		tracesExpired.WithLabelValues(expiredByBackwardThreshold).Inc()
		s.log.V(2).Info("trace expired: backward threshold exhausted", "stages", stage)
		return fmt.Errorf("backward threshold exhausted after %d stages: %w", stage, ErrExpiredTrace)
	}
	s.backwardBudget--
	s.stage++
	s.mu.Unlock()
	return nil
}

// Exit registers outputs as the graph outputs and completes the trace.
// Outputs that were never traced are recorded as constants.
func (s *TracingState) Exit(outputs []Variable) error {
	if len(outputs) == 0 {
		return fmt.Errorf("exiting a trace with no outputs: %w", ErrInvalidArgument)
	}
	for i, out := range outputs {
		if out == nil {
			return fmt.Errorf("output %d is nil: %w", i, ErrInvalidArgument)
		}
	}

	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return expiredError("exit")
	}
	values := make([]*Value, len(outputs))
	for i, out := range outputs {
		value, ok := s.table.get(out.ValueID())
		if !ok {
			var err error
			if value, err = s.insertConstantLocked(out); err != nil {
				s.mu.Unlock()
				return err
			}
		}
		values[i] = value
	}
	for _, value := range values {
		if err := s.graph.registerOutput(value); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.complete = true
	s.expired = true
	s.graph.freeze()
	nodes := len(s.graph.nodes)
	s.mu.Unlock()

	s.tc.unregister(s)
	tracesExpired.WithLabelValues(expiredByExit).Inc()
	s.log.V(2).Info("exited trace", "outputs", len(outputs), "nodes", nodes)
	return nil
}

// GetValueTrace returns the graph value recorded for v in state.
func GetValueTrace(state *TracingState, v Variable) (*Value, error) {
	if state == nil {
		return nil, fmt.Errorf("looking up value trace without a tracing state: %w", ErrInvalidArgument)
	}
	return state.ValueTrace(v)
}

// SetValueTrace associates v with value in state.
func SetValueTrace(state *TracingState, v Variable, value *Value) error {
	if state == nil {
		return fmt.Errorf("setting value trace without a tracing state: %w", ErrInvalidArgument)
	}
	return state.SetValueTrace(v, value)
}

func expiredError(method string) error {
	return fmt.Errorf("calling %s on an expired trace: %w", method, ErrExpiredTrace)
}

func typeOf(v Variable) *TensorType {
	t, ok := v.(Tensor)
	if !ok {
		return nil
	}
	return &TensorType{DType: t.DType(), Dims: slices.Clone(t.Dims())}
}
