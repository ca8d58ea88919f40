package tracer

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// TraceContext tracks which tracing session each runtime value belongs to.
//
// Sessions over disjoint value sets may be recorded concurrently from different goroutines.
// Lookups are a single hash probe per value.
type TraceContext struct {
	log klog.Logger

	mu       sync.RWMutex
	owners   map[ValueID]*TracingState
	sessions map[*TracingState]map[ValueID]struct{}
}

type Option func(*TraceContext)

func WithLogger(log klog.Logger) Option {
	return func(tc *TraceContext) {
		tc.log = log
	}
}

func NewTraceContext(opts ...Option) *TraceContext {
	tc := &TraceContext{
		log:      klog.Background(),
		owners:   make(map[ValueID]*TracingState),
		sessions: make(map[*TracingState]map[ValueID]struct{}),
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

// Enter starts a trace with one graph input per element of inputs.
// threshold is the number of backward stages that may still be recorded (see BeginBackward).
func (tc *TraceContext) Enter(inputs []Variable, threshold int) (*TracingState, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("entering a trace with no inputs: %w", ErrInvalidArgument)
	}
	if threshold < 0 {
		return nil, fmt.Errorf("backward threshold %d is negative: %w", threshold, ErrInvalidArgument)
	}
	ids := make([]ValueID, len(inputs))
	seen := make(map[ValueID]bool, len(inputs))
	for i, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("input %d is nil: %w", i, ErrInvalidArgument)
		}
		id := in.ValueID()
		if seen[id] {
			return nil, fmt.Errorf("value %d passed twice as a trace input: %w", id, ErrInvalidArgument)
		}
		seen[id] = true
		ids[i] = id
	}

	id := uuid.NewString()
	s := &TracingState{
		id:             id,
		tc:             tc,
		log:            tc.log.WithValues("trace", id),
		graph:          newGraph(),
		table:          newValueTable(),
		backwardBudget: threshold,
	}
	for i, in := range inputs {
		value, err := s.graph.addInput(typeOf(in))
		if err != nil {
			return nil, fmt.Errorf("adding input %d: %w", i, err)
		}
		s.table.set(ids[i], value)
	}

	tc.mu.Lock()
	for _, id := range ids {
		if owner := tc.owners[id]; owner != nil {
			tc.mu.Unlock()
			return nil, fmt.Errorf("value %d is already traced by %s: %w", id, owner.id, ErrInvalidArgument)
		}
	}
	owned := make(map[ValueID]struct{}, len(ids))
	for _, id := range ids {
		tc.owners[id] = s
		owned[id] = struct{}{}
	}
	tc.sessions[s] = owned
	tc.mu.Unlock()

	tracesEntered.Inc()
	s.log.V(2).Info("entered trace", "inputs", len(inputs), "backwardThreshold", threshold)
	return s, nil
}

// Exit completes the trace that the outputs belong to.
func (tc *TraceContext) Exit(outputs []Variable) error {
	if len(outputs) == 0 {
		return fmt.Errorf("exiting a trace with no outputs: %w", ErrInvalidArgument)
	}
	s := tc.GetTracingState(outputs...)
	if s == nil {
		return fmt.Errorf("exiting: none of the %d outputs belongs to a live trace: %w", len(outputs), ErrUntracedValue)
	}
	return s.Exit(outputs)
}

// GetTracingState returns the live trace covering any of values, or nil.
func (tc *TraceContext) GetTracingState(values ...Variable) *TracingState {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	for _, v := range values {
		if v == nil {
			continue
		}
		if s := tc.owners[v.ValueID()]; s != nil {
			return s
		}
	}
	return nil
}

func (tc *TraceContext) IsTracing(values ...Variable) bool {
	return tc.GetTracingState(values...) != nil
}

// Len is the number of live traces.
func (tc *TraceContext) Len() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.sessions)
}

// register claims ids for s. It fails without claiming anything if another live trace owns
// one of them, and is a no-op once s has been unregistered.
//
// Callers hold s.mu; the lock order is state, then context.
func (tc *TraceContext) register(s *TracingState, ids ...ValueID) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	owned, live := tc.sessions[s]
	if !live {
		return nil
	}
	for _, id := range ids {
		if prev := tc.owners[id]; prev != nil && prev != s {
			return fmt.Errorf("value %d is already traced by %s: %w", id, prev.id, ErrInvalidArgument)
		}
	}
	for _, id := range ids {
		tc.owners[id] = s
		owned[id] = struct{}{}
	}
	return nil
}

func (tc *TraceContext) unregister(s *TracingState) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for id := range tc.sessions[s] {
		if tc.owners[id] == s {
			delete(tc.owners, id)
		}
	}
	delete(tc.sessions, s)
}
