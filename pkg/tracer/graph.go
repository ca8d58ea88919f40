package tracer

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync/atomic"
)

// Kinds of nodes created by the tracer itself.
const (
	KindParam    = "Param"
	KindConstant = "Constant"
)

// TensorType is the recorded type of a graph value.
type TensorType struct {
	DType string
	Dims  []int64
}

func (t *TensorType) String() string {
	if t == nil {
		return "Dynamic"
	}
	s := t.DType + "["
	for i, d := range t.Dims {
		if i != 0 {
			s += ", "
		}
		s += strconv.FormatInt(d, 10)
	}
	return s + "]"
}

// Attributes are the named constant parameters of a node.
// Supported value types are float64, int64, string and []int64.
type Attributes map[string]any

func (a Attributes) validate() error {
	for k, v := range a {
		switch v.(type) {
		case float64, int64, string, []int64:
		default:
			return fmt.Errorf("attribute %q has unsupported type %T: %w", k, v, ErrInvalidArgument)
		}
	}
	return nil
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a Attributes) clone() Attributes {
	if len(a) == 0 {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		if ints, ok := v.([]int64); ok {
			v = slices.Clone(ints)
		}
		out[k] = v
	}
	return out
}

// Value is a symbolic value in the graph, produced by exactly one node.
type Value struct {
	unique int
	node   *Node
	offset int
	typ    *TensorType
}

func (v *Value) Unique() int { return v.unique }

// Name is the identifier of the value in textual and serialized forms.
func (v *Value) Name() string { return strconv.Itoa(v.unique) }

// Node returns the node that produces v.
func (v *Value) Node() *Node { return v.node }

func (v *Value) Offset() int { return v.offset }

// Type is nil when the runtime value carried no tensor type.
func (v *Value) Type() *TensorType { return v.typ }

// Node is one recorded operation, or an input placeholder.
type Node struct {
	graph   *Graph
	kind    string
	inputs  []*Value
	outputs []*Value
	scope   string
	stage   int
	attrs   Attributes
}

func (n *Node) Kind() string { return n.kind }

func (n *Node) Inputs() []*Value { return slices.Clone(n.inputs) }

func (n *Node) Outputs() []*Value { return slices.Clone(n.outputs) }

// Output returns the first output of the node, or nil if it has none.
func (n *Node) Output() *Value {
	if len(n.outputs) == 0 {
		return nil
	}
	return n.outputs[0]
}

// Scope is the slash-joined scope stack at the time the node was recorded.
func (n *Node) Scope() string { return n.scope }

// Stage is 0 for the forward pass and increments with each backward stage.
func (n *Node) Stage() int { return n.stage }

func (n *Node) Attr(name string) (any, bool) {
	v, ok := n.attrs[name]
	return v, ok
}

func (n *Node) Attributes() Attributes { return n.attrs.clone() }

// Graph is the recorded computation.
//
// A graph is written only by the TracingState that owns it. Once the trace is exited the
// graph is frozen and may be read from any number of goroutines.
type Graph struct {
	nodes   []*Node
	inputs  []*Value
	outputs []*Value

	nextUnique int
	// frozen is stored after the last write, so a reader that observes it may read the graph.
	frozen atomic.Bool
}

func newGraph() *Graph {
	return &Graph{}
}

func (g *Graph) Nodes() []*Node { return slices.Clone(g.nodes) }

func (g *Graph) Inputs() []*Value { return slices.Clone(g.inputs) }

func (g *Graph) Outputs() []*Value { return slices.Clone(g.outputs) }

func (g *Graph) Frozen() bool { return g.frozen.Load() }

// Owns reports whether v belongs to g.
func (g *Graph) Owns(v *Value) bool {
	return v != nil && v.node != nil && v.node.graph == g
}

func (g *Graph) newValue(node *Node, offset int, typ *TensorType) *Value {
	v := &Value{unique: g.nextUnique, node: node, offset: offset, typ: typ}
	g.nextUnique++
	return v
}

func (g *Graph) addInput(typ *TensorType) (*Value, error) {
	node, err := g.appendNode(KindParam, nil, []*TensorType{typ}, "", 0, nil)
	if err != nil {
		return nil, err
	}
	g.inputs = append(g.inputs, node.outputs[0])
	return node.outputs[0], nil
}

func (g *Graph) appendNode(kind string, inputs []*Value, outputTypes []*TensorType, scope string, stage int, attrs Attributes) (*Node, error) {
	if g.frozen.Load() {
		return nil, fmt.Errorf("appending %s node to a frozen graph: %w", kind, ErrInvalidState)
	}
	for i, in := range inputs {
		if !g.Owns(in) {
			return nil, fmt.Errorf("input %d of %s node does not belong to this graph: %w", i, kind, ErrInvalidArgument)
		}
	}
	node := &Node{
		graph:  g,
		kind:   kind,
		inputs: slices.Clone(inputs),
		scope:  scope,
		stage:  stage,
		attrs:  attrs.clone(),
	}
	for i, typ := range outputTypes {
		node.outputs = append(node.outputs, g.newValue(node, i, typ))
	}
	g.nodes = append(g.nodes, node)
	return node, nil
}

func (g *Graph) registerOutput(v *Value) error {
	if g.frozen.Load() {
		return fmt.Errorf("registering output of a frozen graph: %w", ErrInvalidState)
	}
	if !g.Owns(v) {
		return fmt.Errorf("output value does not belong to this graph: %w", ErrInvalidArgument)
	}
	g.outputs = append(g.outputs, v)
	return nil
}

func (g *Graph) freeze() {
	g.frozen.Store(true)
}

// TopologicalOrder returns the nodes in an order where every node follows the producers
// of its inputs. It fails if a graph output cannot be computed from the recorded nodes.
func (g *Graph) TopologicalOrder() ([]*Node, error) {
	order := make([]*Node, 0, len(g.nodes))
	done := make(map[*Node]bool, len(g.nodes))

	for {
		progress := false
		for _, node := range g.nodes {
			if done[node] {
				continue
			}

			ready := true
			for _, in := range node.inputs {
				if !done[in.node] {
					ready = false
					break
				}
			}
			if ready {
				done[node] = true
				order = append(order, node)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, out := range g.outputs {
		if !done[out.node] {
			return nil, fmt.Errorf("output %%%s could not be computed (unreachable in graph): %w", out.Name(), ErrInvalidState)
		}
	}
	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("%d of %d nodes have unresolved inputs: %w", len(g.nodes)-len(order), len(g.nodes), ErrInvalidState)
	}

	return order, nil
}
