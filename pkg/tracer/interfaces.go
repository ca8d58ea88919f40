package tracer

// ValueID is the stable identity of a runtime value.
type ValueID uint64

// Variable is a runtime value that can be recorded into a trace.
type Variable interface {
	ValueID() ValueID
}

// Tensor is a runtime value with dense storage.
type Tensor interface {
	Variable

	DType() string
	Dims() []int64
	// ElementSize is the byte width of one element.
	ElementSize() int
	NumElements() int
	// Bytes returns a view of the raw element storage. It is not a copy.
	Bytes() []byte
}

// Encoder serializes graph structure. Implementations must not embed initializer data;
// initializers are referenced by name.
type Encoder interface {
	EncodeGraph(g *Graph, initializers []InitializerRef, formatVersion int, deferWeights bool) ([]byte, error)
}

// InitializerRef binds an initializer tensor to the graph input it feeds.
type InitializerRef struct {
	// Name is the identifier used both in the encoded graph and as the export map key.
	Name  string
	Input *Value

	DType string
	Dims  []int64
}
