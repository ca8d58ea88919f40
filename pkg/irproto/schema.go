// Package irproto serializes traced graphs in a protobuf wire format modeled on ONNX.
//
// Only graph structure is encoded. Initializers are described by name, dtype and dims;
// their bytes travel separately in the export map.
//
// Field layout:
//
//	Model     { 1 format_version, 2 producer_name, 3 producer_version, 7 graph }
//	Graph     { 1 node*, 2 name, 5 initializer*, 11 input*, 12 output* }
//	Node      { 1 input*, 2 output*, 3 name, 4 op_type, 5 attribute*, 6 scope (v2), 7 stage (v2) }
//	Attribute { 1 name, 2 f (double), 3 i, 4 s, 8 ints (packed), 20 type }
//	ValueInfo { 1 name, 2 elem_type, 3 dims (packed) }
//	TensorRef { 1 dims (packed), 2 data_type, 8 name, 14 data_location }
package irproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/justinsb/ktrace/pkg/tracer"
)

const (
	MinFormatVersion = 1
	// MaxFormatVersion adds node scopes and backward stages.
	MaxFormatVersion = 2
)

// ErrUnsupportedVersion is returned for format versions outside [MinFormatVersion, MaxFormatVersion].
var ErrUnsupportedVersion = fmt.Errorf("unsupported format version: %w", tracer.ErrInvalidArgument)

type AttributeType int

const (
	AttributeFloat  AttributeType = 1
	AttributeInt    AttributeType = 2
	AttributeString AttributeType = 3
	AttributeInts   AttributeType = 7
)

type DataLocation int

const (
	DataLocationDefault  DataLocation = 0
	DataLocationExternal DataLocation = 1
)

const (
	modelFormatVersion   protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5
	nodeScope     protowire.Number = 6
	nodeStage     protowire.Number = 7

	attrName protowire.Number = 1
	attrF    protowire.Number = 2
	attrI    protowire.Number = 3
	attrS    protowire.Number = 4
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	valueInfoName     protowire.Number = 1
	valueInfoElemType protowire.Number = 2
	valueInfoDims     protowire.Number = 3

	tensorDims         protowire.Number = 1
	tensorDataType     protowire.Number = 2
	tensorName         protowire.Number = 8
	tensorDataLocation protowire.Number = 14
)

// Model is the decoded form of an encoded graph.
type Model struct {
	FormatVersion   int
	ProducerName    string
	ProducerVersion string
	Graph           Graph
}

type Graph struct {
	Name         string
	Nodes        []Node
	Initializers []TensorRef
	Inputs       []ValueInfo
	Outputs      []ValueInfo
}

type Node struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []Attribute
	Scope      string
	Stage      int
}

type Attribute struct {
	Name string
	Type AttributeType
	F    float64
	I    int64
	S    string
	Ints []int64
}

type ValueInfo struct {
	Name     string
	ElemType string
	Dims     []int64
}

type TensorRef struct {
	Name         string
	DataType     string
	Dims         []int64
	DataLocation DataLocation
}

// Initializer returns the initializer with the given name.
func (g *Graph) Initializer(name string) (TensorRef, bool) {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t, true
		}
	}
	return TensorRef{}, false
}
