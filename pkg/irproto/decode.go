package irproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decode parses bytes produced by Encoder.EncodeGraph.
func Decode(b []byte) (*Model, error) {
	m := &Model{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case modelFormatVersion:
			v, n, err := readVarint(typ, b)
			m.FormatVersion = int(v)
			return n, err
		case modelProducerName:
			v, n, err := readBytes(typ, b)
			m.ProducerName = string(v)
			return n, err
		case modelProducerVersion:
			v, n, err := readBytes(typ, b)
			m.ProducerVersion = string(v)
			return n, err
		case modelGraph:
			v, n, err := readBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, decodeGraph(v, &m.Graph)
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding model: %w", err)
	}
	if m.FormatVersion < MinFormatVersion || m.FormatVersion > MaxFormatVersion {
		return nil, fmt.Errorf("decoding model: format version %d: %w", m.FormatVersion, ErrUnsupportedVersion)
	}
	return m, nil
}

func decodeGraph(b []byte, g *Graph) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case graphName:
			v, n, err := readBytes(typ, b)
			g.Name = string(v)
			return n, err
		case graphNode:
			v, n, err := readBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var node Node
			if err := decodeNode(v, &node); err != nil {
				return 0, fmt.Errorf("node %d: %w", len(g.Nodes), err)
			}
			g.Nodes = append(g.Nodes, node)
			return n, nil
		case graphInitializer:
			v, n, err := readBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var t TensorRef
			if err := decodeTensorRef(v, &t); err != nil {
				return 0, fmt.Errorf("initializer %d: %w", len(g.Initializers), err)
			}
			g.Initializers = append(g.Initializers, t)
			return n, nil
		case graphInput, graphOutput:
			v, n, err := readBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var info ValueInfo
			if err := decodeValueInfo(v, &info); err != nil {
				return 0, err
			}
			if num == graphInput {
				g.Inputs = append(g.Inputs, info)
			} else {
				g.Outputs = append(g.Outputs, info)
			}
			return n, nil
		}
		return skipField(num, typ, b)
	})
}

func decodeNode(b []byte, node *Node) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case nodeInput, nodeOutput:
			v, n, err := readBytes(typ, b)
			if num == nodeInput {
				node.Inputs = append(node.Inputs, string(v))
			} else {
				node.Outputs = append(node.Outputs, string(v))
			}
			return n, err
		case nodeName:
			v, n, err := readBytes(typ, b)
			node.Name = string(v)
			return n, err
		case nodeOpType:
			v, n, err := readBytes(typ, b)
			node.OpType = string(v)
			return n, err
		case nodeScope:
			v, n, err := readBytes(typ, b)
			node.Scope = string(v)
			return n, err
		case nodeStage:
			v, n, err := readVarint(typ, b)
			node.Stage = int(v)
			return n, err
		case nodeAttribute:
			v, n, err := readBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var attr Attribute
			if err := decodeAttribute(v, &attr); err != nil {
				return 0, err
			}
			node.Attributes = append(node.Attributes, attr)
			return n, nil
		}
		return skipField(num, typ, b)
	})
}

func decodeAttribute(b []byte, attr *Attribute) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case attrName:
			v, n, err := readBytes(typ, b)
			attr.Name = string(v)
			return n, err
		case attrType:
			v, n, err := readVarint(typ, b)
			attr.Type = AttributeType(v)
			return n, err
		case attrF:
			if typ != protowire.Fixed64Type {
				return 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			attr.F = math.Float64frombits(v)
			return n, nil
		case attrI:
			v, n, err := readVarint(typ, b)
			attr.I = int64(v)
			return n, err
		case attrS:
			v, n, err := readBytes(typ, b)
			attr.S = string(v)
			return n, err
		case attrInts:
			v, n, err := readPackedInts(typ, b)
			attr.Ints = append(attr.Ints, v...)
			return n, err
		}
		return skipField(num, typ, b)
	})
}

func decodeValueInfo(b []byte, info *ValueInfo) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case valueInfoName:
			v, n, err := readBytes(typ, b)
			info.Name = string(v)
			return n, err
		case valueInfoElemType:
			v, n, err := readBytes(typ, b)
			info.ElemType = string(v)
			return n, err
		case valueInfoDims:
			v, n, err := readPackedInts(typ, b)
			info.Dims = append(info.Dims, v...)
			return n, err
		}
		return skipField(num, typ, b)
	})
}

func decodeTensorRef(b []byte, t *TensorRef) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorDims:
			v, n, err := readPackedInts(typ, b)
			t.Dims = append(t.Dims, v...)
			return n, err
		case tensorDataType:
			v, n, err := readBytes(typ, b)
			t.DataType = string(v)
			return n, err
		case tensorName:
			v, n, err := readBytes(typ, b)
			t.Name = string(v)
			return n, err
		case tensorDataLocation:
			v, n, err := readVarint(typ, b)
			t.DataLocation = DataLocation(v)
			return n, err
		}
		return skipField(num, typ, b)
	})
}

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// consumeFields calls fn for each field in b; fn returns the number of value bytes it consumed.
func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func readVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d for varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func readBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d for bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func readPackedInts(typ protowire.Type, b []byte) ([]int64, int, error) {
	packed, n, err := readBytes(typ, b)
	if err != nil {
		return nil, 0, err
	}
	var values []int64
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return nil, 0, protowire.ParseError(m)
		}
		values = append(values, int64(v))
		packed = packed[m:]
	}
	return values, n, nil
}
