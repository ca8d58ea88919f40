package irproto

import (
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/justinsb/ktrace/pkg/tracer"
)

// Encoder implements tracer.Encoder.
type Encoder struct {
	ProducerName    string
	ProducerVersion string
	// GraphName defaults to "traced".
	GraphName string
}

var _ tracer.Encoder = (*Encoder)(nil)

func (e *Encoder) EncodeGraph(g *tracer.Graph, initializers []tracer.InitializerRef, formatVersion int, deferWeights bool) ([]byte, error) {
	if formatVersion < MinFormatVersion || formatVersion > MaxFormatVersion {
		return nil, fmt.Errorf("format version %d not in [%d, %d]: %w", formatVersion, MinFormatVersion, MaxFormatVersion, ErrUnsupportedVersion)
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	name := e.GraphName
	if name == "" {
		name = "traced"
	}

	var gb []byte
	gb = protowire.AppendTag(gb, graphName, protowire.BytesType)
	gb = protowire.AppendString(gb, name)

	counts := make(map[string]int)
	for _, node := range order {
		if node.Kind() == tracer.KindParam {
			continue
		}
		nb, err := encodeNode(node, counts, formatVersion)
		if err != nil {
			return nil, err
		}
		gb = protowire.AppendTag(gb, graphNode, protowire.BytesType)
		gb = protowire.AppendBytes(gb, nb)
	}

	location := DataLocationDefault
	if deferWeights {
		location = DataLocationExternal
	}
	for _, ref := range initializers {
		gb = protowire.AppendTag(gb, graphInitializer, protowire.BytesType)
		gb = protowire.AppendBytes(gb, encodeTensorRef(ref, location))
	}

	for _, in := range g.Inputs() {
		gb = protowire.AppendTag(gb, graphInput, protowire.BytesType)
		gb = protowire.AppendBytes(gb, encodeValueInfo(in))
	}
	for _, out := range g.Outputs() {
		gb = protowire.AppendTag(gb, graphOutput, protowire.BytesType)
		gb = protowire.AppendBytes(gb, encodeValueInfo(out))
	}

	var b []byte
	b = protowire.AppendTag(b, modelFormatVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(formatVersion))
	if e.ProducerName != "" {
		b = protowire.AppendTag(b, modelProducerName, protowire.BytesType)
		b = protowire.AppendString(b, e.ProducerName)
	}
	if e.ProducerVersion != "" {
		b = protowire.AppendTag(b, modelProducerVersion, protowire.BytesType)
		b = protowire.AppendString(b, e.ProducerVersion)
	}
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, gb)
	return b, nil
}

func encodeNode(node *tracer.Node, counts map[string]int, formatVersion int) ([]byte, error) {
	var b []byte
	for _, in := range node.Inputs() {
		b = protowire.AppendTag(b, nodeInput, protowire.BytesType)
		b = protowire.AppendString(b, in.Name())
	}
	for _, out := range node.Outputs() {
		b = protowire.AppendTag(b, nodeOutput, protowire.BytesType)
		b = protowire.AppendString(b, out.Name())
	}

	name := node.Kind() + "_" + strconv.Itoa(counts[node.Kind()])
	counts[node.Kind()]++
	if formatVersion >= 2 && node.Scope() != "" {
		name = node.Scope() + "/" + name
	}
	b = protowire.AppendTag(b, nodeName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, nodeOpType, protowire.BytesType)
	b = protowire.AppendString(b, node.Kind())

	attrs := node.Attributes()
	for _, k := range attrs.Keys() {
		ab, err := encodeAttribute(k, attrs[k])
		if err != nil {
			return nil, fmt.Errorf("encoding node %s: %w", name, err)
		}
		b = protowire.AppendTag(b, nodeAttribute, protowire.BytesType)
		b = protowire.AppendBytes(b, ab)
	}

	if formatVersion >= 2 {
		if node.Scope() != "" {
			b = protowire.AppendTag(b, nodeScope, protowire.BytesType)
			b = protowire.AppendString(b, node.Scope())
		}
		if node.Stage() != 0 {
			b = protowire.AppendTag(b, nodeStage, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(node.Stage()))
		}
	}
	return b, nil
}

func encodeAttribute(name string, value any) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, attrName, protowire.BytesType)
	b = protowire.AppendString(b, name)

	var typ AttributeType
	switch v := value.(type) {
	case float64:
		typ = AttributeFloat
		b = protowire.AppendTag(b, attrF, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	case int64:
		typ = AttributeInt
		b = protowire.AppendTag(b, attrI, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	case string:
		typ = AttributeString
		b = protowire.AppendTag(b, attrS, protowire.BytesType)
		b = protowire.AppendString(b, v)
	case []int64:
		typ = AttributeInts
		b = appendPackedInts(b, attrInts, v)
	default:
		return nil, fmt.Errorf("attribute %q has unsupported type %T: %w", name, value, tracer.ErrInvalidArgument)
	}
	b = protowire.AppendTag(b, attrType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(typ))
	return b, nil
}

func encodeValueInfo(v *tracer.Value) []byte {
	var b []byte
	b = protowire.AppendTag(b, valueInfoName, protowire.BytesType)
	b = protowire.AppendString(b, v.Name())
	if typ := v.Type(); typ != nil {
		b = protowire.AppendTag(b, valueInfoElemType, protowire.BytesType)
		b = protowire.AppendString(b, typ.DType)
		b = appendPackedInts(b, valueInfoDims, typ.Dims)
	}
	return b
}

func encodeTensorRef(ref tracer.InitializerRef, location DataLocation) []byte {
	var b []byte
	b = appendPackedInts(b, tensorDims, ref.Dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.BytesType)
	b = protowire.AppendString(b, ref.DType)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, ref.Name)
	if location != DataLocationDefault {
		b = protowire.AppendTag(b, tensorDataLocation, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(location))
	}
	return b
}

func appendPackedInts(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}
