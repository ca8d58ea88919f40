package tracer

import (
	"fmt"
	"strings"
)

// String renders the graph as textual IR:
//
//	graph(%0 : float32[3],
//	      %1 : float32[3]) {
//	  %2 : float32[3] = mul(%0, %1), scope: layer1
//	  return (%2);
//	}
func (g *Graph) String() string {
	var sb strings.Builder

	sb.WriteString("graph(")
	for i, in := range g.inputs {
		if i != 0 {
			sb.WriteString(",\n      ")
		}
		writeValueDecl(&sb, in)
	}
	sb.WriteString(") {\n")

	for _, node := range g.nodes {
		if node.kind == KindParam {
			continue
		}
		sb.WriteString("  ")
		for i, out := range node.outputs {
			if i != 0 {
				sb.WriteString(", ")
			}
			writeValueDecl(&sb, out)
		}
		sb.WriteString(" = ")
		sb.WriteString(node.kind)
		if len(node.attrs) != 0 {
			sb.WriteString("[")
			for i, k := range node.attrs.Keys() {
				if i != 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "%s=%v", k, node.attrs[k])
			}
			sb.WriteString("]")
		}
		sb.WriteString("(")
		for i, in := range node.inputs {
			if i != 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("%" + in.Name())
		}
		sb.WriteString(")")
		if node.scope != "" {
			sb.WriteString(", scope: " + node.scope)
		}
		if node.stage != 0 {
			fmt.Fprintf(&sb, ", stage: %d", node.stage)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("  return (")
	for i, out := range g.outputs {
		if i != 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("%" + out.Name())
	}
	sb.WriteString(");\n}\n")

	return sb.String()
}

func writeValueDecl(sb *strings.Builder, v *Value) {
	sb.WriteString("%" + v.Name())
	if v.typ != nil {
		sb.WriteString(" : " + v.typ.String())
	}
}
