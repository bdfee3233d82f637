package topology

import (
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

type dotNode struct {
	id    int64
	name  string
	attrs []encoding.Attribute
}

func (n dotNode) ID() int64                        { return n.id }
func (n dotNode) DOTID() string                    { return n.name }
func (n dotNode) Attributes() []encoding.Attribute { return n.attrs }

type dotEdge struct {
	from, to graph.Node
	label    string
}

func (e dotEdge) From() graph.Node { return e.from }
func (e dotEdge) To() graph.Node   { return e.to }
func (e dotEdge) ReversedEdge() graph.Edge {
	return dotEdge{from: e.to, to: e.from, label: e.label}
}
func (e dotEdge) Attributes() []encoding.Attribute {
	return []encoding.Attribute{{Key: "label", Value: e.label}}
}

// DOT renders the plan as a graphviz graph: one ellipse per node, one box
// per segment switch and one edge per link labelled with the interfaces
func (p *Plan) DOT(name string) ([]byte, error) {
	g := simple.NewUndirectedGraph()
	vertices := make(map[string]dotNode)

	vertex := func(id string, attrs ...encoding.Attribute) dotNode {
		if v, ok := vertices[id]; ok {
			return v
		}
		v := dotNode{id: int64(len(vertices)), name: id, attrs: attrs}
		vertices[id] = v
		g.AddNode(v)
		return v
	}

	for _, n := range p.nodes {
		vertex(n.Name, encoding.Attribute{Key: "shape", Value: "ellipse"})
	}

	label := func(e Endpoint) string {
		n, ok := p.Node(e.Node)
		if !ok {
			return e.Iface
		}
		iface, ok := n.Interface(e.Iface)
		if !ok || iface.Address == nil {
			return e.Iface
		}
		return fmt.Sprintf("%s %s", e.Iface, iface.CIDR())
	}

	for _, l := range p.links {
		a := vertex(l.A.Node)
		var b dotNode
		text := label(l.A)
		if l.B.Node == "" {
			cidr := ""
			if seg, ok := p.Segment(l.Segment); ok {
				cidr = seg.Network.String()
			}
			b = vertex(l.B.Iface,
				encoding.Attribute{Key: "shape", Value: "box"},
				encoding.Attribute{Key: "label", Value: fmt.Sprintf("%s %s", l.Segment, cidr)},
			)
		} else {
			b = vertex(l.B.Node)
			text = fmt.Sprintf("%s / %s", text, label(l.B))
		}
		g.SetEdge(dotEdge{from: a, to: b, label: text})
	}

	return dot.Marshal(g, name, "", "\t")
}
