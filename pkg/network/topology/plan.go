package topology

import (
	"fmt"
	"net"

	"github.com/threefoldtech/pbr/pkg/network/rules"
)

// Segment is a built network segment
type Segment struct {
	Name    string
	Network *net.IPNet
	Gateway net.IP
}

// Interface of a node
type Interface struct {
	Name         string
	Segment      string
	Address      net.IP
	Network      *net.IPNet
	HardwareAddr net.HardwareAddr
}

// CIDR returns the interface address in CIDR notation
func (i Interface) CIDR() string {
	ones, _ := i.Network.Mask.Size()
	return fmt.Sprintf("%s/%d", i.Address, ones)
}

// Endpoint is one side of a link. The switch of a segment is the endpoint
// with an empty node
type Endpoint struct {
	Node  string
	Iface string
}

func (e Endpoint) String() string {
	if e.Node == "" {
		return e.Iface
	}
	return fmt.Sprintf("%s:%s", e.Node, e.Iface)
}

// Link connects two endpoints over a segment
type Link struct {
	Segment string
	A, B    Endpoint
}

// Node is a host or a router of the topology
type Node struct {
	Name       string
	Namespace  string
	Interfaces []Interface
	// Routes are the static routes of the main table
	Routes   []rules.Route
	RPFilter []rules.RPFilter
}

// clone returns a copy of the node that shares no slice with n
func (n Node) clone() Node {
	c := n
	c.Interfaces = make([]Interface, len(n.Interfaces))
	for i, iface := range n.Interfaces {
		iface.Address = append(net.IP(nil), iface.Address...)
		iface.HardwareAddr = append(net.HardwareAddr(nil), iface.HardwareAddr...)
		c.Interfaces[i] = iface
	}
	c.Routes = append([]rules.Route(nil), n.Routes...)
	c.RPFilter = append([]rules.RPFilter(nil), n.RPFilter...)
	return c
}

// Interface returns the interface with name
func (n *Node) Interface(name string) (Interface, bool) {
	for _, iface := range n.Interfaces {
		if iface.Name == name {
			return iface, true
		}
	}
	return Interface{}, false
}

// InterfaceOn returns the interface of the node attached to segment
func (n *Node) InterfaceOn(segment string) (Interface, bool) {
	for _, iface := range n.Interfaces {
		if iface.Segment == segment {
			return iface, true
		}
	}
	return Interface{}, false
}

// Owns checks if ip is assigned to one of the node interfaces
func (n *Node) Owns(ip net.IP) bool {
	for _, iface := range n.Interfaces {
		if iface.Address.Equal(ip) {
			return true
		}
	}
	return false
}

// MainTable returns the node main routing table: one connected route per
// interface followed by the static routes
func (n *Node) MainTable() rules.RoutingTable {
	table := rules.RoutingTable{ID: rules.MainTable}
	for _, iface := range n.Interfaces {
		table.Routes = append(table.Routes, rules.Route{
			Dst:       iface.Network,
			Dev:       iface.Name,
			Connected: true,
		})
	}
	table.Routes = append(table.Routes, n.Routes...)
	return table
}

// Plan is an immutable topology. It is built once and passed to the
// compilers, none of them modifies it
type Plan struct {
	segments []Segment
	nodes    []Node
	links    []Link
}

// Segments returns the segments in declaration order
func (p *Plan) Segments() []Segment {
	return append([]Segment(nil), p.segments...)
}

// Segment returns the segment with name
func (p *Plan) Segment(name string) (Segment, bool) {
	for _, s := range p.segments {
		if s.Name == name {
			return s, true
		}
	}
	return Segment{}, false
}

// SegmentOf returns the segment that contains ip
func (p *Plan) SegmentOf(ip net.IP) (Segment, bool) {
	for _, s := range p.segments {
		if s.Network.Contains(ip) {
			return s, true
		}
	}
	return Segment{}, false
}

// Nodes returns the nodes in declaration order
func (p *Plan) Nodes() []Node {
	nodes := make([]Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		nodes = append(nodes, n.clone())
	}
	return nodes
}

// Node returns the node with name
func (p *Plan) Node(name string) (Node, bool) {
	for _, n := range p.nodes {
		if n.Name == name {
			return n.clone(), true
		}
	}
	return Node{}, false
}

// Links returns all the links of the topology
func (p *Plan) Links() []Link {
	return append([]Link(nil), p.links...)
}

// Owner returns the node and interface holding address ip
func (p *Plan) Owner(ip net.IP) (Node, Interface, bool) {
	for _, n := range p.nodes {
		for _, iface := range n.Interfaces {
			if iface.Address.Equal(ip) {
				c := n.clone()
				own, _ := c.Interface(iface.Name)
				return c, own, true
			}
		}
	}
	return Node{}, Interface{}, false
}

// Attached returns the nodes that have an interface on segment
func (p *Plan) Attached(segment string) []Node {
	var nodes []Node
	for _, n := range p.nodes {
		if _, ok := n.InterfaceOn(segment); ok {
			nodes = append(nodes, n.clone())
		}
	}
	return nodes
}
