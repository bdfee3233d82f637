// Package topology builds the immutable description of the emulated network:
// segments, nodes with their interfaces and addresses, links and static routes.
package topology

import (
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/pkg/network/addrspace"
	"github.com/threefoldtech/pbr/pkg/network/ifaceutil"
	"github.com/threefoldtech/pbr/pkg/network/rules"
	"github.com/threefoldtech/pbr/pkg/network/types"
)

var (
	// ErrDuplicateNodeName is returned when two nodes share a name
	ErrDuplicateNodeName = errors.New("duplicate node name")
	// ErrDuplicateSegment is returned when two segments share a name
	ErrDuplicateSegment = errors.New("duplicate segment name")
	// ErrUnknownSegment is returned when a segment is referenced but not defined
	ErrUnknownSegment = errors.New("unknown segment")
	// ErrUnknownNode is returned when a node is referenced but not defined
	ErrUnknownNode = errors.New("unknown node")
	// ErrUnknownInterface is returned when an interface is referenced but not defined
	ErrUnknownInterface = errors.New("unknown interface")
	// ErrDuplicateInterface is returned when two interfaces of a node share a name
	ErrDuplicateInterface = errors.New("duplicate interface name")
	// ErrDuplicateAttachment is returned when a node has two interfaces on the same segment
	ErrDuplicateAttachment = errors.New("node attached twice to segment")
	// ErrInvalidRoute is returned for a static route that cannot be resolved
	ErrInvalidRoute = errors.New("invalid route")
	// ErrInvalidAddress is returned for an address that cannot be parsed
	ErrInvalidAddress = errors.New("invalid address")
)

const gatewayAddress = "gateway"

type pending struct {
	node  int
	iface InterfaceSpec
}

type builder struct {
	segments map[string]*addrspace.Segment
	plan     *Plan
	pending  []pending
}

// Build constructs a Plan. Explicit addresses are claimed first, the
// remaining interfaces then draw addresses from their segment in node and
// interface order, so the result only depends on the input.
// No partial plan is returned on error
func Build(segments []SegmentSpec, nodes []NodeSpec, links []LinkSpec) (*Plan, error) {
	b := builder{
		segments: make(map[string]*addrspace.Segment),
		plan:     &Plan{},
	}

	if err := b.addSegments(segments); err != nil {
		return nil, err
	}
	if err := b.addNodes(nodes, links); err != nil {
		return nil, err
	}
	if err := b.assign(); err != nil {
		return nil, err
	}
	for i, spec := range nodes {
		if err := b.addRoutes(i, spec.Routes); err != nil {
			return nil, err
		}
		if err := b.addRPFilter(i, spec.RPFilter); err != nil {
			return nil, err
		}
	}

	log.Debug().
		Int("segments", len(b.plan.segments)).
		Int("nodes", len(b.plan.nodes)).
		Int("links", len(b.plan.links)).
		Msg("topology built")

	return b.plan, nil
}

func (b *builder) addSegments(specs []SegmentSpec) error {
	for _, spec := range specs {
		if spec.Name == "" {
			return errors.Errorf("segment with cidr '%s' has no name", spec.CIDR)
		}
		if _, ok := b.segments[spec.Name]; ok {
			return errors.Wrap(ErrDuplicateSegment, spec.Name)
		}
		_, network, err := net.ParseCIDR(spec.CIDR)
		if err != nil {
			return errors.Wrapf(err, "invalid cidr for segment %s", spec.Name)
		}

		var opts []addrspace.Option
		if spec.StartOffset != 0 {
			opts = append(opts, addrspace.WithStartOffset(spec.StartOffset))
		}
		if spec.GatewayOffset != 0 {
			opts = append(opts, addrspace.WithGatewayOffset(spec.GatewayOffset))
		}
		seg, err := addrspace.New(spec.Name, network, opts...)
		if err != nil {
			return err
		}

		b.segments[spec.Name] = seg
		b.plan.segments = append(b.plan.segments, Segment{
			Name:    spec.Name,
			Network: seg.Network(),
			Gateway: seg.Gateway(),
		})
	}
	return nil
}

func (b *builder) addNodes(specs []NodeSpec, links []LinkSpec) error {
	index := make(map[string]int)
	for i, spec := range specs {
		if spec.Name == "" {
			return errors.New("node without name")
		}
		if _, ok := index[spec.Name]; ok {
			return errors.Wrap(ErrDuplicateNodeName, spec.Name)
		}
		index[spec.Name] = i

		ns := spec.Namespace
		if ns == "" {
			ns = spec.Name
		}
		b.plan.nodes = append(b.plan.nodes, Node{Name: spec.Name, Namespace: ns})

		for _, iface := range spec.Links {
			if err := b.attach(i, iface); err != nil {
				return err
			}
			b.plan.links = append(b.plan.links, Link{
				Segment: iface.Segment,
				A:       Endpoint{Node: spec.Name, Iface: b.lastIface(i)},
				B:       Endpoint{Iface: "s_" + iface.Segment},
			})
		}
	}

	for _, link := range links {
		a, ok := index[link.A]
		if !ok {
			return errors.Wrapf(ErrUnknownNode, "link %s-%s references node %s", link.A, link.B, link.A)
		}
		z, ok := index[link.B]
		if !ok {
			return errors.Wrapf(ErrUnknownNode, "link %s-%s references node %s", link.A, link.B, link.B)
		}
		if err := b.attach(a, InterfaceSpec{Segment: link.Segment, Address: link.AddressA}); err != nil {
			return err
		}
		if err := b.attach(z, InterfaceSpec{Segment: link.Segment, Address: link.AddressB}); err != nil {
			return err
		}
		b.plan.links = append(b.plan.links, Link{
			Segment: link.Segment,
			A:       Endpoint{Node: link.A, Iface: b.lastIface(a)},
			B:       Endpoint{Node: link.B, Iface: b.lastIface(z)},
		})
	}

	return nil
}

func (b *builder) lastIface(node int) string {
	ifaces := b.plan.nodes[node].Interfaces
	return ifaces[len(ifaces)-1].Name
}

// attach creates the interface of node on a segment, the address is
// assigned later
func (b *builder) attach(node int, spec InterfaceSpec) error {
	n := &b.plan.nodes[node]
	seg, ok := b.segments[spec.Segment]
	if !ok {
		return errors.Wrapf(ErrUnknownSegment, "node %s references segment '%s'", n.Name, spec.Segment)
	}
	if _, ok := n.InterfaceOn(spec.Segment); ok {
		return errors.Wrapf(ErrDuplicateAttachment, "node %s segment %s", n.Name, spec.Segment)
	}

	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("%s-eth%d", n.Name, len(n.Interfaces))
	}
	if _, ok := n.Interface(name); ok {
		return errors.Wrapf(ErrDuplicateInterface, "node %s interface %s", n.Name, name)
	}

	hw := ifaceutil.HardwareAddr(n.Name, name)
	if spec.HardwareAddr != "" {
		var err error
		hw, err = net.ParseMAC(spec.HardwareAddr)
		if err != nil {
			return errors.Wrapf(err, "node %s interface %s", n.Name, name)
		}
	}

	n.Interfaces = append(n.Interfaces, Interface{
		Name:         name,
		Segment:      spec.Segment,
		Network:      seg.Network(),
		HardwareAddr: hw,
	})
	b.pending = append(b.pending, pending{node: node, iface: spec})
	return nil
}

// assign sets the interface addresses in two passes: explicit first
func (b *builder) assign() error {
	cursor := make(map[int]int)
	type slot struct {
		node, iface int
		spec        InterfaceSpec
	}
	slots := make([]slot, 0, len(b.pending))
	for _, p := range b.pending {
		slots = append(slots, slot{node: p.node, iface: cursor[p.node], spec: p.iface})
		cursor[p.node]++
	}

	for _, s := range slots {
		if s.spec.Address == "" {
			continue
		}
		n := &b.plan.nodes[s.node]
		seg := b.segments[s.spec.Segment]

		var ip net.IP
		if strings.EqualFold(s.spec.Address, gatewayAddress) {
			ip = seg.Gateway()
		} else if ip = parseIP(s.spec.Address); ip == nil {
			return errors.Wrapf(ErrInvalidAddress, "node %s address '%s'", n.Name, s.spec.Address)
		}
		if err := seg.Claim(ip); err != nil {
			return errors.Wrapf(err, "node %s", n.Name)
		}
		n.Interfaces[s.iface].Address = ip
	}

	for _, s := range slots {
		if s.spec.Address != "" {
			continue
		}
		n := &b.plan.nodes[s.node]
		ip, err := b.segments[s.spec.Segment].Next()
		if err != nil {
			return errors.Wrapf(err, "node %s", n.Name)
		}
		n.Interfaces[s.iface].Address = ip
	}

	return nil
}

func parseIP(s string) net.IP {
	// accept address/prefix for convenience, the prefix comes from the segment
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	ip := net.ParseIP(s)
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}

func (b *builder) addRoutes(node int, specs []RouteSpec) error {
	n := &b.plan.nodes[node]
	for _, spec := range specs {
		route, err := b.resolveRoute(n, spec)
		if err != nil {
			return errors.Wrapf(err, "node %s route to '%s'", n.Name, spec.To)
		}
		n.Routes = append(n.Routes, route)
	}
	return nil
}

func (b *builder) resolveRoute(n *Node, spec RouteSpec) (rules.Route, error) {
	var route rules.Route
	if spec.To == "" || strings.EqualFold(spec.To, "default") {
		route.Dst = rules.DefaultDst()
	} else {
		dst, err := parseNetwork(spec.To)
		if err != nil {
			return route, errors.Wrap(ErrInvalidRoute, err.Error())
		}
		route.Dst = dst
	}

	set := 0
	for _, v := range []string{spec.Via, spec.ViaGateway, spec.ViaNode} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return route, errors.Wrap(ErrInvalidRoute, "only one of via, via_gateway, via_node can be set")
	}

	switch {
	case spec.Via != "":
		route.Via = parseIP(spec.Via)
		if route.Via == nil {
			return route, errors.Wrapf(ErrInvalidAddress, "via '%s'", spec.Via)
		}
	case spec.ViaGateway != "":
		seg, ok := b.plan.Segment(spec.ViaGateway)
		if !ok {
			return route, errors.Wrapf(ErrUnknownSegment, "via_gateway '%s'", spec.ViaGateway)
		}
		route.Via = seg.Gateway
	case spec.ViaNode != "":
		via, err := b.nodeNextHop(n, spec.ViaNode)
		if err != nil {
			return route, err
		}
		route.Via = via
	}

	if spec.Dev != "" {
		if _, ok := n.Interface(spec.Dev); !ok {
			return route, errors.Wrapf(ErrUnknownInterface, "dev '%s'", spec.Dev)
		}
		route.Dev = spec.Dev
		return route, nil
	}

	if route.Via == nil {
		return route, errors.Wrap(ErrInvalidRoute, "route needs a next hop or a device")
	}
	for _, iface := range n.Interfaces {
		if iface.Network.Contains(route.Via) {
			route.Dev = iface.Name
			return route, nil
		}
	}
	return route, errors.Wrapf(ErrInvalidRoute, "next hop %s is not on a connected segment", route.Via)
}

// nodeNextHop returns the address of node name on the first segment of n
// it is also attached to
func (b *builder) nodeNextHop(n *Node, name string) (net.IP, error) {
	other, ok := b.plan.Node(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "via_node '%s'", name)
	}
	for _, iface := range n.Interfaces {
		if peer, ok := other.InterfaceOn(iface.Segment); ok {
			return peer.Address, nil
		}
	}
	return nil, errors.Wrapf(ErrInvalidRoute, "node %s shares no segment with %s", name, n.Name)
}

func (b *builder) addRPFilter(node int, modes map[string]string) error {
	if len(modes) == 0 {
		return nil
	}
	n := &b.plan.nodes[node]

	parse := func(iface, value string) error {
		mode, err := types.ParseRPFMode(value)
		if err != nil {
			return errors.Wrapf(err, "node %s interface %s", n.Name, iface)
		}
		n.RPFilter = append(n.RPFilter, rules.RPFilter{Iface: iface, Mode: mode})
		return nil
	}

	// "all" first, then the interfaces in their order
	if v, ok := modes[rules.AllInterfaces]; ok {
		if err := parse(rules.AllInterfaces, v); err != nil {
			return err
		}
	}
	for _, iface := range n.Interfaces {
		if v, ok := modes[iface.Name]; ok {
			if err := parse(iface.Name, v); err != nil {
				return err
			}
		}
	}
	for name := range modes {
		if name == rules.AllInterfaces {
			continue
		}
		if _, ok := n.Interface(name); !ok {
			return errors.Wrapf(ErrUnknownInterface, "node %s rp_filter interface '%s'", n.Name, name)
		}
	}
	return nil
}

func parseNetwork(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		ip := parseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid destination '%s'", s)
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	if ip4 := n.IP.To4(); ip4 != nil {
		n.IP = ip4
	}
	return n, nil
}
