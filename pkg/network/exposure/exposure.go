// Package exposure compiles service exposure declarations into the DNAT and
// masquerade rules of the ingress nodes.
package exposure

import (
	"net"
	"sort"
	"strconv"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/pkg/network/rules"
	"github.com/threefoldtech/pbr/pkg/network/topology"
	"github.com/threefoldtech/pbr/pkg/network/types"
)

var (
	// ErrUnreachableExposure is returned when the internal endpoint of an
	// exposure is not an address of the topology
	ErrUnreachableExposure = errors.New("unreachable exposure")
	// ErrInvalidExposure is returned for a malformed declaration
	ErrInvalidExposure = errors.New("invalid exposure")
)

// Declaration exposes an internal endpoint on an ingress node
type Declaration struct {
	Kind types.ExposureKind `yaml:"kind"`
	// Node is the ingress node holding the translation rules
	Node     string         `yaml:"node"`
	Protocol types.Protocol `yaml:"protocol"`
	// ExternalPort is the port matched on the VIP. For a nodePort it is
	// used when NodePort is not set
	ExternalPort int `yaml:"external_port"`
	NodePort     int `yaml:"node_port"`
	// PublicVIP is the virtual address of a loadBalancer
	PublicVIP string `yaml:"public_vip"`
	// Internal is address:port or node:port, a node name resolves to the
	// address of its first interface
	Internal string `yaml:"internal"`
}

func (d Declaration) port() int {
	if d.Kind == types.NodePort && d.NodePort != 0 {
		return d.NodePort
	}
	return d.ExternalPort
}

func (d Declaration) String() string {
	if d.Kind == types.LoadBalancer {
		return net.JoinHostPort(d.PublicVIP, strconv.Itoa(d.port())) + "/" + string(d.Protocol) + " -> " + d.Internal
	}
	return d.Node + ":" + strconv.Itoa(d.port()) + "/" + string(d.Protocol) + " -> " + d.Internal
}

// NodeNAT is the translation state of a node
type NodeNAT struct {
	Node      string
	DNAT      []rules.DNAT
	SNAT      []rules.SNAT
	Neighbors []rules.Neighbor
}

// Result of an exposure compilation
type Result struct {
	// Nodes that received rules, in topology order
	Nodes []NodeNAT
	// VIPSegments are the segments holding a loadBalancer VIP in
	// declaration order
	VIPSegments []string
}

// Node returns the translation state of node name or nil
func (r *Result) Node(name string) *NodeNAT {
	for i := range r.Nodes {
		if r.Nodes[i].Node == name {
			return &r.Nodes[i]
		}
	}
	return nil
}

// Internals returns the distinct internal addresses translated by node name
func (r *Result) Internals(name string) []net.IP {
	n := r.Node(name)
	if n == nil {
		return nil
	}
	ips := make([]net.IP, 0, len(n.SNAT))
	for _, s := range n.SNAT {
		ips = append(ips, s.Src)
	}
	return ips
}

type resolved struct {
	decl     Declaration
	internal net.IP
	toPort   int
	port     int
	vip      net.IP
	segment  topology.Segment
}

// Compile builds the translation rules of decls. For every ingress node the
// nodePort DNAT rules come first, then the loadBalancer DNAT rules and
// finally one masquerade per distinct internal address.
// Every loadBalancer VIP is announced to the other nodes of its segment
// with a permanent neighbor entry pointing to the ingress interface
func Compile(plan *topology.Plan, decls []Declaration) (*Result, error) {
	byNode := make(map[string][]resolved)
	for _, d := range decls {
		r, err := resolve(plan, d)
		if err != nil {
			return nil, err
		}
		byNode[d.Node] = append(byNode[d.Node], r)
	}

	result := &Result{}
	neighbors := make(map[string][]rules.Neighbor)
	seenNeigh := mapset.NewSet()
	vipSegments := mapset.NewSet()

	for _, node := range plan.Nodes() {
		exposures := byNode[node.Name]
		if len(exposures) == 0 {
			continue
		}

		nat := NodeNAT{Node: node.Name}
		for _, kind := range []types.ExposureKind{types.NodePort, types.LoadBalancer} {
			for _, r := range exposures {
				if r.decl.Kind != kind {
					continue
				}
				nat.DNAT = append(nat.DNAT, rules.DNAT{
					Protocol: r.decl.Protocol,
					Local:    kind == types.NodePort,
					Dst:      r.vip,
					Port:     r.port,
					ToAddr:   r.internal,
					ToPort:   r.toPort,
				})
			}
		}

		internals := mapset.NewSet()
		for _, r := range exposures {
			if internals.Add(r.internal.String()) {
				nat.SNAT = append(nat.SNAT, rules.SNAT{Src: r.internal})
			}
		}

		for _, r := range exposures {
			if r.decl.Kind != types.LoadBalancer {
				continue
			}
			if vipSegments.Add(r.segment.Name) {
				result.VIPSegments = append(result.VIPSegments, r.segment.Name)
			}
			ingress, _ := node.InterfaceOn(r.segment.Name)
			for _, peer := range plan.Attached(r.segment.Name) {
				if peer.Name == node.Name {
					continue
				}
				iface, _ := peer.InterfaceOn(r.segment.Name)
				neigh := rules.Neighbor{IP: r.vip, HardwareAddr: ingress.HardwareAddr, Dev: iface.Name}
				if !seenNeigh.Add(peer.Name + "/" + neigh.Key()) {
					continue
				}
				neighbors[peer.Name] = append(neighbors[peer.Name], neigh)
			}
		}

		log.Debug().
			Str("node", node.Name).
			Int("dnat", len(nat.DNAT)).
			Int("snat", len(nat.SNAT)).
			Msg("exposures compiled")

		result.Nodes = append(result.Nodes, nat)
	}

	for _, node := range plan.Nodes() {
		neigh, ok := neighbors[node.Name]
		if !ok {
			continue
		}
		if n := result.Node(node.Name); n != nil {
			n.Neighbors = neigh
			continue
		}
		result.Nodes = append(result.Nodes, NodeNAT{Node: node.Name, Neighbors: neigh})
	}
	sortByPlan(plan, result.Nodes)

	for _, n := range result.Nodes {
		seen := make(map[string]rules.DNAT)
		for _, d := range n.DNAT {
			if other, ok := seen[d.Match()]; ok {
				return nil, errors.Wrapf(rules.ErrDuplicateOrConflictingRule, "node %s: '%s' and '%s'", n.Node, other, d)
			}
			seen[d.Match()] = d
		}
	}

	return result, nil
}

func resolve(plan *topology.Plan, d Declaration) (resolved, error) {
	r := resolved{decl: d, port: d.port()}

	if err := d.Kind.Valid(); err != nil {
		return r, errors.Wrap(ErrInvalidExposure, err.Error())
	}
	if err := d.Protocol.Valid(); err != nil {
		return r, errors.Wrapf(ErrInvalidExposure, "%s: %s", d, err)
	}
	if err := types.ValidPort(r.port); err != nil {
		return r, errors.Wrapf(ErrInvalidExposure, "%s: %s", d, err)
	}

	ingress, ok := plan.Node(d.Node)
	if !ok {
		return r, errors.Wrapf(topology.ErrUnknownNode, "exposure %s", d)
	}

	ep, err := types.ParseEndpoint(d.Internal)
	if err != nil {
		return r, errors.Wrapf(ErrInvalidExposure, "%s: %s", d, err)
	}
	r.toPort = ep.Port
	r.internal, err = internalAddress(plan, ep.Host)
	if err != nil {
		return r, errors.Wrapf(err, "exposure %s", d)
	}

	if d.Kind != types.LoadBalancer {
		return r, nil
	}

	r.vip = net.ParseIP(d.PublicVIP)
	if r.vip == nil {
		return r, errors.Wrapf(ErrInvalidExposure, "%s: invalid vip '%s'", d, d.PublicVIP)
	}
	if ip4 := r.vip.To4(); ip4 != nil {
		r.vip = ip4
	}
	seg, ok := plan.SegmentOf(r.vip)
	if !ok {
		return r, errors.Wrapf(ErrInvalidExposure, "%s: vip is not part of any segment", d)
	}
	if _, ok := ingress.InterfaceOn(seg.Name); !ok {
		return r, errors.Wrapf(ErrInvalidExposure, "%s: node %s is not attached to segment %s", d, d.Node, seg.Name)
	}
	if owner, _, ok := plan.Owner(r.vip); ok {
		return r, errors.Wrapf(ErrInvalidExposure, "%s: vip is an address of node %s", d, owner.Name)
	}
	r.segment = seg
	return r, nil
}

func internalAddress(plan *topology.Plan, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if _, _, ok := plan.Owner(ip); !ok {
			return nil, errors.Wrapf(ErrUnreachableExposure, "%s is not a topology address", ip)
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return ip, nil
	}

	node, ok := plan.Node(host)
	if !ok || len(node.Interfaces) == 0 {
		return nil, errors.Wrapf(ErrUnreachableExposure, "no address for '%s'", host)
	}
	return node.Interfaces[0].Address, nil
}

func sortByPlan(plan *topology.Plan, nodes []NodeNAT) {
	order := make(map[string]int)
	for i, n := range plan.Nodes() {
		order[n.Name] = i
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return order[nodes[i].Node] < order[nodes[j].Node]
	})
}
