// Package pbr derives the policy routing state that keeps the replies of a
// translated connection on the interface it came in through.
//
// Every ingress segment i gets a routing table whose default route leaves
// through the ingress interface, a mark bit and three policy rules:
//
//	from <ingress cidr> lookup main suppress_prefixlen 0
//	from <ingress cidr> lookup <table i>
//	fwmark <bit>/<bit> lookup <table i>
//
// The first rule keeps the specific routes of main usable while ignoring
// its default route. New connections received on the ingress segment get
// the bit set on their conntrack entry, the replies sent by the service
// (after the reverse translation) restore it on the packet so the mark rule
// routes them back to the ingress interface.
package pbr

import (
	"net"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/pkg/network/exposure"
	"github.com/threefoldtech/pbr/pkg/network/rules"
	"github.com/threefoldtech/pbr/pkg/network/topology"
)

// ErrTooManyIngressSegments is returned when the mark bits of the ingress
// segments do not fit in the 32 bits packet mark
var ErrTooManyIngressSegments = errors.New("too many ingress segments")

// NodePolicy is the policy routing state of a node
type NodePolicy struct {
	Node      string
	Tables    []rules.RoutingTable
	Rules     []rules.PolicyRule
	ConnMarks []rules.ConnMarkRule
}

type ingressSegment struct {
	index   int
	segment topology.Segment
	table   int
	mark    uint32
}

// IngressSegments resolves the ingress segment set: the explicit names if
// any, otherwise the segments holding a loadBalancer VIP
func IngressSegments(plan *topology.Plan, names []string, nat *exposure.Result) ([]topology.Segment, error) {
	if len(names) == 0 && nat != nil {
		names = nat.VIPSegments
	}

	seen := mapset.NewSet()
	var segments []topology.Segment
	for _, name := range names {
		seg, ok := plan.Segment(name)
		if !ok {
			return nil, errors.Wrapf(topology.ErrUnknownSegment, "ingress segment '%s'", name)
		}
		if !seen.Add(name) {
			continue
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// Compile computes the policy of every node holding DNAT rules in nat, for
// each ingress segment the node is attached to
func Compile(plan *topology.Plan, ingress []string, nat *exposure.Result, cfg Config) ([]NodePolicy, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	if nat == nil {
		nat = &exposure.Result{}
	}

	segments, err := IngressSegments(plan, ingress, nat)
	if err != nil {
		return nil, err
	}

	ingresses := make([]ingressSegment, 0, len(segments))
	for i, seg := range segments {
		mark, err := cfg.mark(i)
		if err != nil {
			return nil, err
		}
		_, _, last := cfg.priorities(i)
		if last > maxPriority {
			return nil, errors.Wrapf(ErrTooManyIngressSegments, "priority %d of ingress segment %s collides with the main rule", last, seg.Name)
		}
		if table := cfg.TableBase + i; rules.ReservedTable(table) {
			return nil, errors.Wrapf(rules.ErrDuplicateOrConflictingRule, "table %d of ingress segment %s is a kernel table", table, seg.Name)
		}
		ingresses = append(ingresses, ingressSegment{
			index:   i,
			segment: seg,
			table:   cfg.TableBase + i,
			mark:    mark,
		})
	}

	var policies []NodePolicy
	for _, n := range nat.Nodes {
		if len(n.DNAT) == 0 {
			continue
		}
		node, ok := plan.Node(n.Node)
		if !ok {
			return nil, errors.Wrapf(topology.ErrUnknownNode, "node %s", n.Node)
		}

		policy := compileNode(plan, &node, ingresses, nat.Internals(n.Node), cfg)
		if len(policy.Tables) == 0 {
			log.Debug().Str("node", node.Name).Msg("node not attached to any ingress segment, no policy routing")
			continue
		}

		log.Debug().
			Str("node", node.Name).
			Int("tables", len(policy.Tables)).
			Int("rules", len(policy.Rules)).
			Int("connmarks", len(policy.ConnMarks)).
			Msg("policy routing compiled")

		policies = append(policies, policy)
	}

	return policies, nil
}

func compileNode(plan *topology.Plan, node *topology.Node, ingresses []ingressSegment, internals []net.IP, cfg Config) NodePolicy {
	policy := NodePolicy{Node: node.Name}

	var attached []ingressSegment
	for _, in := range ingresses {
		iface, ok := node.InterfaceOn(in.segment.Name)
		if !ok {
			continue
		}
		attached = append(attached, in)

		route := rules.Route{Dst: rules.DefaultDst(), Dev: iface.Name}
		if !iface.Address.Equal(in.segment.Gateway) {
			route.Via = in.segment.Gateway
		}
		policy.Tables = append(policy.Tables, rules.RoutingTable{
			ID:     in.table,
			Routes: []rules.Route{route},
		})

		suppress, source, mark := cfg.priorities(in.index)
		policy.Rules = append(policy.Rules,
			rules.PolicyRule{
				Priority:          suppress,
				Src:               in.segment.Network,
				Table:             rules.MainTable,
				SuppressPrefixLen: 0,
			},
			rules.PolicyRule{
				Priority:          source,
				Src:               in.segment.Network,
				Table:             in.table,
				SuppressPrefixLen: rules.NoSuppress,
			},
			rules.PolicyRule{
				Priority:          mark,
				Mark:              in.mark,
				Mask:              in.mark,
				Table:             in.table,
				SuppressPrefixLen: rules.NoSuppress,
			},
		)
	}

	for _, in := range attached {
		policy.ConnMarks = append(policy.ConnMarks, rules.ConnMarkRule{
			Hook:   rules.HookPrerouting,
			New:    true,
			Dst:    in.segment.Network,
			Mark:   in.mark,
			Mask:   in.mark,
			Action: rules.SetConnMark,
		})
	}

	for _, service := range serviceSegments(plan, internals) {
		for _, in := range attached {
			policy.ConnMarks = append(policy.ConnMarks, rules.ConnMarkRule{
				Hook:   rules.HookPrerouting,
				Src:    service.Network,
				Mark:   in.mark,
				Mask:   in.mark,
				Action: rules.RestoreMark,
			})
		}
	}

	return policy
}

// serviceSegments returns the distinct segments of the internal endpoints
func serviceSegments(plan *topology.Plan, internals []net.IP) []topology.Segment {
	seen := mapset.NewSet()
	var segments []topology.Segment
	for _, ip := range internals {
		seg, ok := plan.SegmentOf(ip)
		if !ok || !seen.Add(seg.Name) {
			continue
		}
		segments = append(segments, seg)
	}
	return segments
}
