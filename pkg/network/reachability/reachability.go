// Package reachability predicts whether the reverse path filter of a node
// accepts a packet, given the routing state compiled for that node.
package reachability

import (
	"net"
	"sort"

	"github.com/threefoldtech/pbr/pkg/network/rules"
	"github.com/threefoldtech/pbr/pkg/network/types"
)

// Flow is a packet received by a node
type Flow struct {
	// Source is the network the packet comes from
	Source *net.IPNet
	// Ingress is the interface the packet is received on
	Ingress string
	// Return is the interface the reply would be sent through
	Return string
	// Mark is the packet mark visible to the routing decision
	Mark uint32
}

// Decision is the outcome of a route lookup
type Decision struct {
	Table int
	Route rules.Route
	// Rule is the policy rule that selected the table, nil on the
	// implicit main fallback
	Rule *rules.PolicyRule
}

// Predict checks if a packet from source received on ingress is accepted
// when its reply leaves through ret
func Predict(mode types.RPFMode, nr *rules.NodeRules, source *net.IPNet, ingress, ret string) bool {
	return PredictFlow(mode, nr, Flow{Source: source, Ingress: ingress, Return: ret})
}

// PredictFlow is Predict for a flow carrying a packet mark
func PredictFlow(mode types.RPFMode, nr *rules.NodeRules, flow Flow) bool {
	if nr == nil {
		nr = &rules.NodeRules{}
	}

	switch mode {
	case types.RPFDisabled:
		return true
	case types.RPFLoose:
		return loose(nr, flow)
	case types.RPFStrict:
		return strict(nr, flow)
	}
	return false
}

// loose accepts when the return interface has any route toward the source
// in main or in a secondary table. A secondary table counts even when no
// rule selects it for this packet: the replies of the connection carry the
// restored mark that does
func loose(nr *rules.NodeRules, flow Flow) bool {
	if hasRoute(nr.Main, flow.Source, flow.Return) {
		return true
	}
	for _, table := range nr.Tables {
		if hasRoute(table, flow.Source, flow.Return) {
			return true
		}
	}
	return false
}

func hasRoute(table rules.RoutingTable, source *net.IPNet, dev string) bool {
	for _, r := range table.Routes {
		if r.Dev == dev && r.Covers(source) {
			return true
		}
	}
	return false
}

// strict accepts when the return interface is the one main selects for the
// source, or when the policy rules select a secondary table that routes
// back through the ingress interface
func strict(nr *rules.NodeRules, flow Flow) bool {
	if route, ok := nr.Main.Lookup(flow.Source); ok && route.Dev == flow.Return {
		return true
	}

	decision, ok := Lookup(nr, flow.Source, flow.Mark)
	if !ok || decision.Table == rules.MainTable {
		return false
	}
	return decision.Route.Dev == flow.Ingress && flow.Return == flow.Ingress
}

// Lookup finds the reverse route toward source. The policy rules are
// evaluated in priority order: the first matching rule whose table has a
// route that is not suppressed wins, main is consulted last
func Lookup(nr *rules.NodeRules, source *net.IPNet, mark uint32) (Decision, bool) {
	ordered := append([]rules.PolicyRule(nil), nr.Rules...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	for i := range ordered {
		r := ordered[i]
		if !r.Matches(source, mark) {
			continue
		}
		table, ok := nr.Table(r.Table)
		if !ok {
			continue
		}
		route, ok := table.Lookup(source)
		if !ok || r.Suppresses(route) {
			continue
		}
		return Decision{Table: table.ID, Route: route, Rule: &r}, true
	}

	route, ok := nr.Main.Lookup(source)
	if !ok {
		return Decision{}, false
	}
	return Decision{Table: rules.MainTable, Route: route}, true
}

// Mode returns the effective reverse path filter mode of iface: the
// highest of the "all" setting and the interface setting
func Mode(nr *rules.NodeRules, iface string) types.RPFMode {
	mode := types.RPFDisabled
	for _, r := range nr.RPFilter {
		if r.Iface != rules.AllInterfaces && r.Iface != iface {
			continue
		}
		if r.Mode > mode {
			mode = r.Mode
		}
	}
	return mode
}
