// Package compiler ties the topology, exposure and policy routing compilers
// together and produces the rule set of every node.
package compiler

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/pkg/network/exposure"
	"github.com/threefoldtech/pbr/pkg/network/pbr"
	"github.com/threefoldtech/pbr/pkg/network/rules"
	"github.com/threefoldtech/pbr/pkg/network/topology"
)

// Input of a compilation
type Input struct {
	Plan      *topology.Plan
	Exposures []exposure.Declaration
	// Ingress is the ingress segment set, empty means the segments of the
	// loadBalancer VIPs
	Ingress []string
	Policy  pbr.Config
}

// Compile derives the rule set of every node of the plan. The output only
// depends on the input and is validated before it is returned
func Compile(in Input) (*rules.RuleSet, error) {
	if in.Plan == nil {
		return nil, errors.New("no topology to compile")
	}

	nat, err := exposure.Compile(in.Plan, in.Exposures)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile exposures")
	}

	policies, err := pbr.Compile(in.Plan, in.Ingress, nat, in.Policy)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile policy routing")
	}
	byNode := make(map[string]pbr.NodePolicy, len(policies))
	for _, p := range policies {
		byNode[p.Node] = p
	}

	set := &rules.RuleSet{}
	for _, node := range in.Plan.Nodes() {
		nr := &rules.NodeRules{
			Node:     node.Name,
			RPFilter: node.RPFilter,
			Main:     node.MainTable(),
		}
		if n := nat.Node(node.Name); n != nil {
			nr.Neighbors = n.Neighbors
			nr.DNAT = n.DNAT
			nr.SNAT = n.SNAT
		}
		if p, ok := byNode[node.Name]; ok {
			nr.Tables = p.Tables
			nr.Rules = p.Rules
			nr.ConnMarks = p.ConnMarks
		}
		set.Nodes = append(set.Nodes, nr)
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Int("nodes", len(set.Nodes)).
		Int("steps", len(set.Steps())).
		Msg("rule set compiled")

	return set, nil
}
