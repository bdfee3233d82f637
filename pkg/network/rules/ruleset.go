package rules

import (
	"github.com/pkg/errors"
)

// ErrDuplicateOrConflictingRule is returned when two rules of a node claim
// the same priority, mark or match
var ErrDuplicateOrConflictingRule = errors.New("duplicate or conflicting rule")

const (
	// priorities of the kernel default rules (local, main, default)
	prioLocal   = 0
	prioMain    = 32766
	prioDefault = 32767
)

// NodeRules is everything compiled for a single node
type NodeRules struct {
	Node string

	RPFilter []RPFilter
	// Main is the node main table. Connected routes are part of it but
	// only the static routes are installed by commands
	Main      RoutingTable
	Neighbors []Neighbor
	DNAT      []DNAT
	SNAT      []SNAT
	ConnMarks []ConnMarkRule
	// Tables are the secondary routing tables
	Tables []RoutingTable
	// Rules are the policy rules ordered by priority
	Rules []PolicyRule
}

// Table returns the table with id
func (n *NodeRules) Table(id int) (RoutingTable, bool) {
	if id == MainTable {
		return n.Main, true
	}
	for _, t := range n.Tables {
		if t.ID == id {
			return t, true
		}
	}
	return RoutingTable{}, false
}

// Empty checks if the node has nothing to apply
func (n *NodeRules) Empty() bool {
	return len(n.Barrier()) == 0 && len(n.Commands()) == 0
}

// Barrier returns the commands that must be applied on every node before
// any traffic flows: the neighbor entries announcing the VIPs
func (n *NodeRules) Barrier() []Command {
	cmds := make([]Command, 0, len(n.Neighbors))
	for _, neigh := range n.Neighbors {
		cmds = append(cmds, neigh)
	}
	return cmds
}

// Commands returns the node commands in the order they must be applied.
// DNAT is installed before SNAT and the source route rules before the
// mark route rules
func (n *NodeRules) Commands() []Command {
	var cmds []Command
	for _, r := range n.RPFilter {
		cmds = append(cmds, r)
	}
	for _, r := range n.Main.Routes {
		if r.Connected {
			continue
		}
		cmds = append(cmds, TableRoute{Table: MainTable, Route: r})
	}
	for _, r := range n.DNAT {
		cmds = append(cmds, r)
	}
	for _, r := range n.SNAT {
		cmds = append(cmds, r)
	}
	for _, r := range n.ConnMarks {
		cmds = append(cmds, r)
	}
	for _, t := range n.Tables {
		for _, r := range t.Routes {
			cmds = append(cmds, TableRoute{Table: t.ID, Route: r})
		}
	}
	for _, r := range n.Rules {
		cmds = append(cmds, r)
	}
	return cmds
}

// Validate checks the node rules are consistent. Any error wraps
// ErrDuplicateOrConflictingRule
func (n *NodeRules) Validate() error {
	priorities := make(map[int]PolicyRule)
	marks := make(map[uint32]int)
	for _, r := range n.Rules {
		switch r.Priority {
		case prioLocal, prioMain, prioDefault:
			return errors.Wrapf(ErrDuplicateOrConflictingRule, "node %s: rule '%s' uses reserved priority", n.Node, r)
		}
		if other, ok := priorities[r.Priority]; ok {
			return errors.Wrapf(ErrDuplicateOrConflictingRule, "node %s: rules '%s' and '%s' share priority %d", n.Node, other, r, r.Priority)
		}
		priorities[r.Priority] = r

		if _, ok := n.Table(r.Table); !ok {
			return errors.Wrapf(ErrDuplicateOrConflictingRule, "node %s: rule '%s' looks up unknown table %d", n.Node, r, r.Table)
		}
		if r.Mask != 0 {
			if table, ok := marks[r.Mark]; ok && table != r.Table {
				return errors.Wrapf(ErrDuplicateOrConflictingRule, "node %s: mark %#x routed to tables %d and %d", n.Node, r.Mark, table, r.Table)
			}
			marks[r.Mark] = r.Table
		}
	}

	tables := make(map[int]struct{})
	for _, t := range n.Tables {
		if ReservedTable(t.ID) {
			return errors.Wrapf(ErrDuplicateOrConflictingRule, "node %s: secondary table uses reserved table id %d", n.Node, t.ID)
		}
		if _, ok := tables[t.ID]; ok {
			return errors.Wrapf(ErrDuplicateOrConflictingRule, "node %s: table %d defined twice", n.Node, t.ID)
		}
		tables[t.ID] = struct{}{}
	}

	dnat := make(map[string]DNAT)
	for _, d := range n.DNAT {
		if other, ok := dnat[d.Match()]; ok {
			return errors.Wrapf(ErrDuplicateOrConflictingRule, "node %s: '%s' and '%s' match the same traffic", n.Node, other, d)
		}
		dnat[d.Match()] = d
	}

	return nil
}

// RuleSet is the compiled output for a whole topology, one entry per node
// in topology order
type RuleSet struct {
	Nodes []*NodeRules
}

// Node returns the rules of node name or nil
func (r *RuleSet) Node(name string) *NodeRules {
	for _, n := range r.Nodes {
		if n.Node == name {
			return n
		}
	}
	return nil
}

// Validate validates every node
func (r *RuleSet) Validate() error {
	seen := make(map[string]struct{})
	for _, n := range r.Nodes {
		if _, ok := seen[n.Node]; ok {
			return errors.Wrapf(ErrDuplicateOrConflictingRule, "node %s compiled twice", n.Node)
		}
		seen[n.Node] = struct{}{}

		if err := n.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Steps flattens the rule set into the ordered output contract: every
// barrier command first, then every node batch in node order
func (r *RuleSet) Steps() []Step {
	var steps []Step
	for _, n := range r.Nodes {
		for _, cmd := range n.Barrier() {
			steps = append(steps, Step{Node: n.Node, Command: cmd})
		}
	}
	for _, n := range r.Nodes {
		for _, cmd := range n.Commands() {
			steps = append(steps, Step{Node: n.Node, Command: cmd})
		}
	}
	return steps
}
