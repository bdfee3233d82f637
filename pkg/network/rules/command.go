// Package rules holds the semantic routing and NAT rule model produced by
// the compilers. Nothing here knows how a rule is installed: rendering to a
// control surface (netlink, nft) is the job of the executors.
package rules

// Kind of a command in the compiled output
type Kind string

const (
	// KindAddRoute adds (or replaces) a route in a routing table
	KindAddRoute Kind = "add-route"
	// KindAddRule adds a policy routing rule
	KindAddRule Kind = "add-rule"
	// KindAddDNAT adds a destination NAT rule
	KindAddDNAT Kind = "add-dnat"
	// KindAddSNAT adds a source NAT (masquerade) rule
	KindAddSNAT Kind = "add-snat"
	// KindAddConnMark adds a connection mark propagation rule
	KindAddConnMark Kind = "add-connmark-rule"
	// KindSetRPFilter sets the reverse path filter mode
	KindSetRPFilter Kind = "set-reverse-path-filter-mode"
	// KindAddNeighbor adds a permanent neighbor entry
	KindAddNeighbor Kind = "add-neighbor-entry"
)

// Command is a single operation against the network stack of a node
type Command interface {
	// Kind of the command
	Kind() Kind
	// Key identifies the object the command creates. Two commands with
	// the same key install the same object, applying both is a no-op
	// the second time.
	Key() string
	// Params are the command parameters in a flat form suitable for
	// logging and serialization
	Params() map[string]string
	String() string
}

// Step is a command addressed to a node
type Step struct {
	Node    string
	Command Command
}

type stepYAML struct {
	Node   string            `yaml:"node"`
	Kind   Kind              `yaml:"kind"`
	Params map[string]string `yaml:"params"`
}

// MarshalYAML implements the yaml.Marshaler interface
func (s Step) MarshalYAML() (interface{}, error) {
	return stepYAML{
		Node:   s.Node,
		Kind:   s.Command.Kind(),
		Params: s.Command.Params(),
	}, nil
}
