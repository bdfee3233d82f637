package rules

import (
	"fmt"
	"net"
	"strings"
)

// NoSuppress disables the suppress_prefixlen qualifier of a policy rule
const NoSuppress = -1

// PolicyRule selects a routing table based on the packet source and mark
type PolicyRule struct {
	Priority int
	// Src matches the packet source address, nil matches everything
	Src *net.IPNet
	// Mark/Mask match the packet mark, a zero Mask matches everything
	Mark uint32
	Mask uint32
	// Table to lookup
	Table int
	// SuppressPrefixLen rejects lookup results with a prefix length less
	// or equal to this value, NoSuppress disables it
	SuppressPrefixLen int
}

var _ Command = PolicyRule{}

// Matches checks if a packet from the network src carrying mark is
// selected by the rule
func (r PolicyRule) Matches(src *net.IPNet, mark uint32) bool {
	if r.Src != nil {
		ones, _ := src.Mask.Size()
		rOnes, _ := r.Src.Mask.Size()
		if !r.Src.Contains(src.IP) || rOnes > ones {
			return false
		}
	}
	if r.Mask != 0 && mark&r.Mask != r.Mark {
		return false
	}
	return true
}

// Suppresses checks if a lookup result of route is rejected by the rule
func (r PolicyRule) Suppresses(route Route) bool {
	return r.SuppressPrefixLen != NoSuppress && route.PrefixLen() <= r.SuppressPrefixLen
}

// Kind implements Command
func (r PolicyRule) Kind() Kind { return KindAddRule }

// Key implements Command
func (r PolicyRule) Key() string {
	return "rule/" + r.String()
}

// Params implements Command
func (r PolicyRule) Params() map[string]string {
	p := map[string]string{
		"priority": fmt.Sprint(r.Priority),
		"table":    TableName(r.Table),
	}
	if r.Src != nil {
		p["from"] = r.Src.String()
	}
	if r.Mask != 0 {
		p["fwmark"] = fmt.Sprintf("%#x/%#x", r.Mark, r.Mask)
	}
	if r.SuppressPrefixLen != NoSuppress {
		p["suppress_prefixlen"] = fmt.Sprint(r.SuppressPrefixLen)
	}
	return p
}

func (r PolicyRule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "priority %d", r.Priority)
	if r.Src != nil {
		fmt.Fprintf(&b, " from %s", r.Src)
	}
	if r.Mask != 0 {
		fmt.Fprintf(&b, " fwmark %#x/%#x", r.Mark, r.Mask)
	}
	fmt.Fprintf(&b, " lookup %s", TableName(r.Table))
	if r.SuppressPrefixLen != NoSuppress {
		fmt.Fprintf(&b, " suppress_prefixlen %d", r.SuppressPrefixLen)
	}
	return b.String()
}
