package rules

import (
	"fmt"
	"net"
	"strconv"

	"github.com/threefoldtech/pbr/pkg/network/types"
)

// DNAT rewrites the destination of matching packets
type DNAT struct {
	Protocol types.Protocol
	// Local matches any address owned by the node (nodePort),
	// otherwise the packet destination must equal Dst
	Local bool
	Dst   net.IP
	Port  int

	ToAddr net.IP
	ToPort int
}

var _ Command = DNAT{}

// Match returns a description of what the rule matches, two DNAT rules
// of a node with the same match conflict
func (d DNAT) Match() string {
	dst := "local"
	if !d.Local {
		dst = d.Dst.String()
	}
	return fmt.Sprintf("%s %s/%d", dst, d.Protocol, d.Port)
}

// To returns the translated destination as address:port
func (d DNAT) To() string {
	return net.JoinHostPort(d.ToAddr.String(), strconv.Itoa(d.ToPort))
}

// Kind implements Command
func (d DNAT) Kind() Kind { return KindAddDNAT }

// Key implements Command
func (d DNAT) Key() string {
	return fmt.Sprintf("dnat/%s/%s", d.Match(), d.To())
}

// Params implements Command
func (d DNAT) Params() map[string]string {
	p := map[string]string{
		"protocol": string(d.Protocol),
		"dport":    strconv.Itoa(d.Port),
		"to":       d.To(),
	}
	if d.Local {
		p["daddr"] = "local"
	} else {
		p["daddr"] = d.Dst.String()
	}
	return p
}

func (d DNAT) String() string {
	if d.Local {
		return fmt.Sprintf("dnat fib daddr type local %s dport %d to %s", d.Protocol, d.Port, d.To())
	}
	return fmt.Sprintf("dnat ip daddr %s %s dport %d to %s", d.Dst, d.Protocol, d.Port, d.To())
}

// SNAT masquerades packets sourced from Src
type SNAT struct {
	Src net.IP
}

var _ Command = SNAT{}

// Kind implements Command
func (s SNAT) Kind() Kind { return KindAddSNAT }

// Key implements Command
func (s SNAT) Key() string {
	return "snat/" + s.Src.String()
}

// Params implements Command
func (s SNAT) Params() map[string]string {
	return map[string]string{
		"saddr":  s.Src.String(),
		"action": "masquerade",
	}
}

func (s SNAT) String() string {
	return fmt.Sprintf("snat ip saddr %s masquerade", s.Src)
}
