package rules

import (
	"fmt"
	"net"
	"strings"
)

// Hook is the netfilter hook a connection mark rule runs in
type Hook string

const (
	// HookPrerouting runs before the routing decision of incoming packets
	HookPrerouting Hook = "prerouting"
	// HookOutput runs for locally generated packets
	HookOutput Hook = "output"
)

// MarkAction is what a connection mark rule does on match
type MarkAction string

const (
	// SetConnMark sets the mark bits on the tracked connection
	SetConnMark MarkAction = "set-conn-mark"
	// RestoreMark copies the connection mark to the packet mark
	RestoreMark MarkAction = "restore-mark"
)

// ConnMarkRule propagates routing intent across address translation
// using the conntrack mark
type ConnMarkRule struct {
	Hook Hook
	// New matches connections in state new, otherwise everything
	// but new connections is matched
	New bool
	Src *net.IPNet
	Dst *net.IPNet

	Mark   uint32
	Mask   uint32
	Action MarkAction
}

var _ Command = ConnMarkRule{}

// Kind implements Command
func (c ConnMarkRule) Kind() Kind { return KindAddConnMark }

// Key implements Command
func (c ConnMarkRule) Key() string {
	return "connmark/" + c.String()
}

// Params implements Command
func (c ConnMarkRule) Params() map[string]string {
	p := map[string]string{
		"hook":   string(c.Hook),
		"action": string(c.Action),
		"mark":   fmt.Sprintf("%#x/%#x", c.Mark, c.Mask),
		"state":  "!new",
	}
	if c.New {
		p["state"] = "new"
	}
	if c.Src != nil {
		p["saddr"] = c.Src.String()
	}
	if c.Dst != nil {
		p["daddr"] = c.Dst.String()
	}
	return p
}

func (c ConnMarkRule) String() string {
	var b strings.Builder
	b.WriteString(string(c.Hook))
	if c.New {
		b.WriteString(" ct state new")
	} else {
		b.WriteString(" ct state != new")
	}
	if c.Src != nil {
		fmt.Fprintf(&b, " ip saddr %s", c.Src)
	}
	if c.Dst != nil {
		fmt.Fprintf(&b, " ip daddr %s", c.Dst)
	}
	switch c.Action {
	case SetConnMark:
		fmt.Fprintf(&b, " ct mark set ct mark | %#x", c.Mark)
	case RestoreMark:
		fmt.Fprintf(&b, " ct mark & %#x == %#x meta mark set ct mark", c.Mask, c.Mark)
	}
	return b.String()
}
