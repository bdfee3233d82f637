package rules

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// MainTable is the id of the kernel main routing table
const MainTable = 254

const (
	// unspecified table id, the kernel reads it as main
	unspecTable = 0
	// kernel default table
	defaultTable = 253
	// kernel local table, looked up at priority 0 for every packet
	localTable = 255
)

// ReservedTable checks if id is one of the tables owned by the kernel
func ReservedTable(id int) bool {
	switch id {
	case unspecTable, defaultTable, MainTable, localTable:
		return true
	}
	return false
}

// DefaultDst returns the ipv4 default destination 0.0.0.0/0
func DefaultDst() *net.IPNet {
	return &net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)}
}

// Route is an entry of a routing table
type Route struct {
	Dst *net.IPNet
	Via net.IP
	Dev string
	// Connected routes are created by the kernel when an address is
	// assigned to an interface and are never emitted as commands
	Connected bool
}

// IsDefault checks if this is a default route
func (r Route) IsDefault() bool {
	return r.PrefixLen() == 0
}

// PrefixLen of the route destination
func (r Route) PrefixLen() int {
	if r.Dst == nil {
		return 0
	}
	ones, _ := r.Dst.Mask.Size()
	return ones
}

// Covers checks if the route reaches every address of n
func (r Route) Covers(n *net.IPNet) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := n.Mask.Size()
	return r.Dst.Contains(n.IP) && r.PrefixLen() <= ones
}

func (r Route) String() string {
	var b strings.Builder
	if r.IsDefault() {
		b.WriteString("default")
	} else {
		b.WriteString(r.Dst.String())
	}
	if r.Via != nil {
		fmt.Fprintf(&b, " via %s", r.Via)
	}
	if r.Dev != "" {
		fmt.Fprintf(&b, " dev %s", r.Dev)
	}
	if r.Connected {
		b.WriteString(" scope link")
	}
	return b.String()
}

// RoutingTable is a numbered set of routes
type RoutingTable struct {
	ID     int
	Routes []Route
}

// Name of the table as iproute2 shows it
func (t RoutingTable) Name() string {
	return TableName(t.ID)
}

// TableName returns the iproute2 name of table id
func TableName(id int) string {
	if id == MainTable {
		return "main"
	}
	return strconv.Itoa(id)
}

// Lookup selects the route for the network n using longest prefix match
// among the routes that cover n. On equal prefixes the first route wins
func (t RoutingTable) Lookup(n *net.IPNet) (Route, bool) {
	var (
		best  Route
		found bool
	)
	for _, r := range t.Routes {
		if !r.Covers(n) {
			continue
		}
		if !found || r.PrefixLen() > best.PrefixLen() {
			best = r
			found = true
		}
	}
	return best, found
}

// Default returns the default route of the table if any
func (t RoutingTable) Default() (Route, bool) {
	for _, r := range t.Routes {
		if r.IsDefault() {
			return r, true
		}
	}
	return Route{}, false
}

// TableRoute is the command that installs route in table
type TableRoute struct {
	Table int
	Route
}

var _ Command = TableRoute{}

// Kind implements Command
func (r TableRoute) Kind() Kind { return KindAddRoute }

// Key implements Command. A route is identified by its table and destination
func (r TableRoute) Key() string {
	dst := "default"
	if !r.IsDefault() {
		dst = r.Dst.String()
	}
	return fmt.Sprintf("route/%d/%s", r.Table, dst)
}

// Params implements Command
func (r TableRoute) Params() map[string]string {
	p := map[string]string{
		"table": TableName(r.Table),
		"dst":   "default",
	}
	if !r.IsDefault() {
		p["dst"] = r.Dst.String()
	}
	if r.Via != nil {
		p["via"] = r.Via.String()
	}
	if r.Dev != "" {
		p["dev"] = r.Dev
	}
	return p
}

func (r TableRoute) String() string {
	return fmt.Sprintf("route replace table %s %s", TableName(r.Table), r.Route.String())
}
