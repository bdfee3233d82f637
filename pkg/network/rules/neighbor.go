package rules

import (
	"fmt"
	"net"

	"github.com/threefoldtech/pbr/pkg/network/types"
)

// Neighbor is a permanent neighbor (arp) entry. It is used to simulate the
// address announcement of a load balancer VIP
type Neighbor struct {
	IP           net.IP
	HardwareAddr net.HardwareAddr
	Dev          string
}

var _ Command = Neighbor{}

// Kind implements Command
func (n Neighbor) Kind() Kind { return KindAddNeighbor }

// Key implements Command
func (n Neighbor) Key() string {
	return fmt.Sprintf("neigh/%s/%s", n.Dev, n.IP)
}

// Params implements Command
func (n Neighbor) Params() map[string]string {
	return map[string]string{
		"ip":     n.IP.String(),
		"lladdr": n.HardwareAddr.String(),
		"dev":    n.Dev,
	}
}

func (n Neighbor) String() string {
	return fmt.Sprintf("neigh replace %s lladdr %s dev %s nud permanent", n.IP, n.HardwareAddr, n.Dev)
}

// AllInterfaces is the interface name that applies a setting to every
// interface of a node
const AllInterfaces = "all"

// RPFilter sets the reverse path filter mode of an interface
type RPFilter struct {
	Iface string
	Mode  types.RPFMode
}

var _ Command = RPFilter{}

// Kind implements Command
func (r RPFilter) Kind() Kind { return KindSetRPFilter }

// Key implements Command
func (r RPFilter) Key() string {
	return "rp_filter/" + r.Iface
}

// Params implements Command
func (r RPFilter) Params() map[string]string {
	return map[string]string{
		"iface": r.Iface,
		"mode":  r.Mode.String(),
		"value": fmt.Sprint(int(r.Mode)),
	}
}

func (r RPFilter) String() string {
	return fmt.Sprintf("sysctl net.ipv4.conf.%s.rp_filter=%d", r.Iface, int(r.Mode))
}
