package lab

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os/exec"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/pkg/network/ifaceutil"
	"github.com/threefoldtech/pbr/pkg/network/namespace"
	"github.com/threefoldtech/pbr/pkg/network/options"
	"github.com/threefoldtech/pbr/pkg/network/topology"
	"github.com/threefoldtech/pbr/pkg/network/types"
	"github.com/vishvananda/netlink"
)

// maximum length of a linux interface name
const ifNameSize = 15

// Netns emulates a topology with one network namespace per node and one
// bridge per segment, each interface being a veth pair between the node
// namespace and the segment bridge
type Netns struct {
	plan       *topology.Plan
	namespaces []string
	bridges    []string
}

var _ Substrate = (*Netns)(nil)

// NewNetns creates a netns substrate
func NewNetns() *Netns {
	return &Netns{}
}

// BridgeName returns the name of the bridge of segment
func BridgeName(segment string) string {
	name := "s_" + segment
	if len(name) > ifNameSize {
		name = "s_" + digest(segment)
	}
	return name
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}

// Up implements Substrate
func (n *Netns) Up(ctx context.Context, plan *topology.Plan) error {
	n.plan = plan

	bridges := make(map[string]*netlink.Bridge)
	for _, seg := range plan.Segments() {
		name := BridgeName(seg.Name)
		br, err := ifaceutil.Bridge(name)
		if err != nil {
			return err
		}
		n.bridges = append(n.bridges, name)
		bridges[seg.Name] = br
	}

	for _, node := range plan.Nodes() {
		if err := ctx.Err(); err != nil {
			return err
		}

		netNS, err := namespace.Create(node.Namespace)
		if err != nil {
			return errors.Wrapf(err, "failed to create namespace of %s", node.Name)
		}
		n.namespaces = append(n.namespaces, node.Namespace)

		err = n.plug(netNS, node, bridges)
		netNS.Close()
		if err != nil {
			return err
		}
		log.Debug().Str("node", node.Name).Str("ns", node.Namespace).Msg("node up")
	}
	return nil
}

func (n *Netns) plug(netNS ns.NetNS, node topology.Node, bridges map[string]*netlink.Bridge) error {
	if err := netNS.Do(func(_ ns.NetNS) error {
		return options.SetIPv4Forwarding(true)
	}); err != nil {
		return errors.Wrapf(err, "failed to enable forwarding on %s", node.Name)
	}

	for _, iface := range node.Interfaces {
		id := digest(node.Name, iface.Name)
		// leftover of an interrupted run
		if ifaceutil.Exists("v"+id, nil) {
			if err := ifaceutil.Delete("v"+id, nil); err != nil {
				return errors.Wrapf(err, "node %s interface %s", node.Name, iface.Name)
			}
		}
		peer, err := ifaceutil.Veth("v"+id, "t"+id, bridges[iface.Segment])
		if err != nil {
			return errors.Wrapf(err, "node %s interface %s", node.Name, iface.Name)
		}

		err = ifaceutil.Plug(peer, netNS, ifaceutil.Config{
			Name:         iface.Name,
			HardwareAddr: iface.HardwareAddr,
			Address:      &net.IPNet{IP: iface.Address, Mask: iface.Network.Mask},
		})
		if err != nil {
			return errors.Wrapf(err, "node %s interface %s", node.Name, iface.Name)
		}

		if err := netNS.Do(func(_ ns.NetNS) error {
			return options.Set(iface.Name, linkOptions()...)
		}); err != nil {
			return errors.Wrapf(err, "node %s interface %s", node.Name, iface.Name)
		}
	}
	return nil
}

// linkOptions are set on every interface when it is plugged. The reverse
// path filter starts disabled whatever the host default is, the modes of
// the config are applied with the rule set
func linkOptions() []options.Option {
	return []options.Option{
		options.IPv6Disable(true),
		options.RPFilter(types.RPFDisabled),
	}
}

// Down implements Substrate. Deleting a namespace destroys the veth pairs
// of its interfaces
func (n *Netns) Down(ctx context.Context) error {
	var first error
	for i := len(n.namespaces) - 1; i >= 0; i-- {
		if err := namespace.Delete(n.namespaces[i]); err != nil {
			log.Error().Err(err).Str("ns", n.namespaces[i]).Msg("failed to delete namespace")
			if first == nil {
				first = err
			}
		}
	}
	n.namespaces = nil

	for _, br := range n.bridges {
		if err := ifaceutil.Delete(br, nil); err != nil {
			log.Error().Err(err).Str("bridge", br).Msg("failed to delete bridge")
			if first == nil {
				first = err
			}
		}
	}
	n.bridges = nil

	return first
}

// Command implements Substrate
func (n *Netns) Command(ctx context.Context, node string, argv ...string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if n.plan == nil {
		return nil, errors.New("topology is not up")
	}
	nd, ok := n.plan.Node(node)
	if !ok {
		return nil, errors.Wrapf(topology.ErrUnknownNode, "node %s", node)
	}

	args := append([]string{"netns", "exec", nd.Namespace}, argv...)
	return exec.CommandContext(ctx, "ip", args...), nil
}
