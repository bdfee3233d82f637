package apply

import (
	"bytes"
	"context"
	"net"
	"strings"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/pkg/network/namespace"
	"github.com/threefoldtech/pbr/pkg/network/nft"
	"github.com/threefoldtech/pbr/pkg/network/options"
	"github.com/threefoldtech/pbr/pkg/network/rules"
	"github.com/threefoldtech/pbr/pkg/network/topology"
	"github.com/vishvananda/netlink"
)

// Netlink applies commands on live network namespaces. Routes, policy
// rules and neighbor entries go through netlink, the translation and mark
// rules through nft
type Netlink struct {
	namespaces map[string]string
}

var _ Executor = (*Netlink)(nil)

// NewNetlink creates an executor for the nodes of plan
func NewNetlink(plan *topology.Plan) *Netlink {
	n := &Netlink{namespaces: make(map[string]string)}
	for _, node := range plan.Nodes() {
		n.namespaces[node.Name] = node.Namespace
	}
	return n
}

// Execute implements Executor
func (n *Netlink) Execute(ctx context.Context, node string, cmd rules.Command) error {
	name, ok := n.namespaces[node]
	if !ok {
		return errors.Wrapf(topology.ErrUnknownNode, "node %s", node)
	}

	if nft.Handles(cmd) {
		return n.nft(ctx, name, cmd)
	}

	netNS, err := namespace.GetByName(name)
	if err != nil {
		return err
	}
	defer netNS.Close()

	return netNS.Do(func(_ ns.NetNS) error {
		switch c := cmd.(type) {
		case rules.RPFilter:
			// the packet mark is only considered by the reverse path
			// filter with src_valid_mark
			return options.Set(c.Iface, options.RPFilter(c.Mode), options.SrcValidMark(true))
		case rules.TableRoute:
			return routeReplace(c)
		case rules.PolicyRule:
			return ruleAdd(c)
		case rules.Neighbor:
			return neighSet(c)
		}
		return errors.Errorf("unsupported command %s", cmd.Kind())
	})
}

// Reset removes the translation and mark rules installed on every node so
// the next apply starts from an empty nft table
func (n *Netlink) Reset(ctx context.Context) error {
	var result *multierror.Error
	for node, name := range n.namespaces {
		err := nft.DeleteTable(ctx, name)
		var eerr *nft.ExecError
		if errors.As(err, &eerr) && strings.Contains(eerr.Stderr, "No such file") {
			continue
		}
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "node %s", node))
			continue
		}
		log.Debug().Str("node", node).Msg("nft table removed")
	}
	return result.ErrorOrNil()
}

func (n *Netlink) nft(ctx context.Context, nsName string, cmd rules.Command) error {
	r, err := nft.Build(cmd)
	if err != nil {
		return err
	}

	listing, err := nft.ListChain(ctx, nsName, r.Chain)
	if err != nil {
		// the table does not exist yet
		log.Debug().Err(err).Str("ns", nsName).Msg("nft chain not listed")
	} else if nft.Tagged(listing, r.Tag) {
		log.Debug().Str("ns", nsName).Str("rule", r.Expr).Msg("nft rule already installed")
		return nil
	}

	var buf bytes.Buffer
	if err := nft.Render(&buf, cmd); err != nil {
		return err
	}

	if err := nft.Apply(ctx, &buf, nsName); err != nil {
		var eerr *nft.ExecError
		if errors.As(err, &eerr) {
			return &CommandError{
				ExitCode: eerr.ExitCode,
				Stdout:   eerr.Stdout,
				Stderr:   eerr.Stderr,
				Err:      err,
			}
		}
		return err
	}
	return nil
}

func routeReplace(r rules.TableRoute) error {
	link, err := netlink.LinkByName(r.Dev)
	if err != nil {
		return errors.Wrapf(err, "failed to get link %s", r.Dev)
	}

	route := netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        r.Via,
		Table:     r.Table,
	}
	if !r.IsDefault() {
		route.Dst = r.Dst
	}
	if r.Via == nil {
		route.Scope = netlink.SCOPE_LINK
	}

	if err := netlink.RouteReplace(&route); err != nil {
		return errors.Wrapf(err, "failed to set route '%s'", r)
	}
	return nil
}

func sameNet(a, b *net.IPNet) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

func ruleAdd(r rules.PolicyRule) error {
	rule := netlink.NewRule()
	rule.Family = netlink.FAMILY_V4
	rule.Priority = r.Priority
	rule.Table = r.Table
	rule.Src = r.Src
	if r.Mask != 0 {
		rule.Mark = int(r.Mark)
		rule.Mask = int(r.Mask)
	}
	if r.SuppressPrefixLen != rules.NoSuppress {
		rule.SuppressPrefixlen = r.SuppressPrefixLen
	}

	existing, err := netlink.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return errors.Wrap(err, "failed to list rules")
	}
	for _, e := range existing {
		if e.Priority == rule.Priority && e.Table == rule.Table && sameNet(e.Src, rule.Src) {
			return nil
		}
	}

	if err := netlink.RuleAdd(rule); err != nil {
		return errors.Wrapf(err, "failed to add rule '%s'", r)
	}
	return nil
}

func neighSet(n rules.Neighbor) error {
	link, err := netlink.LinkByName(n.Dev)
	if err != nil {
		return errors.Wrapf(err, "failed to get link %s", n.Dev)
	}

	neigh := netlink.Neigh{
		LinkIndex:    link.Attrs().Index,
		Family:       netlink.FAMILY_V4,
		State:        netlink.NUD_PERMANENT,
		IP:           n.IP,
		HardwareAddr: n.HardwareAddr,
	}
	if err := netlink.NeighSet(&neigh); err != nil {
		return errors.Wrapf(err, "failed to set neighbor '%s'", n)
	}
	return nil
}
