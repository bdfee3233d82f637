package topology

import (
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threefoldtech/pbr/pkg/network/addrspace"
	"github.com/threefoldtech/pbr/pkg/network/rules"
	"github.com/threefoldtech/pbr/pkg/network/types"
)

func reference(t *testing.T) *Plan {
	plan, err := Build(Reference())
	require.NoError(t, err)
	return plan
}

func addr(t *testing.T, plan *Plan, node, iface string) string {
	n, ok := plan.Node(node)
	require.True(t, ok, "node %s", node)
	i, ok := n.Interface(iface)
	require.True(t, ok, "interface %s of %s", iface, node)
	return i.Address.String()
}

func TestBuildReference(t *testing.T) {
	plan := reference(t)

	require.Len(t, plan.Segments(), 7)
	require.Len(t, plan.Nodes(), 6)

	assert.Equal(t, "10.30.6.1", addr(t, plan, "r_host", "r_host-eth0"))
	assert.Equal(t, "10.255.12.202", addr(t, plan, "r_host", "r_host-eth1"))
	assert.Equal(t, "10.94.61.1", addr(t, plan, "r_pub", "r_pub-eth0"))
	assert.Equal(t, "192.168.100.10", addr(t, plan, "r_pub", "r_pub-eth1"))
	assert.Equal(t, "192.168.100.11", addr(t, plan, "r_client", "r_client-eth1"))
	assert.Equal(t, "192.168.110.10", addr(t, plan, "client", "client-eth0"))
	assert.Equal(t, "10.255.12.203", addr(t, plan, "client", "client-eth1"))
	assert.Equal(t, "10.30.6.10", addr(t, plan, "host0", "host0-eth0"))
	assert.Equal(t, "10.94.61.10", addr(t, plan, "host0", "host0-eth1"))
	assert.Equal(t, "172.30.0.1", addr(t, plan, "host0", "host0-eth2"))
	assert.Equal(t, "172.30.0.10", addr(t, plan, "serv0", "serv0-eth0"))

	host0, _ := plan.Node("host0")
	assert.Equal(t, "host0", host0.Namespace)
	iface, ok := host0.InterfaceOn("public")
	require.True(t, ok)
	assert.Equal(t, "10.94.61.10/24", iface.CIDR())
	assert.Len(t, iface.HardwareAddr, 6)

	owner, ownerIface, ok := plan.Owner(net.ParseIP("172.30.0.10"))
	require.True(t, ok)
	assert.Equal(t, "serv0", owner.Name)
	assert.Equal(t, "serv0-eth0", ownerIface.Name)

	seg, ok := plan.SegmentOf(net.ParseIP("10.94.61.241"))
	require.True(t, ok)
	assert.Equal(t, "public", seg.Name)

	var attached []string
	for _, n := range plan.Attached("public") {
		attached = append(attached, n.Name)
	}
	assert.Equal(t, []string{"r_pub", "host0"}, attached)

	// one link per interface, to the segment switch
	var links int
	for _, n := range plan.Nodes() {
		links += len(n.Interfaces)
	}
	assert.Len(t, plan.Links(), links)
	assert.Equal(t, Endpoint{Iface: "s_host"}, plan.Links()[0].B)
}

func TestBuildRoutes(t *testing.T) {
	plan := reference(t)

	host0, _ := plan.Node("host0")
	main := host0.MainTable()
	assert.Equal(t, rules.MainTable, main.ID)
	require.Len(t, main.Routes, 4)
	assert.True(t, main.Routes[0].Connected)
	assert.Equal(t, "default via 10.30.6.1 dev host0-eth0", main.Routes[3].String())

	client, _ := plan.Node("client")
	require.Len(t, client.Routes, 2)
	assert.Equal(t, "default via 192.168.110.1 dev client-eth0", client.Routes[0].String())
	assert.Equal(t, "10.30.6.0/23 via 10.255.12.202 dev client-eth1", client.Routes[1].String())

	rpub, _ := plan.Node("r_pub")
	require.Len(t, rpub.Routes, 1)
	assert.Equal(t, "192.168.110.0/24 via 192.168.100.11 dev r_pub-eth1", rpub.Routes[0].String())

	rclient, _ := plan.Node("r_client")
	assert.Equal(t, "10.94.61.0/24 via 192.168.100.10 dev r_client-eth1", rclient.Routes[0].String())
}

func TestBuildDeterministic(t *testing.T) {
	a := reference(t)
	b := reference(t)
	assert.Equal(t, a, b)
}

func TestBuildExplicitAddressSkipped(t *testing.T) {
	segments := []SegmentSpec{{Name: "lan", CIDR: "10.0.0.0/24", StartOffset: 2}}
	nodes := []NodeSpec{
		{Name: "a", Links: []InterfaceSpec{{Segment: "lan"}}},
		{Name: "b", Links: []InterfaceSpec{{Segment: "lan", Address: "10.0.0.2/24"}}},
		{Name: "c", Links: []InterfaceSpec{{Segment: "lan", Name: "lan0", HardwareAddr: "02:00:00:00:00:0c"}}},
	}
	plan, err := Build(segments, nodes, nil)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.3", addr(t, plan, "a", "a-eth0"))
	assert.Equal(t, "10.0.0.2", addr(t, plan, "b", "b-eth0"))
	assert.Equal(t, "10.0.0.4", addr(t, plan, "c", "lan0"))

	c, _ := plan.Node("c")
	assert.Equal(t, "02:00:00:00:00:0c", c.Interfaces[0].HardwareAddr.String())
}

func TestBuildPointToPointLink(t *testing.T) {
	segments := []SegmentSpec{{Name: "p2p", CIDR: "10.1.0.0/30", StartOffset: 1}}
	nodes := []NodeSpec{{Name: "a"}, {Name: "b"}}
	links := []LinkSpec{{A: "a", B: "b", Segment: "p2p", AddressB: "gateway"}}

	plan, err := Build(segments, nodes, links)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.2", addr(t, plan, "a", "a-eth0"))
	assert.Equal(t, "10.1.0.1", addr(t, plan, "b", "b-eth0"))
	require.Len(t, plan.Links(), 1)
	assert.Equal(t, Endpoint{Node: "b", Iface: "b-eth0"}, plan.Links()[0].B)
}

func TestBuildRPFilter(t *testing.T) {
	segments, nodes, links := Reference()
	nodes[4].RPFilter = map[string]string{"all": "strict", "host0-eth1": "loose"}

	plan, err := Build(segments, nodes, links)
	require.NoError(t, err)

	host0, _ := plan.Node("host0")
	assert.Equal(t, []rules.RPFilter{
		{Iface: rules.AllInterfaces, Mode: types.RPFStrict},
		{Iface: "host0-eth1", Mode: types.RPFLoose},
	}, host0.RPFilter)
}

func TestBuildErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec)
		err    error
	}{
		{"duplicate node", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			return s, append(n, NodeSpec{Name: "host0"}), nil
		}, ErrDuplicateNodeName},
		{"duplicate segment", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			return append(s, SegmentSpec{Name: "vpn", CIDR: "10.0.0.0/24"}), n, nil
		}, ErrDuplicateSegment},
		{"unknown segment", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			n[0].Links = append(n[0].Links, InterfaceSpec{Segment: "nowhere"})
			return s, n, nil
		}, ErrUnknownSegment},
		{"link to unknown node", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			return s, n, []LinkSpec{{A: "host0", B: "ghost", Segment: "cluster"}}
		}, ErrUnknownNode},
		{"link to unknown segment", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			return s, n, []LinkSpec{{A: "host0", B: "serv0", Segment: "nowhere"}}
		}, ErrUnknownSegment},
		{"router attached twice", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			n[0].Links = append(n[0].Links, InterfaceSpec{Segment: "host"})
			return s, n, nil
		}, ErrDuplicateAttachment},
		{"duplicate interface", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			n[0].Links = append(n[0].Links, InterfaceSpec{Segment: "cluster", Name: "r_host-eth0"})
			return s, n, nil
		}, ErrDuplicateInterface},
		{"gateway claimed twice", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			n[5].Links[0].Address = "gateway"
			return s, n, nil
		}, addrspace.ErrAddressInUse},
		{"address outside segment", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			n[5].Links[0].Address = "10.0.0.1"
			return s, n, nil
		}, addrspace.ErrOutsideSegment},
		{"exhausted", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			s = append(s, SegmentSpec{Name: "tiny", CIDR: "10.9.0.0/30", StartOffset: 2})
			n[4].Links = append(n[4].Links, InterfaceSpec{Segment: "tiny"})
			n[5].Links = append(n[5].Links, InterfaceSpec{Segment: "tiny"})
			return s, n, nil
		}, addrspace.ErrAddressExhausted},
		{"route without next hop", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			n[5].Routes = append(n[5].Routes, RouteSpec{To: "10.0.0.0/8"})
			return s, n, nil
		}, ErrInvalidRoute},
		{"route to unconnected next hop", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			n[5].Routes = append(n[5].Routes, RouteSpec{To: "10.0.0.0/8", Via: "10.94.61.1"})
			return s, n, nil
		}, ErrInvalidRoute},
		{"route via unknown node", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			n[5].Routes = append(n[5].Routes, RouteSpec{To: "10.0.0.0/8", ViaNode: "ghost"})
			return s, n, nil
		}, ErrUnknownNode},
		{"route via unknown device", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			n[5].Routes = append(n[5].Routes, RouteSpec{To: "10.0.0.0/8", Dev: "eth9"})
			return s, n, nil
		}, ErrUnknownInterface},
		{"rp_filter on unknown interface", func(s []SegmentSpec, n []NodeSpec) ([]SegmentSpec, []NodeSpec, []LinkSpec) {
			n[5].RPFilter = map[string]string{"eth9": "strict"}
			return s, n, nil
		}, ErrUnknownInterface},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, n, _ := Reference()
			plan, err := Build(c.mutate(s, n))
			require.Error(t, err)
			assert.Nil(t, plan)
			assert.True(t, errors.Is(err, c.err), "unexpected error: %v", err)
		})
	}
}

func TestPlanNodesAreCopies(t *testing.T) {
	segments, nodes, links := Reference()
	nodes[4].RPFilter = map[string]string{"all": "strict"}

	plan, err := Build(segments, nodes, links)
	require.NoError(t, err)

	host0, _ := plan.Node("host0")
	mac := host0.Interfaces[0].HardwareAddr.String()
	host0.RPFilter[0].Mode = types.RPFDisabled
	host0.Interfaces[0].Address[3] = 99
	host0.Interfaces[0].HardwareAddr[5] ^= 0xff
	host0.Routes[0].Dev = "other"

	for _, n := range plan.Nodes() {
		if n.Name != "host0" {
			continue
		}
		n.RPFilter[0].Iface = "other"
		n.Interfaces[1].Name = "other"
	}

	owner, iface, ok := plan.Owner(net.ParseIP("10.94.61.10"))
	require.True(t, ok)
	iface.Address[3] = 98
	owner.Routes[0].Dev = "other"

	again, _ := plan.Node("host0")
	assert.Equal(t, []rules.RPFilter{{Iface: rules.AllInterfaces, Mode: types.RPFStrict}}, again.RPFilter)
	assert.Equal(t, "10.30.6.10", again.Interfaces[0].Address.String())
	assert.Equal(t, "host0-eth1", again.Interfaces[1].Name)
	assert.Equal(t, "10.94.61.10", again.Interfaces[1].Address.String())
	assert.Equal(t, "host0-eth0", again.Routes[0].Dev)
	assert.Equal(t, mac, again.Interfaces[0].HardwareAddr.String())
}

func TestPlanDOT(t *testing.T) {
	out, err := reference(t).DOT("lab")
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "graph lab {")
	for _, id := range []string{"r_host", "r_pub", "r_client", "client", "host0", "serv0", "s_public", "s_service"} {
		assert.Contains(t, text, id)
	}
	assert.Contains(t, text, "host0-eth1 10.94.61.10/24")
	assert.Contains(t, text, "public 10.94.61.0/24")
	assert.Contains(t, text, "box")

	again, err := reference(t).DOT("lab")
	require.NoError(t, err)
	assert.Equal(t, text, string(again))
}
