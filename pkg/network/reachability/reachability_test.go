package reachability

import (
	"fmt"
	"math/rand"
	"net"
	"reflect"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threefoldtech/pbr/pkg/network/exposure"
	"github.com/threefoldtech/pbr/pkg/network/pbr"
	"github.com/threefoldtech/pbr/pkg/network/rules"
	"github.com/threefoldtech/pbr/pkg/network/topology"
	"github.com/threefoldtech/pbr/pkg/network/types"
)

const (
	ethInternal = "host0-eth0"
	ethPublic   = "host0-eth1"
	ethService  = "host0-eth2"
)

var (
	public   = types.MustParseCIDR("10.94.61.0/24")
	internet = types.MustParseCIDR("192.168.100.0/24")
	client   = types.MustParseCIDR("192.168.110.0/24")
	vpn      = types.MustParseCIDR("10.255.12.192/27")
)

// host0 returns the routing state of the ingress node with and without
// the policy routing rules
func host0(t *testing.T) (full, empty *rules.NodeRules) {
	plan, err := topology.Build(topology.Reference())
	require.NoError(t, err)

	nat, err := exposure.Compile(plan, []exposure.Declaration{
		{Kind: types.NodePort, Node: "host0", Protocol: types.TCP, NodePort: 30463, Internal: "serv0:8000"},
		{Kind: types.LoadBalancer, Node: "host0", Protocol: types.TCP, ExternalPort: 80, PublicVIP: "10.94.61.241", Internal: "serv0:8000"},
	})
	require.NoError(t, err)

	policies, err := pbr.Compile(plan, nil, nat, pbr.Config{})
	require.NoError(t, err)
	require.Len(t, policies, 1)

	node, ok := plan.Node("host0")
	require.True(t, ok)

	empty = &rules.NodeRules{Node: "host0", Main: node.MainTable()}
	full = &rules.NodeRules{
		Node:      "host0",
		Main:      node.MainTable(),
		Tables:    policies[0].Tables,
		Rules:     policies[0].Rules,
		ConnMarks: policies[0].ConnMarks,
	}
	return full, empty
}

func TestLooseWithPolicyRouting(t *testing.T) {
	full, _ := host0(t)

	assert.True(t, Predict(types.RPFLoose, full, public, ethPublic, ethInternal))
	assert.True(t, Predict(types.RPFLoose, full, public, ethInternal, ethPublic))
}

func TestStrictWithPolicyRouting(t *testing.T) {
	full, _ := host0(t)

	assert.False(t, Predict(types.RPFStrict, full, public, ethPublic, ethInternal))
	assert.True(t, Predict(types.RPFStrict, full, public, ethPublic, ethPublic))
}

func TestStrictWithoutPolicyRouting(t *testing.T) {
	_, empty := host0(t)

	for _, source := range []*net.IPNet{internet, client} {
		t.Run(source.String(), func(t *testing.T) {
			assert.True(t, Predict(types.RPFStrict, empty, source, ethInternal, ethInternal))
			assert.False(t, Predict(types.RPFStrict, empty, source, ethPublic, ethPublic))
			assert.False(t, Predict(types.RPFStrict, empty, source, ethPublic, ethService))
			assert.False(t, Predict(types.RPFStrict, empty, source, ethInternal, ethPublic))
		})
	}
}

func TestDisabledAcceptsEverything(t *testing.T) {
	full, empty := host0(t)
	ifaces := []string{ethInternal, ethPublic, ethService, "unknown"}

	for _, nr := range []*rules.NodeRules{full, empty, nil} {
		for _, source := range []*net.IPNet{public, internet, client, vpn} {
			for _, in := range ifaces {
				for _, ret := range ifaces {
					name := fmt.Sprintf("%s/%s/%s", source, in, ret)
					assert.True(t, Predict(types.RPFDisabled, nr, source, in, ret), name)
				}
			}
		}
	}
}

func TestMarkedFlow(t *testing.T) {
	full, empty := host0(t)

	flow := Flow{Source: internet, Ingress: ethPublic, Return: ethPublic}
	assert.False(t, PredictFlow(types.RPFStrict, full, flow))
	// the ingress table routes back through the public interface
	assert.True(t, PredictFlow(types.RPFLoose, full, flow))
	assert.False(t, PredictFlow(types.RPFLoose, empty, flow))

	flow.Mark = pbr.DefaultMarkBase
	assert.True(t, PredictFlow(types.RPFStrict, full, flow))
	assert.True(t, PredictFlow(types.RPFLoose, full, flow))

	// the mark is useless without the rules
	assert.False(t, PredictFlow(types.RPFStrict, empty, flow))

	// the mark table only routes back to its own interface
	flow.Ingress = ethInternal
	flow.Return = ethPublic
	assert.False(t, PredictFlow(types.RPFStrict, full, flow))
}

func TestUnknownMode(t *testing.T) {
	full, _ := host0(t)
	assert.False(t, Predict(types.RPFMode(7), full, public, ethPublic, ethPublic))
}

func TestLookup(t *testing.T) {
	full, _ := host0(t)

	d, ok := Lookup(full, public, 0)
	require.True(t, ok)
	assert.Equal(t, rules.MainTable, d.Table)
	assert.Equal(t, ethPublic, d.Route.Dev)
	require.NotNil(t, d.Rule)
	assert.Equal(t, 200, d.Rule.Priority)

	d, ok = Lookup(full, internet, 0)
	require.True(t, ok)
	assert.Equal(t, rules.MainTable, d.Table)
	assert.Nil(t, d.Rule)
	assert.True(t, d.Route.IsDefault())
	assert.Equal(t, ethInternal, d.Route.Dev)

	d, ok = Lookup(full, internet, pbr.DefaultMarkBase)
	require.True(t, ok)
	assert.Equal(t, pbr.DefaultTableBase, d.Table)
	assert.Equal(t, 220, d.Rule.Priority)
	assert.Equal(t, ethPublic, d.Route.Dev)

	_, ok = Lookup(&rules.NodeRules{}, internet, 0)
	assert.False(t, ok)
}

func TestMode(t *testing.T) {
	nr := &rules.NodeRules{RPFilter: []rules.RPFilter{
		{Iface: rules.AllInterfaces, Mode: types.RPFStrict},
		{Iface: ethPublic, Mode: types.RPFLoose},
	}}

	assert.Equal(t, types.RPFLoose, Mode(nr, ethPublic))
	assert.Equal(t, types.RPFStrict, Mode(nr, ethInternal))
	assert.Equal(t, types.RPFDisabled, Mode(&rules.NodeRules{}, ethInternal))
}

func TestLooseFirstPacketOnPublic(t *testing.T) {
	full, _ := host0(t)

	for _, source := range []*net.IPNet{internet, client} {
		t.Run(source.String(), func(t *testing.T) {
			assert.True(t, Predict(types.RPFLoose, full, source, ethPublic, ethPublic))
			assert.False(t, Predict(types.RPFLoose, full, source, ethPublic, ethService))
		})
	}
}

// sourceRulesOnly drops the mark rules: replies are only steered by
// their source address
func sourceRulesOnly(full *rules.NodeRules) *rules.NodeRules {
	nr := *full
	nr.Rules = nil
	for _, r := range full.Rules {
		if r.Mask != 0 {
			continue
		}
		nr.Rules = append(nr.Rules, r)
	}
	return &nr
}

func TestSourceRulesWithoutMark(t *testing.T) {
	full, _ := host0(t)
	nr := sourceRulesOnly(full)
	require.Len(t, nr.Rules, 2)

	// the ingress segment itself is fine
	assert.True(t, Predict(types.RPFStrict, nr, public, ethPublic, ethPublic))

	// remote clients are routed back through main whatever the mark
	for _, mark := range []uint32{0, pbr.DefaultMarkBase} {
		flow := Flow{Source: internet, Ingress: ethPublic, Return: ethPublic, Mark: mark}
		assert.False(t, PredictFlow(types.RPFStrict, nr, flow))
		assert.True(t, PredictFlow(types.RPFLoose, nr, flow))

		d, ok := Lookup(nr, internet, mark)
		require.True(t, ok)
		assert.Equal(t, rules.MainTable, d.Table)
		assert.Equal(t, ethInternal, d.Route.Dev)
	}
}

var (
	genIfaces   = []string{"eth0", "eth1", "eth2"}
	genNetworks = []*net.IPNet{
		nil,
		types.MustParseCIDR("10.0.0.0/8"),
		types.MustParseCIDR("10.1.0.0/16"),
		types.MustParseCIDR("10.1.2.0/24"),
		types.MustParseCIDR("192.168.0.0/16"),
		types.MustParseCIDR("192.168.1.0/24"),
	}
	genSources = []*net.IPNet{
		types.MustParseCIDR("10.1.2.0/24"),
		types.MustParseCIDR("10.1.2.3/32"),
		types.MustParseCIDR("10.200.0.0/16"),
		types.MustParseCIDR("192.168.1.7/32"),
		types.MustParseCIDR("172.16.0.0/12"),
	}
)

// scenario is a random node routing state and a flow received by the node
type scenario struct {
	nr   *rules.NodeRules
	flow Flow
}

func genTable(r *rand.Rand, id int) rules.RoutingTable {
	table := rules.RoutingTable{ID: id}
	for i := r.Intn(4); i > 0; i-- {
		table.Routes = append(table.Routes, rules.Route{
			Dst: genNetworks[r.Intn(len(genNetworks))],
			Dev: genIfaces[r.Intn(len(genIfaces))],
		})
	}
	return table
}

// Generate implements quick.Generator
func (scenario) Generate(r *rand.Rand, size int) reflect.Value {
	nr := &rules.NodeRules{Node: "node", Main: genTable(r, rules.MainTable)}

	tables := []int{rules.MainTable}
	for i := r.Intn(3); i > 0; i-- {
		id := 200 + len(nr.Tables)
		nr.Tables = append(nr.Tables, genTable(r, id))
		tables = append(tables, id)
	}

	for i := r.Intn(5); i > 0; i-- {
		rule := rules.PolicyRule{
			Priority:          100 + r.Intn(200),
			Src:               genNetworks[r.Intn(len(genNetworks))],
			Table:             tables[r.Intn(len(tables))],
			SuppressPrefixLen: rules.NoSuppress,
		}
		if r.Intn(2) == 0 {
			rule.Mark, rule.Mask = 0x2000, 0x2000
		}
		if r.Intn(3) == 0 {
			rule.SuppressPrefixLen = 0
		}
		nr.Rules = append(nr.Rules, rule)
	}

	var mark uint32
	if r.Intn(2) == 0 {
		mark = 0x2000
	}

	return reflect.ValueOf(scenario{
		nr: nr,
		flow: Flow{
			Source:  genSources[r.Intn(len(genSources))],
			Ingress: genIfaces[r.Intn(len(genIfaces))],
			Return:  genIfaces[r.Intn(len(genIfaces))],
			Mark:    mark,
		},
	})
}

func TestPropertyDisabledAccepts(t *testing.T) {
	accepts := func(s scenario) bool {
		return PredictFlow(types.RPFDisabled, s.nr, s.flow)
	}
	require.NoError(t, quick.Check(accepts, &quick.Config{MaxCount: 1000}))
}

func TestPropertyStrictImpliesLoose(t *testing.T) {
	implies := func(s scenario) bool {
		return !PredictFlow(types.RPFStrict, s.nr, s.flow) || PredictFlow(types.RPFLoose, s.nr, s.flow)
	}
	require.NoError(t, quick.Check(implies, &quick.Config{MaxCount: 1000}))
}

func TestPropertyLookupCoversSource(t *testing.T) {
	covers := func(s scenario) bool {
		d, ok := Lookup(s.nr, s.flow.Source, s.flow.Mark)
		return !ok || d.Route.Covers(s.flow.Source)
	}
	require.NoError(t, quick.Check(covers, &quick.Config{MaxCount: 1000}))
}
