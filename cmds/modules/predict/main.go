package predict

import (
	"fmt"
	"math"
	"net"

	"github.com/pkg/errors"
	"github.com/threefoldtech/pbr/pkg/config"
	"github.com/threefoldtech/pbr/pkg/network/reachability"
	"github.com/threefoldtech/pbr/pkg/network/types"
	"github.com/urfave/cli/v2"
)

// Module is entry point for module
var Module cli.Command = cli.Command{
	Name:  "predict",
	Usage: "predicts whether the reverse path filter of a node accepts a flow",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "`PATH` to the lab config, the reference lab is used if not set",
		},
		&cli.StringFlag{
			Name:     "node",
			Usage:    "`NODE` receiving the flow",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "source",
			Usage:    "source `CIDR` of the flow, a plain address is a /32",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "ingress",
			Usage:    "`IFACE` the flow is received on",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "return",
			Usage:    "`IFACE` the reply leaves through",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "mode",
			Usage: "rp_filter `MODE` (disabled, strict, loose), the node setting is used if not set",
		},
		&cli.Uint64Flag{
			Name:  "mark",
			Usage: "packet `MARK` visible to the route lookup",
		},
	},
	Action: action,
}

func parseSource(s string) (*net.IPNet, error) {
	if ip := net.ParseIP(s); ip != nil && ip.To4() != nil {
		return &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(32, 32)}, nil
	}
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid source '%s'", s)
	}
	return ipNet, nil
}

func parseMark(v uint64) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, errors.Errorf("mark %#x does not fit in 32 bits", v)
	}
	return uint32(v), nil
}

func action(c *cli.Context) error {
	var (
		path string = c.String("config")
		node string = c.String("node")
	)

	source, err := parseSource(c.String("source"))
	if err != nil {
		return err
	}

	mark, err := parseMark(c.Uint64("mark"))
	if err != nil {
		return err
	}

	f, err := config.LoadOrExample(path)
	if err != nil {
		return err
	}

	_, set, err := f.Compile()
	if err != nil {
		return err
	}

	nr := set.Node(node)
	if nr == nil {
		return errors.Errorf("unknown node '%s'", node)
	}

	flow := reachability.Flow{
		Source:  source,
		Ingress: c.String("ingress"),
		Return:  c.String("return"),
		Mark:    mark,
	}

	mode := reachability.Mode(nr, flow.Ingress)
	if c.IsSet("mode") {
		mode, err = types.ParseRPFMode(c.String("mode"))
		if err != nil {
			return err
		}
	}

	accepted := reachability.PredictFlow(mode, nr, flow)
	decision, ok := reachability.Lookup(nr, source, flow.Mark)

	fmt.Printf("mode: %s\n", mode)
	if ok {
		fmt.Printf("lookup: table %d route '%s'\n", decision.Table, decision.Route)
	} else {
		fmt.Println("lookup: no route")
	}
	fmt.Printf("accepted: %t\n", accepted)

	if !accepted {
		return cli.Exit("", 1)
	}
	return nil
}
