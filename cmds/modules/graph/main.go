package graph

import (
	"os"

	"github.com/threefoldtech/pbr/pkg/config"
	"github.com/urfave/cli/v2"
)

// Module is entry point for module
var Module cli.Command = cli.Command{
	Name:  "graph",
	Usage: "prints the topology of a lab config in graphviz dot format",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "`PATH` to the lab config, the reference lab is used if not set",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "`NAME` of the graph",
			Value: "lab",
		},
	},
	Action: action,
}

func action(cli *cli.Context) error {
	var (
		path string = cli.String("config")
		name string = cli.String("name")
	)

	f, err := config.LoadOrExample(path)
	if err != nil {
		return err
	}

	plan, err := f.Plan()
	if err != nil {
		return err
	}

	out, err := plan.DOT(name)
	if err != nil {
		return err
	}
	out = append(out, '\n')
	_, err = os.Stdout.Write(out)
	return err
}
