package compile

import (
	"os"

	"github.com/pkg/errors"
	"github.com/threefoldtech/pbr/pkg/config"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"
)

// Module is entry point for module
var Module cli.Command = cli.Command{
	Name:  "compile",
	Usage: "compiles a lab config and prints the ordered commands of every node",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "`PATH` to the lab config, the reference lab is used if not set",
		},
		&cli.StringFlag{
			Name:  "node",
			Usage: "only print the commands of `NODE`",
		},
	},
	Action: action,
}

func action(cli *cli.Context) error {
	var (
		path string = cli.String("config")
		node string = cli.String("node")
	)

	f, err := config.LoadOrExample(path)
	if err != nil {
		return err
	}

	_, set, err := f.Compile()
	if err != nil {
		return err
	}

	steps := set.Steps()
	if node != "" {
		if set.Node(node) == nil {
			return errors.Errorf("unknown node '%s'", node)
		}
		filtered := steps[:0]
		for _, step := range steps {
			if step.Node == node {
				filtered = append(filtered, step)
			}
		}
		steps = filtered
	}

	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	return enc.Encode(steps)
}
