package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/cmds/modules/apply"
	"github.com/threefoldtech/pbr/cmds/modules/compile"
	"github.com/threefoldtech/pbr/cmds/modules/graph"
	"github.com/threefoldtech/pbr/cmds/modules/lab"
	"github.com/threefoldtech/pbr/cmds/modules/predict"
	"github.com/threefoldtech/pbr/cmds/modules/probe"
	"github.com/threefoldtech/pbr/pkg/config"
	"github.com/threefoldtech/pbr/pkg/version"
	"github.com/urfave/cli/v2"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	exe := cli.App{
		Name:    "pbrc",
		Usage:   "policy routing and NAT rule compiler",
		Version: version.Current().String(),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if c.Bool("debug") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			&compile.Module,
			&apply.Module,
			&predict.Module,
			&probe.Module,
			&lab.Module,
			&graph.Module,
			{
				Name:  "example",
				Usage: "print the config of the reference lab",
				Action: func(c *cli.Context) error {
					_, err := os.Stdout.Write(config.Example())
					return err
				},
			},
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Println(c.App.Version)
	}

	if err := exe.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("exiting")
	}
}
