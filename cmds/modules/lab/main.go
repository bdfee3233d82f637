package lab

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/pkg/config"
	"github.com/threefoldtech/pbr/pkg/lab"
	"github.com/threefoldtech/pbr/pkg/network/apply"
	"github.com/urfave/cli/v2"
)

// Module is entry point for module
var Module cli.Command = cli.Command{
	Name:  "lab",
	Usage: "brings a lab up in network namespaces, applies its rules and probes the exposed services",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "`PATH` to the lab config, the reference lab is used if not set",
		},
		&cli.StringSliceFlag{
			Name:  "serve",
			Usage: "start `NODE=COMMAND` in the background once the rules are applied",
		},
		&cli.StringSliceFlag{
			Name:  "probe",
			Usage: "fetch `NODE=URL` from inside node",
		},
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "how long a probe waits for its target",
			Value: 10 * time.Second,
		},
		&cli.BoolFlag{
			Name:  "hold",
			Usage: "keep the lab up until interrupted",
		},
	},
	Action: action,
}

// split parses NODE=VALUE
func split(s string) (string, string, error) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", errors.Errorf("expected NODE=VALUE, got '%s'", s)
	}
	return parts[0], strings.TrimSpace(parts[1]), nil
}

func action(cli *cli.Context) error {
	var (
		path   string        = cli.String("config")
		serves []string      = cli.StringSlice("serve")
		probes []string      = cli.StringSlice("probe")
		wait   time.Duration = cli.Duration("wait")
		hold   bool          = cli.Bool("hold")
	)

	f, err := config.LoadOrExample(path)
	if err != nil {
		return err
	}

	plan, set, err := f.Compile()
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "failed to find own executable")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return lab.Run(ctx, lab.NewNetns(), plan, func(ctx context.Context, s *lab.Session) error {
		if err := s.Apply(ctx, apply.NewApplier(apply.NewNetlink(plan)), set); err != nil {
			return err
		}

		for _, serve := range serves {
			node, command, err := split(serve)
			if err != nil {
				return err
			}
			if _, err := s.Start(ctx, node, strings.Fields(command)...); err != nil {
				return err
			}
		}

		failed := 0
		for _, p := range probes {
			node, url, err := split(p)
			if err != nil {
				return err
			}
			out, err := s.Exec(ctx, node, self, "probe", "--wait", wait.String(), url)
			if err != nil {
				failed++
				log.Error().Err(err).Str("node", node).Str("url", url).Msg("probe failed")
				continue
			}
			log.Info().Str("node", node).Str("url", url).Msg("probe succeeded")
			fmt.Println(strings.TrimSpace(out))
		}

		if hold {
			log.Info().Msg("lab is up, interrupt to tear it down")
			<-ctx.Done()
		}

		if failed > 0 {
			return errors.Errorf("%d of %d probes failed", failed, len(probes))
		}
		return nil
	})
}
