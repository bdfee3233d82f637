package apply

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/pkg/config"
	"github.com/threefoldtech/pbr/pkg/network/apply"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"
)

// Module is entry point for module
var Module cli.Command = cli.Command{
	Name:  "apply",
	Usage: "compiles a lab config and applies it to the node namespaces",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "`PATH` to the lab config, the reference lab is used if not set",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "apply to an in memory data plane and print the resulting state",
		},
		&cli.BoolFlag{
			Name:  "reset",
			Usage: "remove previously installed nft rules before applying",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "maximum number of nodes configured at the same time",
			Value: apply.DefaultConcurrency,
		},
		&cli.StringFlag{
			Name:  "metrics",
			Usage: "write apply metrics in prometheus text format to `FILE`",
		},
	},
	Action: action,
}

func action(cli *cli.Context) error {
	var (
		path        string = cli.String("config")
		dryRun      bool   = cli.Bool("dry-run")
		reset       bool   = cli.Bool("reset")
		concurrency int    = cli.Int("concurrency")
		metricsPath string = cli.String("metrics")
	)

	f, err := config.LoadOrExample(path)
	if err != nil {
		return err
	}

	plan, set, err := f.Compile()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var executor apply.Executor
	model := apply.NewModel()
	if dryRun {
		executor = model
	} else {
		nl := apply.NewNetlink(plan)
		if reset {
			if err := nl.Reset(ctx); err != nil {
				return err
			}
		}
		executor = nl
	}

	metrics := apply.NewMetrics()
	applier := apply.NewApplier(executor, apply.WithConcurrency(concurrency), apply.WithMetrics(metrics))

	report := applier.Apply(ctx, set)
	for _, failure := range report.Failures {
		log.Error().
			Str("node", failure.Node).
			Int("exit-code", failure.ExitCode).
			Str("stderr", failure.Stderr).
			Interface("params", failure.Params()).
			Msg("failed to apply rules")
	}

	if metricsPath != "" {
		if err := metrics.WriteTextfile(metricsPath); err != nil {
			log.Error().Err(err).Str("path", metricsPath).Msg("failed to write metrics")
		}
	}

	if dryRun {
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		if err := enc.Encode(model.Snapshot()); err != nil {
			return errors.Wrap(err, "failed to print state")
		}
	}

	if err := report.Err(); err != nil {
		return err
	}

	log.Info().Int("nodes", len(report.Applied)).Msg("rule set applied")
	return nil
}
