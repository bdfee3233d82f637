package probe

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/threefoldtech/pbr/pkg/probe"
	"github.com/urfave/cli/v2"
)

// Module is entry point for module
var Module cli.Command = cli.Command{
	Name:      "probe",
	Usage:     "fetches an http test target, optionally waiting for it to become ready",
	ArgsUsage: "URL",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "wait up to `DURATION` for the target to answer before fetching it",
		},
		&cli.IntFlag{
			Name:  "retries",
			Usage: "number of retries of the request",
			Value: probe.DefaultRetryMax,
		},
		&cli.DurationFlag{
			Name:  "request-timeout",
			Usage: "timeout of a single request",
			Value: 5 * time.Second,
		},
	},
	Action: action,
}

func action(cli *cli.Context) error {
	var (
		url     string        = cli.Args().First()
		wait    time.Duration = cli.Duration("wait")
		retries int           = cli.Int("retries")
		timeout time.Duration = cli.Duration("request-timeout")
	)

	if url == "" {
		return errors.New("missing target url")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	prober := probe.New(probe.WithRetryMax(retries), probe.WithRequestTimeout(timeout))
	if wait > 0 {
		if err := prober.WaitReady(ctx, url, wait); err != nil {
			return err
		}
	}

	body, err := prober.Get(ctx, url)
	if err != nil {
		return err
	}

	fmt.Print(body)
	return nil
}
