package nft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ExecError is returned when an nft invocation fails
type ExecError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	err      error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("'%s' exited with %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Unwrap returns the underlying exec error
func (e *ExecError) Unwrap() error {
	return e.err
}

func command(ctx context.Context, ns string, args ...string) *exec.Cmd {
	if ns != "" {
		args = append([]string{"netns", "exec", ns, "nft"}, args...)
		return exec.CommandContext(ctx, "ip", args...)
	}
	return exec.CommandContext(ctx, "nft", args...)
}

func run(ctx context.Context, ns string, stdin io.Reader, args ...string) (string, error) {
	cmd := command(ctx, ns, args...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			exitCode = eerr.ExitCode()
		}
		log.Error().Err(err).Str("ns", ns).Str("stderr", stderr.String()).Msg("error during nft")
		return stdout.String(), &ExecError{
			Args:     cmd.Args,
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			err:      err,
		}
	}
	return stdout.String(), nil
}

// Apply applies the nft configuration contained in the reader r
// if ns is specified, the nft command is execute in the network namespace names ns
func Apply(ctx context.Context, r io.Reader, ns string) error {
	if _, err := run(ctx, ns, r, "-f", "-"); err != nil {
		return errors.Wrap(err, "failed to execute nft")
	}
	return nil
}

// ListChain returns the listing of chain in the pbr table of namespace ns
func ListChain(ctx context.Context, ns, chain string) (string, error) {
	out, err := run(ctx, ns, nil, "list", "chain", Family, Table, chain)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list chain %s", chain)
	}
	return out, nil
}

// DeleteTable removes the pbr table and all its rules from namespace ns
func DeleteTable(ctx context.Context, ns string) error {
	if _, err := run(ctx, ns, nil, "delete", "table", Family, Table); err != nil {
		return errors.Wrap(err, "failed to delete nft table")
	}
	return nil
}
