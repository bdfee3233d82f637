// Package apply installs a compiled rule set on the nodes of a topology.
//
// Commands of a node are applied in order, different nodes are applied
// concurrently. The neighbor entries of every node form a barrier that is
// completed before any other command runs. A failure stops the node it
// happened on and nothing else.
package apply

import (
	"context"
	"fmt"
	"strings"

	"github.com/threefoldtech/pbr/pkg/network/rules"
)

// Executor applies a single command on the network stack of a node
type Executor interface {
	Execute(ctx context.Context, node string, cmd rules.Command) error
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, node string, cmd rules.Command) error

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, node string, cmd rules.Command) error {
	return f(ctx, node, cmd)
}

// CommandError is returned by an executor when a command ran and exited
// with an error
type CommandError struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("exit code %d", e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *CommandError) Unwrap() error {
	return e.Err
}
