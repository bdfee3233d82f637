package apply

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/threefoldtech/pbr/pkg/network/rules"
)

// Failure describes the command that stopped a node
type Failure struct {
	Node     string
	Command  rules.Command
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func newFailure(node string, cmd rules.Command, err error) *Failure {
	f := &Failure{Node: node, Command: cmd, ExitCode: 1, Err: err}

	var cerr *CommandError
	if errors.As(err, &cerr) {
		f.ExitCode = cerr.ExitCode
		f.Stdout = cerr.Stdout
		f.Stderr = cerr.Stderr
		return f
	}

	f.Stderr = err.Error()
	return f
}

func (f *Failure) Error() string {
	if f.Command == nil {
		return fmt.Sprintf("node %s: %s", f.Node, f.Err)
	}
	return fmt.Sprintf("node %s: %s '%s' failed: %s", f.Node, f.Command.Kind(), f.Command, f.Err)
}

// Unwrap returns the executor error
func (f *Failure) Unwrap() error {
	return f.Err
}

// Params of the failed command
func (f *Failure) Params() map[string]string {
	if f.Command == nil {
		return nil
	}
	return f.Command.Params()
}

// Report is the outcome of applying a rule set
type Report struct {
	// Applied is the number of commands applied per node
	Applied map[string]int
	// Failures in node order
	Failures []*Failure
}

// Failed checks if any node failed
func (r *Report) Failed() bool {
	return len(r.Failures) > 0
}

// Failure returns the failure of node or nil
func (r *Report) Failure(node string) *Failure {
	for _, f := range r.Failures {
		if f.Node == node {
			return f
		}
	}
	return nil
}

// Err combines the failures of the report, nil if every node succeeded
func (r *Report) Err() error {
	var result *multierror.Error
	for _, f := range r.Failures {
		result = multierror.Append(result, f)
	}
	return result.ErrorOrNil()
}
