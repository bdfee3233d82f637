// Package lab runs scenarios against an emulated topology. The topology is
// acquired for the duration of a scenario and always released afterwards,
// together with every process started in it.
package lab

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/pkg/network/apply"
	"github.com/threefoldtech/pbr/pkg/network/rules"
	"github.com/threefoldtech/pbr/pkg/network/topology"
)

// DefaultGrace is the time a process gets to exit after SIGTERM
const DefaultGrace = 2 * time.Second

// Substrate creates the emulated network of a plan and destroys it
type Substrate interface {
	Up(ctx context.Context, plan *topology.Plan) error
	Down(ctx context.Context) error
	// Command returns a command running argv in the network stack of node
	Command(ctx context.Context, node string, argv ...string) (*exec.Cmd, error)
}

// Process is a background process started in a node
type Process struct {
	Node string
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Wait waits for the process to exit
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Exited checks if the process is gone
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) stop(grace time.Duration) {
	if p.Exited() {
		return
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	log.Warn().Str("node", p.Node).Int("pid", p.cmd.Process.Pid).Msg("process did not terminate, killing")
	_ = p.cmd.Process.Kill()
	<-p.done
}

// Session is a live topology
type Session struct {
	plan      *topology.Plan
	substrate Substrate
	grace     time.Duration

	mu    sync.Mutex
	procs []*Process
}

// Plan returns the topology of the session
func (s *Session) Plan() *topology.Plan {
	return s.plan
}

// Start starts argv in the background on node. The process is terminated
// when the session ends
func (s *Session) Start(ctx context.Context, node string, argv ...string) (*Process, error) {
	cmd, err := s.substrate.Command(ctx, node, argv...)
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %v on %s", argv, node)
	}

	p := &Process{Node: node, cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	log.Info().Str("node", node).Strs("argv", argv).Int("pid", cmd.Process.Pid).Msg("process started")
	return p, nil
}

// Exec runs argv on node and returns its output
func (s *Session) Exec(ctx context.Context, node string, argv ...string) (string, error) {
	cmd, err := s.substrate.Command(ctx, node, argv...)
	if err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		cerr := &apply.CommandError{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			cerr.ExitCode = eerr.ExitCode()
		}
		return stdout.String(), errors.Wrapf(cerr, "node %s: %v", node, argv)
	}
	return stdout.String(), nil
}

// Apply applies set on the session nodes. A partially applied rule set
// is an error
func (s *Session) Apply(ctx context.Context, applier *apply.Applier, set *rules.RuleSet) error {
	report := applier.Apply(ctx, set)
	if err := report.Err(); err != nil {
		return errors.Wrap(err, "failed to apply rule set")
	}
	return nil
}

// stop terminates every process, last started first
func (s *Session) stop() {
	s.mu.Lock()
	procs := s.procs
	s.procs = nil
	s.mu.Unlock()

	for i := len(procs) - 1; i >= 0; i-- {
		procs[i].stop(s.grace)
	}
}

// Run brings the topology of plan up on substrate, calls fn and tears the
// topology down. Teardown happens whatever the outcome of fn, including a
// panic which is propagated once the topology is released
func Run(ctx context.Context, substrate Substrate, plan *topology.Plan, fn func(ctx context.Context, s *Session) error) (err error) {
	session := &Session{plan: plan, substrate: substrate, grace: DefaultGrace}

	defer func() {
		r := recover()

		session.stop()
		// the scenario context may be done already
		if derr := substrate.Down(context.Background()); derr != nil {
			log.Error().Err(derr).Msg("failed to tear down topology")
			if err == nil {
				err = errors.Wrap(derr, "failed to tear down topology")
			} else {
				err = multierror.Append(err, errors.Wrap(derr, "failed to tear down topology"))
			}
		}
		log.Info().Msg("topology released")

		if r != nil {
			panic(r)
		}
	}()

	if err := substrate.Up(ctx, plan); err != nil {
		return errors.Wrap(err, "failed to bring topology up")
	}
	log.Info().Int("nodes", len(plan.Nodes())).Msg("topology up")

	return fn(ctx, session)
}
