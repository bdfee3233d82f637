package apply

import (
	"context"
	"sync"

	"github.com/threefoldtech/pbr/pkg/network/rules"
)

// Call is a command received by the model
type Call struct {
	Seq  int
	Node string
	Cmd  rules.Command
}

type fault struct {
	node string
	kind rules.Kind
	err  *CommandError
}

type nodeState struct {
	keys    []string
	objects map[string]rules.Command
}

// Model is an in-memory data plane. Objects are identified by the command
// key so applying a command twice leaves a single object
type Model struct {
	mu     sync.Mutex
	seq    int
	calls  []Call
	nodes  map[string]*nodeState
	faults []fault
}

var _ Executor = (*Model)(nil)

// NewModel creates an empty model
func NewModel() *Model {
	return &Model{nodes: make(map[string]*nodeState)}
}

// Fail makes every command of kind on node fail with the given exit
// code and output
func (m *Model) Fail(node string, kind rules.Kind, exitCode int, stderr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.faults = append(m.faults, fault{
		node: node,
		kind: kind,
		err:  &CommandError{ExitCode: exitCode, Stderr: stderr},
	})
}

// Execute implements Executor
func (m *Model) Execute(ctx context.Context, node string, cmd rules.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.calls = append(m.calls, Call{Seq: m.seq, Node: node, Cmd: cmd})

	for _, f := range m.faults {
		if f.node == node && f.kind == cmd.Kind() {
			return f.err
		}
	}

	state, ok := m.nodes[node]
	if !ok {
		state = &nodeState{objects: make(map[string]rules.Command)}
		m.nodes[node] = state
	}

	key := cmd.Key()
	if _, ok := state.objects[key]; !ok {
		state.keys = append(state.keys, key)
	}
	state.objects[key] = cmd
	return nil
}

// State returns the objects installed on node in installation order
func (m *Model) State(node string) []rules.Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.nodes[node]
	if !ok {
		return nil
	}
	out := make([]rules.Command, 0, len(state.keys))
	for _, key := range state.keys {
		out = append(out, state.objects[key])
	}
	return out
}

// Snapshot returns the textual state of every node
func (m *Model) Snapshot() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string, len(m.nodes))
	for node, state := range m.nodes {
		for _, key := range state.keys {
			out[node] = append(out[node], state.objects[key].String())
		}
	}
	return out
}

// Calls returns the commands received so far in order
func (m *Model) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Call(nil), m.calls...)
}
