package apply

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/threefoldtech/pbr/pkg/network/rules"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the default number of nodes applied at once
const DefaultConcurrency = 8

// Option configures an Applier
type Option func(*Applier)

// WithConcurrency bounds the number of nodes applied at once
func WithConcurrency(n int) Option {
	return func(a *Applier) {
		if n > 0 {
			a.limit = n
		}
	}
}

// WithMetrics records the applied commands in m
func WithMetrics(m *Metrics) Option {
	return func(a *Applier) {
		a.metrics = m
	}
}

// Applier applies rule sets through an executor
type Applier struct {
	exec    Executor
	limit   int
	metrics *Metrics

	mu    sync.Mutex
	nodes map[string]*sync.Mutex
}

// NewApplier creates an applier on top of exec
func NewApplier(exec Executor, opts ...Option) *Applier {
	a := &Applier{
		exec:  exec,
		limit: DefaultConcurrency,
		nodes: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// lock returns the lock serializing the batches of node
func (a *Applier) lock(node string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.nodes[node]
	if !ok {
		l = &sync.Mutex{}
		a.nodes[node] = l
	}
	return l
}

// ApplyNode applies cmds in order on node. Concurrent batches for the same
// node are serialized, the first failing command stops the batch
func (a *Applier) ApplyNode(ctx context.Context, node string, cmds []rules.Command) (int, *Failure) {
	l := a.lock(node)
	l.Lock()
	defer l.Unlock()

	for i, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return i, newFailure(node, cmd, err)
		}

		err := a.exec.Execute(ctx, node, cmd)
		a.metrics.observe(cmd, err)
		if err != nil {
			log.Error().Err(err).
				Str("node", node).
				Str("kind", string(cmd.Kind())).
				Str("command", cmd.String()).
				Msg("failed to apply command")
			return i, newFailure(node, cmd, err)
		}

		log.Debug().Str("node", node).Str("command", cmd.String()).Msg("applied")
	}
	return len(cmds), nil
}

type stage struct {
	name  string
	batch func(*rules.NodeRules) []rules.Command
}

// Apply applies the rule set. The barrier of every node is applied first,
// then the commands of every node. A node whose batch fails is reported
// and skipped by the following stage, the other nodes are not affected
func (a *Applier) Apply(ctx context.Context, set *rules.RuleSet) *Report {
	report := &Report{Applied: make(map[string]int)}
	failed := make(map[string]struct{})
	var mu sync.Mutex

	stages := []stage{
		{name: "barrier", batch: (*rules.NodeRules).Barrier},
		{name: "commands", batch: (*rules.NodeRules).Commands},
	}

	for _, st := range stages {
		var g errgroup.Group
		g.SetLimit(a.limit)

		mu.Lock()
		skip := make(map[string]struct{}, len(failed))
		for node := range failed {
			skip[node] = struct{}{}
		}
		mu.Unlock()

		for _, nr := range set.Nodes {
			nr := nr
			if _, ok := skip[nr.Node]; ok {
				continue
			}
			cmds := st.batch(nr)
			if len(cmds) == 0 {
				continue
			}

			g.Go(func() error {
				applied, failure := a.ApplyNode(ctx, nr.Node, cmds)

				mu.Lock()
				defer mu.Unlock()
				report.Applied[nr.Node] += applied
				if failure != nil {
					failed[nr.Node] = struct{}{}
					report.Failures = append(report.Failures, failure)
				}
				return nil
			})
		}

		_ = g.Wait()
		log.Debug().Str("stage", st.name).Int("failed", len(failed)).Msg("apply stage done")
	}

	order := make(map[string]int, len(set.Nodes))
	for i, nr := range set.Nodes {
		order[nr.Node] = i
	}
	sort.SliceStable(report.Failures, func(i, j int) bool {
		return order[report.Failures[i].Node] < order[report.Failures[j].Node]
	})

	if report.Failed() {
		a.metrics.nodeFailures(len(report.Failures))
		log.Error().Int("nodes", len(report.Failures)).Msg("rule set partially applied")
	} else {
		log.Info().Int("nodes", len(set.Nodes)).Msg("rule set applied")
	}

	return report
}
