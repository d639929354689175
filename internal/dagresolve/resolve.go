// Package dagresolve computes the reachable subgraph from a requested
// set of goals, detects cycles, and assigns a deterministic
// topological order. Generalized from cmd/make-lite/engine.go's
// buildRecursive, which walked dependencies and ran actions in the
// same pass; here the walk is split out into
// its own read-only pass so the executor (internal/executor) can run
// the result in parallel instead of recursing single-threaded.
package dagresolve

import (
	"os"
	"sort"

	"buildgo/internal/bgerrors"
	"buildgo/internal/registry"
)

// StatFS is the filesystem capability the resolver needs: just enough
// to tell a source leaf from a genuinely missing dependency. Spec
// section 1 treats stat/read/unlink as a small capability interface
// external to the engine's core logic; this is that interface's stat
// half.
type StatFS interface {
	Stat(name string) (os.FileInfo, error)
}

// OSFS adapts the real filesystem to StatFS.
type OSFS struct{}

func (OSFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

// Node is one target (or source leaf) in the resolved subgraph.
type Node struct {
	// Target is nil for a source leaf.
	Target *registry.Target
	// Name is the primary output name for a file/phony target, or the
	// path for a source leaf.
	Name string
	// IsSource is true for a leaf that is not a registered target but
	// exists on disk.
	IsSource bool

	Predecessors []*Node // this node's dependencies, resolved
	Dependents   []*Node // nodes that depend on this one
}

// Plan is the resolved subgraph for one invocation: a deterministic
// topological order plus, per node, its resolved edges.
type Plan struct {
	Order []*Node
	byName map[string]*Node
}

// Node looks up a resolved node by its Name (a target's primary output,
// or a source leaf's path); used by tests.
func (p *Plan) Node(name string) (*Node, bool) {
	n, ok := p.byName[name]
	return n, ok
}

// Resolve computes the subgraph reachable from goals. An empty goals
// slice resolves to a single implicit goal "all"; if "all" is not
// registered in that case, resolution fails with UnknownGoalError.
func Resolve(reg *registry.Registry, goals []string, fs StatFS) (*Plan, error) {
	if len(goals) == 0 {
		if _, ok := reg.Lookup("all"); !ok {
			return nil, &bgerrors.UnknownGoalError{Goal: "all"}
		}
		goals = []string{"all"}
	}
	for _, g := range goals {
		if _, ok := reg.Lookup(g); !ok {
			if _, err := fs.Stat(g); err != nil {
				return nil, &bgerrors.UnknownGoalError{Goal: g}
			}
		}
	}

	r := &resolver{
		reg:     reg,
		fs:      fs,
		nodes:   make(map[string]*Node),
		color:   make(map[string]int),
	}

	for _, g := range goals {
		if err := r.visit(g, nil); err != nil {
			return nil, err
		}
	}

	order := topoOrder(r.nodes)
	plan := &Plan{Order: order, byName: r.nodes}
	return plan, nil
}

const (
	colorUnvisited = 0
	colorOnStack   = 1
	colorDone      = 2
)

type resolver struct {
	reg   *registry.Registry
	fs    StatFS
	nodes map[string]*Node
	color map[string]int
	stack []string
}

func (r *resolver) visit(name string, via []string) error {
	if t, ok := r.reg.Lookup(name); ok {
		name = t.PrimaryOutput()
	}
	switch r.color[name] {
	case colorDone:
		return nil
	case colorOnStack:
		path := append(append([]string{}, via...), name)
		return &bgerrors.CycleError{Path: path}
	}

	r.color[name] = colorOnStack
	r.stack = append(r.stack, name)
	defer func() {
		r.stack = r.stack[:len(r.stack)-1]
		r.color[name] = colorDone
	}()

	t, isTarget := r.reg.Lookup(name)
	node := &Node{Name: name}
	if isTarget {
		node.Target = t
	} else {
		if _, err := r.fs.Stat(name); err != nil {
			parent := ""
			if len(via) > 0 {
				parent = via[len(via)-1]
			}
			return &bgerrors.MissingInputError{Input: name, Target: parent}
		}
		node.IsSource = true
	}
	r.nodes[name] = node

	if isTarget {
		for _, dep := range t.Deps {
			nextVia := append(append([]string{}, via...), name)
			if err := r.visit(dep, nextVia); err != nil {
				return err
			}
			depName := dep
			if dt, ok := r.reg.Lookup(dep); ok {
				depName = dt.PrimaryOutput()
			}
			depNode := r.nodes[depName]
			node.Predecessors = append(node.Predecessors, depNode)
			depNode.Dependents = append(depNode.Dependents, node)
		}
	}
	return nil
}

// topoOrder produces a deterministic topological order: a DFS
// postorder walk (dependencies before dependents) with sibling
// dependencies visited in declaration order already (captured by
// Predecessors' order from resolver.visit), and ties among multiple
// ready roots broken lexicographically by name, so repeated resolutions
// of the same graph give the same order. This DFS order is not always
// the order a sequential (-j 1) executor run dispatches in: the executor
// always takes the lexicographically first ready target.
func topoOrder(nodes map[string]*Node) []*Node {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	visited := make(map[string]bool, len(nodes))
	var order []*Node
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited[n.Name] {
			return
		}
		visited[n.Name] = true
		for _, pred := range n.Predecessors {
			visit(pred)
		}
		order = append(order, n)
	}
	for _, name := range names {
		visit(nodes[name])
	}
	return order
}
