package campusflow

import (
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

// Sibling is one member of a parallel group
type Sibling struct {
	Worker   string `json:"worker" yaml:"worker"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// ParallelGroup is a named set of workers dispatched concurrently against the
// same snapshot. The group name is itself a node id the router may select.
type ParallelGroup struct {
	Name     string    `json:"name" yaml:"name"`
	Siblings []Sibling `json:"siblings" yaml:"siblings"`
}

// GraphOptions are used to configure a graph.
type GraphOptions struct {
	Name        string
	Description string
	Router      Router
	Workers     []Worker
	Parallel    []ParallelGroup

	// InterruptBefore names nodes that require external approval before
	// they run.
	InterruptBefore []string

	// Priority orders workers for resolving scratch collisions between
	// parallel siblings. Earlier entries win.
	Priority []string

	// ScratchKeys declares the scratch keys each worker writes. Declared
	// keys let collisions between siblings be detected when the graph is
	// built rather than when it runs.
	ScratchKeys map[string][]string
}

// Graph is a validated, immutable set of nodes. Build one with NewGraph.
type Graph struct {
	name            string
	description     string
	router          Router
	workers         map[string]Worker
	workerNames     []string
	groups          map[string]ParallelGroup
	interruptBefore []string
	priority        map[string]int
}

// NewGraph validates opts and returns the graph.
func NewGraph(opts GraphOptions) (*Graph, error) {
	if opts.Name == "" {
		return nil, configError("graph name required")
	}
	if opts.Router == nil {
		return nil, configError("graph %q: router required", opts.Name)
	}
	g := &Graph{
		name:        opts.Name,
		description: opts.Description,
		router:      opts.Router,
		workers:     make(map[string]Worker, len(opts.Workers)),
		groups:      make(map[string]ParallelGroup, len(opts.Parallel)),
		priority:    make(map[string]int, len(opts.Priority)),
	}
	for _, w := range opts.Workers {
		if w == nil {
			return nil, configError("graph %q: nil worker", opts.Name)
		}
		name := w.Name()
		if reservedNode(name) {
			return nil, configError("graph %q: worker name %q is reserved", opts.Name, name)
		}
		if _, dup := g.workers[name]; dup {
			return nil, configError("graph %q: duplicate worker %q", opts.Name, name)
		}
		g.workers[name] = w
		g.workerNames = append(g.workerNames, name)
	}
	sort.Strings(g.workerNames)

	for i, name := range opts.Priority {
		if _, ok := g.workers[name]; !ok {
			return nil, configError("graph %q: priority names unknown worker %q", opts.Name, name)
		}
		if _, dup := g.priority[name]; !dup {
			g.priority[name] = i
		}
	}

	for _, group := range opts.Parallel {
		if reservedNode(group.Name) {
			return nil, configError("graph %q: parallel group name %q is reserved", opts.Name, group.Name)
		}
		if _, clash := g.workers[group.Name]; clash {
			return nil, configError("graph %q: parallel group %q shadows a worker", opts.Name, group.Name)
		}
		if _, dup := g.groups[group.Name]; dup {
			return nil, configError("graph %q: duplicate parallel group %q", opts.Name, group.Name)
		}
		if len(group.Siblings) < 2 {
			return nil, configError("graph %q: parallel group %q needs at least two siblings", opts.Name, group.Name)
		}
		seen := map[string]bool{}
		for _, sib := range group.Siblings {
			if _, ok := g.workers[sib.Worker]; !ok {
				return nil, configError("graph %q: parallel group %q: %w %q", opts.Name, group.Name, ErrUnknownNode, sib.Worker)
			}
			if seen[sib.Worker] {
				return nil, configError("graph %q: parallel group %q lists %q twice", opts.Name, group.Name, sib.Worker)
			}
			seen[sib.Worker] = true
		}
		if err := g.checkDeclaredCollisions(group, opts.ScratchKeys); err != nil {
			return nil, err
		}
		g.groups[group.Name] = group
	}

	for _, id := range opts.InterruptBefore {
		switch g.KindOf(id) {
		case NodeKindWorker, NodeKindParallel, NodeKindRouter:
		default:
			return nil, configError("graph %q: interrupt gate: %w %q", opts.Name, ErrUnknownNode, id)
		}
		if !slices.Contains(g.interruptBefore, id) {
			g.interruptBefore = append(g.interruptBefore, id)
		}
	}
	return g, nil
}

// checkDeclaredCollisions rejects groups whose siblings declare the same
// scratch key unless every writer of that key has a priority.
func (g *Graph) checkDeclaredCollisions(group ParallelGroup, declared map[string][]string) error {
	writers := map[string][]string{}
	for _, sib := range group.Siblings {
		for _, key := range declared[sib.Worker] {
			writers[key] = append(writers[key], sib.Worker)
		}
	}
	keys := make([]string, 0, len(writers))
	for k := range writers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		ws := writers[key]
		if len(ws) < 2 {
			continue
		}
		for _, w := range ws {
			if _, ok := g.priority[w]; !ok {
				return configError("graph %q: parallel group %q: %w: %q written by %v with no declared priority",
					g.name, group.Name, ErrScratchCollision, key, ws)
			}
		}
	}
	return nil
}

// Name returns the graph name
func (g *Graph) Name() string {
	return g.name
}

// Description returns the graph description
func (g *Graph) Description() string {
	return g.description
}

// Router returns the graph router
func (g *Graph) Router() Router {
	return g.router
}

// Worker returns a worker by name
func (g *Graph) Worker(name string) (Worker, bool) {
	w, ok := g.workers[name]
	return w, ok
}

// WorkerNames returns the sorted names of all registered workers
func (g *Graph) WorkerNames() []string {
	return slices.Clone(g.workerNames)
}

// Group returns a parallel group by name
func (g *Graph) Group(name string) (ParallelGroup, bool) {
	group, ok := g.groups[name]
	return group, ok
}

// InterruptBefore returns the interrupt-gated node ids
func (g *Graph) InterruptBefore() []string {
	return slices.Clone(g.interruptBefore)
}

// Nodes returns every id a router may select, sorted, excluding End.
func (g *Graph) Nodes() []string {
	nodes := append([]string{Supervisor}, g.workerNames...)
	for name := range g.groups {
		nodes = append(nodes, name)
	}
	sort.Strings(nodes)
	return nodes
}

// KindOf resolves a node id to its kind.
func (g *Graph) KindOf(id string) NodeKind {
	switch {
	case id == End:
		return NodeKindEnd
	case id == Supervisor:
		return NodeKindRouter
	}
	if _, ok := g.workers[id]; ok {
		return NodeKindWorker
	}
	if _, ok := g.groups[id]; ok {
		return NodeKindParallel
	}
	return NodeKindUnknown
}

// priorityOf returns the rank of a worker; lower wins. ok is false for
// workers without a declared priority.
func (g *Graph) priorityOf(worker string) (int, bool) {
	rank, ok := g.priority[worker]
	return rank, ok
}

// GraphDefinition is the serializable form of a graph. Workers and the router
// are referenced by name and bound when the definition is built.
type GraphDefinition struct {
	Name            string              `json:"name" yaml:"name"`
	Description     string              `json:"description,omitempty" yaml:"description,omitempty"`
	Workers         []string            `json:"workers" yaml:"workers"`
	Parallel        []ParallelGroup     `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	InterruptBefore []string            `json:"interrupt_before,omitempty" yaml:"interrupt_before,omitempty"`
	Priority        []string            `json:"priority,omitempty" yaml:"priority,omitempty"`
	ScratchKeys     map[string][]string `json:"scratch_keys,omitempty" yaml:"scratch_keys,omitempty"`
}

// Build binds the definition to a router and a set of available workers.
// Only the workers the definition names are registered.
func (d *GraphDefinition) Build(router Router, available ...Worker) (*Graph, error) {
	byName := make(map[string]Worker, len(available))
	for _, w := range available {
		byName[w.Name()] = w
	}
	workers := make([]Worker, 0, len(d.Workers))
	for _, name := range d.Workers {
		w, ok := byName[name]
		if !ok {
			return nil, configError("graph %q: %w %q: no such worker available", d.Name, ErrUnknownNode, name)
		}
		workers = append(workers, w)
	}
	return NewGraph(GraphOptions{
		Name:            d.Name,
		Description:     d.Description,
		Router:          router,
		Workers:         workers,
		Parallel:        d.Parallel,
		InterruptBefore: d.InterruptBefore,
		Priority:        d.Priority,
		ScratchKeys:     d.ScratchKeys,
	})
}

// LoadGraphFile loads a graph definition from a YAML file
func LoadGraphFile(path string, router Router, available ...Worker) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return LoadGraphString(string(data), router, available...)
}

// LoadGraphString loads a graph definition from a YAML string
func LoadGraphString(data string, router Router, available ...Worker) (*Graph, error) {
	var def GraphDefinition
	if err := yaml.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph definition: %w", err)
	}
	return def.Build(router, available...)
}
