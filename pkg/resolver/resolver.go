// Package resolver orders descriptors so that every extension is loaded after
// the extensions it depends on.
package resolver

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/descriptor"
)

// Step is one entry of a load plan.
type Step struct {
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Fingerprint string                 `json:"fingerprint"`
	Descriptor  *descriptor.Descriptor `json:"-"`
}

// Edge records that From depends on To.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Range string `json:"range,omitempty"`
}

// Plan is a dependency-respecting load order. No step appears before a step
// it depends on.
type Plan struct {
	Steps []Step `json:"steps"`
	Edges []Edge `json:"edges"`
}

// Names returns the step names in load order.
func (p Plan) Names() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Name
	}
	return out
}

// Fingerprints returns the step fingerprints in load order.
func (p Plan) Fingerprints() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Fingerprint
	}
	return out
}

// Descriptors returns the step descriptors in load order.
func (p Plan) Descriptors() []*descriptor.Descriptor {
	out := make([]*descriptor.Descriptor, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Descriptor
	}
	return out
}

// Rejection explains why a descriptor was excluded from a plan.
type Rejection struct {
	Descriptor *descriptor.Descriptor
	Err        error
}

// Outcome is the result of a partial resolution. Callers must treat it as
// read-only; cached outcomes are shared.
type Outcome struct {
	Plan     Plan
	Rejected []Rejection
	root     error
}

// Err returns the root cause of the first rejection in deterministic order,
// or nil when nothing was rejected.
func (o Outcome) Err() error {
	return o.root
}

// Option configures a resolution.
type Option func(*options)

type options struct {
	installed []*descriptor.Descriptor
}

// Installed declares descriptors that are already loaded. They satisfy
// dependencies but never appear in the plan.
func Installed(ds ...*descriptor.Descriptor) Option {
	return func(o *options) {
		o.installed = append(o.installed, ds...)
	}
}

// Resolve orders ds or fails with the first problem found. Malformed
// descriptors are reported before unsatisfied dependencies, which are
// reported before cycles.
func Resolve(ds []*descriptor.Descriptor, opts ...Option) (Plan, error) {
	out := ResolvePartial(ds, opts...)
	if err := out.Err(); err != nil {
		return Plan{}, err
	}
	return out.Plan, nil
}

// ResolvePartial orders every descriptor that can be loaded and rejects the
// rest: malformed or duplicate descriptors, unsatisfied dependencies, cycle
// members, and anything transitively depending on a rejected descriptor.
func ResolvePartial(ds []*descriptor.Descriptor, opts ...Option) Outcome {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	g := newGraph(ds, o.installed)
	g.validate()
	g.link()
	g.detectCycles()
	g.propagate()
	return g.outcome()
}

func (g *graph) validate() {
	counts := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		counts[n.desc.Name()]++
	}
	for i := range g.nodes {
		n := &g.nodes[i]
		if err := n.desc.Validate(); err != nil {
			g.reject(i, rejectMalformed, err)
		} else if v, err := n.desc.Version(); err == nil {
			n.version = v
		}
		name := n.desc.Name()
		if counts[name] > 1 {
			g.reject(i, rejectMalformed, xerrors.New(xerrors.CodeMalformedDescriptor,
				fmt.Sprintf("duplicate extension name %q", name),
				xerrors.WithMetadata("extension", name)))
			continue
		}
		if descriptor.ValidName(name) {
			g.index[name] = i
		}
	}
}

func (g *graph) link() {
	for i := range g.nodes {
		n := &g.nodes[i]
		if n.rejected != nil && n.rejected.kind == rejectMalformed {
			continue
		}
		for _, dep := range n.desc.Dependencies() {
			rng, _ := descriptor.ParseRange(dep.Range)
			if j, ok := g.index[dep.Name]; ok {
				target := g.nodes[j]
				if target.rejected == nil || target.rejected.kind != rejectMalformed {
					if !rng.Contains(target.version) {
						g.reject(i, rejectUnsatisfied, unsatisfied(n.desc, dep, "found "+target.version.String()))
						continue
					}
				}
				g.addEdge(i, j)
				continue
			}
			if inst, ok := g.installed[dep.Name]; ok {
				v, err := inst.Version()
				if err != nil || !rng.Contains(v) {
					g.reject(i, rejectUnsatisfied, unsatisfied(n.desc, dep, "installed "+inst.RawVersion()))
					continue
				}
				g.external[i] = append(g.external[i], Edge{From: n.desc.Name(), To: dep.Name, Range: dep.Range})
				continue
			}
			g.reject(i, rejectUnsatisfied, unsatisfied(n.desc, dep, "not available"))
		}
	}
}

func unsatisfied(d *descriptor.Descriptor, dep descriptor.DependencySpec, detail string) error {
	rng := dep.Range
	if rng == "" {
		rng = "*"
	}
	return xerrors.New(xerrors.CodeUnsatisfiedDependency,
		fmt.Sprintf("%s requires %s %s: %s", d.Name(), dep.Name, rng, detail),
		xerrors.WithMetadata("extension", d.Name()),
		xerrors.WithMetadata("dependency", dep.Name),
		xerrors.WithMetadata("range", rng),
	)
}

type frame struct {
	node int
	next int
}

// detectCycles finds the strongly connected components of the arena with an
// iterative Tarjan traversal. Every member of a component with more than one
// node is rejected with the same error naming all of them; self edges never
// reach the arena because Validate rejects them.
func (g *graph) detectCycles() {
	index := make([]int, len(g.nodes))
	low := make([]int, len(g.nodes))
	onStack := make([]bool, len(g.nodes))
	var stack []int
	var components [][]int
	counter := 0

	visit := func(i int) {
		counter++
		index[i], low[i] = counter, counter
		stack = append(stack, i)
		onStack[i] = true
	}

	for root := range g.nodes {
		if index[root] != 0 || g.nodes[root].rejected != nil {
			continue
		}
		visit(root)
		calls := []frame{{node: root}}
		for len(calls) > 0 {
			top := &calls[len(calls)-1]
			v := top.node
			if deps := g.nodes[v].deps; top.next < len(deps) {
				w := deps[top.next]
				top.next++
				if g.nodes[w].rejected != nil {
					continue
				}
				if index[w] == 0 {
					visit(w)
					calls = append(calls, frame{node: w})
				} else if onStack[w] {
					low[v] = min(low[v], index[w])
				}
				continue
			}
			calls = calls[:len(calls)-1]
			if len(calls) > 0 {
				parent := calls[len(calls)-1].node
				low[parent] = min(low[parent], low[v])
			}
			if low[v] != index[v] {
				continue
			}
			var component []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			if len(component) > 1 {
				slices.Sort(component)
				components = append(components, component)
			}
		}
	}

	for _, component := range components {
		walk := g.cycleWalk(component)
		path := make([]string, len(walk))
		for k, i := range walk {
			path[k] = g.name(i)
		}
		members := make([]string, len(component))
		for k, i := range component {
			members[k] = g.name(i)
		}
		joined := strings.Join(path, " -> ")
		err := xerrors.New(xerrors.CodeCyclicDependency, "dependency cycle: "+joined,
			xerrors.WithMetadata("cycle", joined),
			xerrors.WithMetadata("members", strings.Join(members, ", ")))
		for _, i := range component {
			g.reject(i, rejectCycle, err)
		}
	}
}

// cycleWalk returns a closed walk through a strongly connected component that
// starts at its smallest member and visits every member, always moving to the
// nearest member not yet visited. A simple cycle comes out as itself.
func (g *graph) cycleWalk(component []int) []int {
	in := make(map[int]bool, len(component))
	for _, i := range component {
		in[i] = true
	}
	start := component[0]
	walk := []int{start}
	seen := map[int]bool{start: true}
	for len(seen) < len(component) {
		path := g.shortestPath(walk[len(walk)-1], in, func(i int) bool { return !seen[i] })
		for _, i := range path {
			seen[i] = true
		}
		walk = append(walk, path...)
	}
	return append(walk, g.shortestPath(walk[len(walk)-1], in, func(i int) bool { return i == start })...)
}

// shortestPath searches breadth first from `from`, staying inside `in`, and
// returns the path (excluding `from`) to the first node accepted by target.
// Neighbours are explored in arena order so the result is deterministic.
func (g *graph) shortestPath(from int, in map[int]bool, target func(int) bool) []int {
	prev := map[int]int{from: -1}
	queue := []int{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next := make([]int, 0, len(g.nodes[cur].deps))
		for _, w := range g.nodes[cur].deps {
			if in[w] {
				next = append(next, w)
			}
		}
		slices.Sort(next)
		for _, w := range next {
			if target(w) {
				path := []int{w}
				for at := cur; at != from; at = prev[at] {
					path = append(path, at)
				}
				slices.Reverse(path)
				return path
			}
			if _, ok := prev[w]; !ok {
				prev[w] = cur
				queue = append(queue, w)
			}
		}
	}
	return nil
}

// propagate rejects every node that transitively depends on a rejected one.
func (g *graph) propagate() {
	queue := make([]int, 0, len(g.nodes))
	for i := range g.nodes {
		if g.nodes[i].rejected != nil {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.nodes[cur].dependents {
			if g.nodes[dep].rejected != nil {
				continue
			}
			g.reject(dep, rejectPropagated, xerrors.New(xerrors.CodeUnsatisfiedDependency,
				fmt.Sprintf("%s requires %s, which was rejected", g.name(dep), g.name(cur)),
				xerrors.WithMetadata("extension", g.name(dep)),
				xerrors.WithMetadata("dependency", g.name(cur)),
			))
			queue = append(queue, dep)
		}
	}
}

// outcome orders the surviving nodes with Kahn's algorithm, always taking the
// lexicographically smallest ready name next.
func (g *graph) outcome() Outcome {
	var out Outcome
	remaining := make([]int, len(g.nodes))
	ready := &nameHeap{g: g}
	rootKind := rejectPropagated + 1

	for i := range g.nodes {
		n := g.nodes[i]
		if n.rejected != nil {
			out.Rejected = append(out.Rejected, Rejection{Descriptor: n.desc, Err: n.rejected.err})
			if n.rejected.kind < rootKind {
				rootKind = n.rejected.kind
				out.root = n.rejected.err
			}
			continue
		}
		remaining[i] = len(n.deps)
		if remaining[i] == 0 {
			ready.items = append(ready.items, i)
		}
	}
	heap.Init(ready)

	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		n := g.nodes[i]
		out.Plan.Steps = append(out.Plan.Steps, Step{
			Name:        n.desc.Name(),
			Version:     n.version.String(),
			Fingerprint: n.desc.Fingerprint(),
			Descriptor:  n.desc,
		})
		ranges := make(map[string]string)
		for _, dep := range n.desc.Dependencies() {
			ranges[dep.Name] = dep.Range
		}
		for _, j := range n.deps {
			out.Plan.Edges = append(out.Plan.Edges, Edge{From: n.desc.Name(), To: g.name(j), Range: ranges[g.name(j)]})
		}
		out.Plan.Edges = append(out.Plan.Edges, g.external[i]...)
		for _, d := range n.dependents {
			if g.nodes[d].rejected != nil {
				continue
			}
			remaining[d]--
			if remaining[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}
	return out
}

type nameHeap struct {
	g     *graph
	items []int
}

func (h *nameHeap) Len() int           { return len(h.items) }
func (h *nameHeap) Less(i, j int) bool { return h.g.name(h.items[i]) < h.g.name(h.items[j]) }
func (h *nameHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *nameHeap) Push(x any)         { h.items = append(h.items, x.(int)) }
func (h *nameHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
