package resolver

import (
	"sort"

	"Forged-Core/pkg/descriptor"
)

type rejectKind int

const (
	rejectMalformed rejectKind = iota
	rejectUnsatisfied
	rejectCycle
	rejectPropagated
)

type rejection struct {
	kind rejectKind
	err  error
}

// node is one arena slot. Edges are arena indices; deps point at the nodes
// this node requires, dependents at the nodes requiring it.
type node struct {
	desc       *descriptor.Descriptor
	version    descriptor.Version
	deps       []int
	dependents []int
	rejected   *rejection
}

type graph struct {
	nodes     []node
	index     map[string]int
	installed map[string]*descriptor.Descriptor
	external  [][]Edge
}

// newGraph lays the descriptors out in name order so every later pass is
// independent of the input order.
func newGraph(ds []*descriptor.Descriptor, installed []*descriptor.Descriptor) *graph {
	sorted := make([]*descriptor.Descriptor, 0, len(ds))
	for _, d := range ds {
		if d != nil {
			sorted = append(sorted, d)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Name() != sorted[j].Name() {
			return sorted[i].Name() < sorted[j].Name()
		}
		return sorted[i].Fingerprint() < sorted[j].Fingerprint()
	})

	g := &graph{
		nodes:     make([]node, len(sorted)),
		index:     make(map[string]int, len(sorted)),
		installed: make(map[string]*descriptor.Descriptor, len(installed)),
		external:  make([][]Edge, len(sorted)),
	}
	for _, d := range installed {
		if d != nil {
			g.installed[d.Name()] = d
		}
	}
	for i, d := range sorted {
		g.nodes[i].desc = d
	}
	return g
}

func (g *graph) reject(i int, kind rejectKind, err error) {
	if g.nodes[i].rejected != nil {
		return
	}
	g.nodes[i].rejected = &rejection{kind: kind, err: err}
}

func (g *graph) addEdge(from, to int) {
	g.nodes[from].deps = append(g.nodes[from].deps, to)
	g.nodes[to].dependents = append(g.nodes[to].dependents, from)
}

func (g *graph) name(i int) string {
	return g.nodes[i].desc.Name()
}
