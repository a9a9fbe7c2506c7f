package plugin

import (
	"sort"
	"sync"
)

// Graph is the directed dependency structure between registered plugins.
// Edges point from dependent to dependency and the graph is kept acyclic.
type Graph struct {
	mu    sync.RWMutex
	edges map[string][]string
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[string][]string)}
}

// AddNode ensures id exists in the graph, with no edges.
func (g *Graph) AddNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[id]; !ok {
		g.edges[id] = nil
	}
}

// AddEdges records that id depends on each of deps. The call is
// all-or-nothing: if any edge would close a cycle, a CyclicDependencyError
// naming the full cycle is returned and none of the call's edges are kept.
func (g *Graph) AddEdges(id string, deps ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges[id]; !ok {
		g.edges[id] = nil
	}
	before := g.edges[id]

	for _, dep := range deps {
		g.edges[id] = append(g.edges[id], dep)
	}

	if cycle := g.findCycleLocked(id); cycle != nil {
		g.edges[id] = before
		return &CyclicDependencyError{Cycle: cycle}
	}
	return nil
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.edges[id]))
	copy(out, g.edges[id])
	return out
}

// DependentsOf returns every plugin that directly depends on id, sorted.
func (g *Graph) DependentsOf(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for node, deps := range g.edges {
		for _, dep := range deps {
			if dep == id {
				out = append(out, node)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// CheckRemovable refuses removal of id when a dependent matches the filter.
// The returned error names the first blocking dependent. op labels the
// refused operation for the error message.
func (g *Graph) CheckRemovable(id, op string, matches func(dependent string) bool) error {
	for _, dependent := range g.DependentsOf(id) {
		if matches(dependent) {
			return &DependentBlockError{Op: op, ID: id, Dependent: dependent}
		}
	}
	return nil
}

// Remove drops id and every edge pointing at it.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.edges, id)
	for node, deps := range g.edges {
		kept := deps[:0]
		for _, dep := range deps {
			if dep != id {
				kept = append(kept, dep)
			}
		}
		g.edges[node] = kept
	}
}

// LoadOrder returns all nodes in dependency order: every dependency appears
// before its dependents. Root visit order is lexicographic, making the
// result deterministic.
func (g *Graph) LoadOrder() []string {
	return g.LoadOrderBy(nil)
}

// LoadOrderBy is LoadOrder with a custom root ordering. Nodes that no
// dependency relation constrains come out in the order less defines; a nil
// less falls back to lexicographic order.
func (g *Graph) LoadOrderBy(less func(a, b string) bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	roots := make([]string, 0, len(g.edges))
	for node := range g.edges {
		roots = append(roots, node)
	}
	if less == nil {
		sort.Strings(roots)
	} else {
		sort.SliceStable(roots, func(i, j int) bool { return less(roots[i], roots[j]) })
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(g.edges))
	order := make([]string, 0, len(g.edges))

	// Iterative post-order DFS. A frame is revisited once its
	// dependencies have been pushed; the second visit emits the node.
	type frame struct {
		node     string
		expanded bool
	}

	for _, root := range roots {
		if state[root] != unvisited {
			continue
		}
		stack := []frame{{node: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.expanded {
				stack = stack[:len(stack)-1]
				if state[top.node] != visited {
					state[top.node] = visited
					order = append(order, top.node)
				}
				continue
			}
			top.expanded = true
			state[top.node] = visiting
			for i := len(g.edges[top.node]) - 1; i >= 0; i-- {
				dep := g.edges[top.node][i]
				if state[dep] == unvisited {
					stack = append(stack, frame{node: dep})
				}
			}
		}
	}
	return order
}

// findCycleLocked runs an iterative DFS from start carrying an explicit path
// stack and returns the full cycle path when one is reachable, nil otherwise.
// Callers must hold g.mu.
func (g *Graph) findCycleLocked(start string) []string {
	type frame struct {
		node string
		next int
	}

	onPath := map[string]bool{start: true}
	done := make(map[string]bool)
	stack := []frame{{node: start}}
	path := []string{start}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		deps := g.edges[top.node]

		if top.next >= len(deps) {
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			delete(onPath, top.node)
			done[top.node] = true
			continue
		}

		dep := deps[top.next]
		top.next++

		if done[dep] {
			continue
		}
		if onPath[dep] {
			// Close the cycle at the first occurrence of dep.
			for i, node := range path {
				if node == dep {
					cycle := make([]string, 0, len(path)-i+1)
					cycle = append(cycle, path[i:]...)
					cycle = append(cycle, dep)
					return cycle
				}
			}
		}

		onPath[dep] = true
		stack = append(stack, frame{node: dep})
		path = append(path, dep)
	}
	return nil
}
