// Package graph provides the subtask dependency graph. Subtasks are nodes
// referenced by stable id; an edge runs from the subtask that publishes an
// output name to every subtask that declares it as a dependency.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/quorum/pkg/models"
)

var (
	// ErrCycleDetected indicates a circular dependency was found.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrUnresolved indicates a dependency names an output nobody produces.
	ErrUnresolved = errors.New("unresolved dependency")
	// ErrDuplicate indicates a repeated subtask id or output name.
	ErrDuplicate = errors.New("duplicate definition")
)

// CycleError carries the cycle path, first node repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// DependencyGraph is an immutable-after-Build DAG of subtasks.
type DependencyGraph struct {
	mu sync.RWMutex
	// order keeps nodes in insertion order for deterministic traversal.
	order []string
	index map[string]int
	nodes map[string]*models.SubTask
	// producers maps output name to producing subtask id.
	producers map[string]string
	// edges maps subtask id to the ids it depends on.
	edges map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		index:     make(map[string]int),
		nodes:     make(map[string]*models.SubTask),
		producers: make(map[string]string),
		edges:     make(map[string][]string),
		debugLog:  func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph. It rejects duplicate ids and outputs, self
// dependencies, unresolved names and cycles; on error the graph is left empty.
func (g *DependencyGraph) Build(subtasks []*models.SubTask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.buildLocked(subtasks); err != nil {
		g.resetLocked()
		return err
	}
	return nil
}

func (g *DependencyGraph) buildLocked(subtasks []*models.SubTask) error {
	g.resetLocked()
	g.debugLog("[graph.Build] building graph from %d subtasks", len(subtasks))

	for _, st := range subtasks {
		if st.ID == "" {
			return fmt.Errorf("%w: subtask with empty id", ErrDuplicate)
		}
		if _, exists := g.nodes[st.ID]; exists {
			return fmt.Errorf("%w: subtask id %q", ErrDuplicate, st.ID)
		}
		g.index[st.ID] = len(g.order)
		g.order = append(g.order, st.ID)
		g.nodes[st.ID] = st
		for _, out := range st.Outputs {
			if owner, exists := g.producers[out]; exists {
				return fmt.Errorf("%w: output %q produced by both %s and %s", ErrDuplicate, out, owner, st.ID)
			}
			g.producers[out] = st.ID
		}
	}

	for _, st := range subtasks {
		seen := make(map[string]bool)
		for _, name := range st.Dependencies {
			producer, ok := g.producers[name]
			if !ok {
				return fmt.Errorf("%w: subtask %s depends on %q which no subtask produces", ErrUnresolved, st.ID, name)
			}
			if producer == st.ID {
				return &CycleError{Path: []string{st.ID, st.ID}}
			}
			if !seen[producer] {
				seen[producer] = true
				g.edges[st.ID] = append(g.edges[st.ID], producer)
			}
		}
	}
	g.debugLog("[graph.Build] edges: %v", g.edges)

	if path := g.findCycleLocked(); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

func (g *DependencyGraph) resetLocked() {
	g.order = nil
	g.index = make(map[string]int)
	g.nodes = make(map[string]*models.SubTask)
	g.producers = make(map[string]string)
	g.edges = make(map[string][]string)
}

// findCycleLocked runs a colored DFS and returns the first cycle path found.
func (g *DependencyGraph) findCycleLocked() []string {
	// 0 = unvisited, 1 = on stack, 2 = done.
	colors := make(map[string]int, len(g.order))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case 1:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), dep)
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			// edges point at dependencies; report in execution direction
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return cycle
		}
	}
	return nil
}

// TopologicalSort returns ids so that every subtask follows the producers it
// depends on. Among subtasks that become available together, insertion order
// is kept.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.order))
	dependents := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.edges[id])
		for _, dep := range g.edges[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		// pick the earliest inserted node among those available
		best := 0
		for i := range queue {
			if g.index[queue[i]] < g.index[queue[best]] {
				best = i
			}
		}
		id := queue[best]
		queue = append(queue[:best], queue[best+1:]...)
		result = append(result, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(result) != len(g.order) {
		return nil, ErrCycleDetected
	}
	return result, nil
}

// Get returns the subtask for an id, or nil.
func (g *DependencyGraph) Get(id string) *models.SubTask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Size returns the number of subtasks.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Producer returns the id of the subtask that publishes an output name.
func (g *DependencyGraph) Producer(name string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.producers[name]
	return id, ok
}

// Dependencies returns the ids of subtasks the given subtask depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns ids of subtasks that depend directly on the given one.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for _, other := range g.order {
		for _, dep := range g.edges[other] {
			if dep == id {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// TransitiveDependents returns every subtask reachable downstream of id.
func (g *DependencyGraph) TransitiveDependents(id string) []string {
	seen := map[string]bool{id: true}
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.Dependents(cur) {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
				queue = append(queue, d)
			}
		}
	}
	return out
}
