// Package graph implements the dependency graph from §4.6: mirrored
// forward/reverse adjacency, BFS traversal helpers, iterative cycle
// detection, and Kahn's-algorithm build ordering.
package graph

import (
	"fmt"
	"sort"

	protoerrors "github.com/stacklok/protoreg/pkg/errors"
	"github.com/stacklok/protoreg/pkg/manifest"
)

// Node is one registered vertex. Kind mirrors manifest.Type, but a
// placeholder node inserted for a missing edge target defaults to "api"
// per §4.6.
type Node struct {
	URN  string
	Kind manifest.Type
}

// Edge is a directed dependency: From depends on To.
type Edge struct {
	From string
	To   string
}

// Graph holds mirrored dependencies (out-edges) and dependents (in-edges)
// maps, each urn → ordered sequence of urns.
type Graph struct {
	nodes        map[string]Node
	dependencies map[string][]string
	dependents   map[string][]string

	// MissingEdgeBehavior controls how applyBatch handles an edge whose
	// target node was not part of the batch and is not already known:
	// insertPlaceholder (default) or skipEdge.
	MissingEdgeBehavior MissingEdgeBehavior
}

// MissingEdgeBehavior enumerates applyBatch's configurable handling of an
// edge target absent from both the batch and the graph (§4.6).
type MissingEdgeBehavior int

const (
	// InsertPlaceholder adds a default-kind "api" node for the missing
	// target. This is the spec's default.
	InsertPlaceholder MissingEdgeBehavior = iota
	// SkipEdge silently drops the edge instead of creating a placeholder.
	SkipEdge
)

// New returns an empty Graph with the default (insert-placeholder) missing
// edge behavior.
func New() *Graph {
	return &Graph{
		nodes:        make(map[string]Node),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}
}

// Batch is the unit applied atomically by ApplyBatch: a set of nodes
// followed by a set of edges, in that order (§4.6).
type Batch struct {
	Nodes []Node
	Edges []Edge
}

// BatchResult reports what ApplyBatch did, including per-edge errors that
// do not abort the rest of the batch (§4.7 phase 4).
type BatchResult struct {
	NodesAdded        int
	EdgesAdded        int
	PlaceholdersAdded int
	EdgesSkipped      int
	Errors            []error
}

// ApplyBatch adds every node, then every edge, mirroring each edge on both
// adjacency maps. A missing edge target is handled per g.MissingEdgeBehavior.
// Errors on individual edges are collected, not fatal to the batch.
func (g *Graph) ApplyBatch(batch Batch) BatchResult {
	var result BatchResult

	for _, n := range batch.Nodes {
		if _, exists := g.nodes[n.URN]; !exists {
			result.NodesAdded++
		}
		g.nodes[n.URN] = n
		if _, ok := g.dependencies[n.URN]; !ok {
			g.dependencies[n.URN] = nil
		}
		if _, ok := g.dependents[n.URN]; !ok {
			g.dependents[n.URN] = nil
		}
	}

	for _, e := range batch.Edges {
		if _, exists := g.nodes[e.From]; !exists {
			result.Errors = append(result.Errors, fmt.Errorf("edge source %q has no node entry", e.From))
			continue
		}
		if _, exists := g.nodes[e.To]; !exists {
			switch g.MissingEdgeBehavior {
			case SkipEdge:
				result.EdgesSkipped++
				continue
			default:
				g.nodes[e.To] = Node{URN: e.To, Kind: manifest.TypeAPI}
				g.dependencies[e.To] = nil
				g.dependents[e.To] = nil
				result.PlaceholdersAdded++
			}
		}
		if g.addEdge(e.From, e.To) {
			result.EdgesAdded++
		}
	}

	return result
}

// addEdge records from->to on both adjacency maps, deduplicating: a repeat
// of the same (from, to) pair (e.g. a re-applied batch on an idempotent
// re-registration) is a no-op rather than a second parallel edge (§3).
func (g *Graph) addEdge(from, to string) bool {
	if containsString(g.dependencies[from], to) {
		return false
	}
	g.dependencies[from] = append(g.dependencies[from], to)
	g.dependents[to] = append(g.dependents[to], from)
	return true
}

// HasNode reports whether urn has a node entry.
func (g *Graph) HasNode(urn string) bool {
	_, ok := g.nodes[urn]
	return ok
}

// NodeCount returns the number of registered nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// RemoveNode drops urn's node entry along with every edge touching it in
// either direction, so unregistering a manifest never leaves a dangling
// edge whose source still exists (§3, §4.7). Reports whether urn was
// present.
func (g *Graph) RemoveNode(urn string) bool {
	if _, ok := g.nodes[urn]; !ok {
		return false
	}

	for _, to := range g.dependencies[urn] {
		g.dependents[to] = removeString(g.dependents[to], urn)
	}
	for _, from := range g.dependents[urn] {
		g.dependencies[from] = removeString(g.dependencies[from], urn)
	}

	delete(g.dependencies, urn)
	delete(g.dependents, urn)
	delete(g.nodes, urn)
	return true
}

func removeString(haystack []string, needle string) []string {
	out := haystack[:0]
	for _, v := range haystack {
		if v != needle {
			out = append(out, v)
		}
	}
	return out
}

// GetDependencyTree returns the set of all URNs transitively reachable
// from urn over dependencies (out-edges), excluding urn itself (§4.6).
func (g *Graph) GetDependencyTree(urn string) []string {
	visited := map[string]struct{}{urn: {}}
	queue := append([]string(nil), g.dependencies[urn]...)
	var reachable []string

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, seen := visited[next]; seen {
			continue
		}
		visited[next] = struct{}{}
		reachable = append(reachable, next)
		queue = append(queue, g.dependencies[next]...)
	}

	sort.Strings(reachable)
	return reachable
}

// FindConsumers returns the one-hop set of URNs that directly depend on
// urn (its dependents).
func (g *Graph) FindConsumers(urn string) []string {
	consumers := append([]string(nil), g.dependents[urn]...)
	sort.Strings(consumers)
	return consumers
}

// FindPath runs a BFS from "from" to "to" over dependencies and returns the
// path (inclusive of both endpoints), or nil if no path exists.
func (g *Graph) FindPath(from, to string) []string {
	if from == to {
		return []string{from}
	}

	type queued struct {
		urn  string
		path []string
	}

	visited := map[string]struct{}{from: {}}
	queue := []queued{{urn: from, path: []string{from}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, next := range g.dependencies[cur.urn] {
			if next == to {
				return append(append([]string(nil), cur.path...), next)
			}
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			newPath := append(append([]string(nil), cur.path...), next)
			queue = append(queue, queued{urn: next, path: newPath})
		}
	}
	return nil
}

type color int

const (
	white color = iota
	gray
	black
)

// CycleReport carries the first cycle found (as an ordered list of URNs,
// closing back on its own start) and the number of back edges met during
// the scan; each back edge closes a cycle, but cycles that share a back
// edge are counted once.
type CycleReport struct {
	FirstCycle []string
	Count      int
}

// DetectCycles runs an iterative three-color DFS over the whole graph, in
// O(V+E), reporting the first cycle found and a count of cycles
// encountered during the scan (§4.6).
func (g *Graph) DetectCycles() CycleReport {
	colors := make(map[string]color, len(g.nodes))
	for urn := range g.nodes {
		colors[urn] = white
	}

	var report CycleReport
	urns := sortedKeys(g.nodes)

	for _, start := range urns {
		if colors[start] != white {
			continue
		}
		report.Count += dfsIterative(start, g.dependencies, colors, &report.FirstCycle)
	}
	return report
}

// dfsIterative walks one DFS tree rooted at start using an explicit stack,
// coloring nodes gray on entry and black on exit, and counts back-edges
// (gray→gray) as cycles. firstCycle is populated only once, on the first
// cycle found across the whole scan.
func dfsIterative(start string, adjacency map[string][]string, colors map[string]color, firstCycle *[]string) int {
	type frame struct {
		urn      string
		children []string
		idx      int
	}

	cycles := 0
	stack := []frame{{urn: start, children: adjacency[start]}}
	colors[start] = gray
	path := []string{start}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.idx >= len(top.children) {
			colors[top.urn] = black
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			continue
		}

		child := top.children[top.idx]
		top.idx++

		switch colors[child] {
		case white:
			colors[child] = gray
			path = append(path, child)
			stack = append(stack, frame{urn: child, children: adjacency[child]})
		case gray:
			cycles++
			if len(*firstCycle) == 0 {
				cycleStart := indexOf(path, child)
				cycle := append(append([]string(nil), path[cycleStart:]...), child)
				*firstCycle = cycle
			}
		case black:
			// already fully explored, not part of a cycle through here
		}
	}
	return cycles
}

func indexOf(haystack []string, needle string) int {
	for i, v := range haystack {
		if v == needle {
			return i
		}
	}
	return 0
}

func sortedKeys(m map[string]Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetBuildOrder runs Kahn's algorithm over dependencies, returning URNs in
// an order where every dependency precedes its dependents. If a cycle
// exists, it fails with a cycle_detected error carrying the cycle witness.
func (g *Graph) GetBuildOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for urn := range g.nodes {
		inDegree[urn] = len(g.dependencies[urn])
	}

	var queue []string
	for _, urn := range sortedKeys(g.nodes) {
		if inDegree[urn] == 0 {
			queue = append(queue, urn)
		}
	}

	var order []string
	for len(queue) > 0 {
		sort.Strings(queue)
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)

		for _, dependent := range g.dependents[cur] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(g.nodes) {
		report := g.DetectCycles()
		return nil, protoerrors.New(protoerrors.KindCycleDetected, "cannot compute build order: graph has a cycle", nil,
			map[string]any{"cycle": report.FirstCycle})
	}
	return order, nil
}

// ValidateInvariants asserts the invariants §4.6 requires hold after a
// batch: every edge's endpoints have node entries, dependencies/dependents
// mirror each other exactly, and (if allowCycles is false) the graph is
// acyclic.
func (g *Graph) ValidateInvariants(allowCycles bool) error {
	for from, targets := range g.dependencies {
		if _, ok := g.nodes[from]; !ok {
			return protoerrors.NewValidationError(fmt.Sprintf("dependency source %q has no node entry", from), nil)
		}
		for _, to := range targets {
			if _, ok := g.nodes[to]; !ok {
				return protoerrors.NewValidationError(fmt.Sprintf("dependency target %q has no node entry", to), nil)
			}
			if !containsString(g.dependents[to], from) {
				return protoerrors.NewValidationError(
					fmt.Sprintf("mirror broken: %q -> %q missing from dependents", from, to), nil)
			}
		}
	}
	for to, sources := range g.dependents {
		for _, from := range sources {
			if !containsString(g.dependencies[from], to) {
				return protoerrors.NewValidationError(
					fmt.Sprintf("mirror broken: %q -> %q missing from dependencies", from, to), nil)
			}
		}
	}

	if !allowCycles {
		if report := g.DetectCycles(); report.Count > 0 {
			return protoerrors.New(protoerrors.KindCycleDetected, "graph contains a cycle", nil,
				map[string]any{"cycle": report.FirstCycle})
		}
	}
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
