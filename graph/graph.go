// Package graph is the GLAF relationship overlay: typed, weighted, directed
// edges between entity ids, with lazy neighbor queries and bounded BFS traversal.
package graph

import (
	"iter"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/logger"
)

// EntityChecker reports whether an entity id currently exists
type EntityChecker interface {
	Exists(id string) bool
}

// EntityCheckerFunc adapts a function to EntityChecker
type EntityCheckerFunc func(id string) bool

func (f EntityCheckerFunc) Exists(id string) bool { return f(id) }

type edgeKey struct {
	src, dst string
	rel      RelationType
}

// Graph stores edges with per-node adjacency in both directions.
// Mutations are serialized; queries share the read lock and never see an edge
// whose endpoint has been cascaded away.
type Graph struct {
	mu    sync.RWMutex
	edges map[EdgeID]*Edge
	byKey map[edgeKey]EdgeID
	out   map[string]map[EdgeID]struct{}
	in    map[string]map[EdgeID]struct{}
	seq   uint64

	checker EntityChecker
	now     func() time.Time
	logger  *zap.SugaredLogger
}

// New creates an empty graph validating endpoints through checker
func New(checker EntityChecker) *Graph {
	return &Graph{
		edges:   make(map[EdgeID]*Edge),
		byKey:   make(map[edgeKey]EdgeID),
		out:     make(map[string]map[EdgeID]struct{}),
		in:      make(map[string]map[EdgeID]struct{}),
		checker: checker,
		now:     time.Now,
		logger:  logger.AddLinkSymbol(logger.ComponentLogger("graph")),
	}
}

// Link creates a directed edge src -> dst. A strength of 0 means DefaultStrength.
//
// Both endpoints must exist (ErrInvalidEndpoint otherwise). Linking the same
// (src, dst, type) again reinforces the existing edge: its strength grows by
// the new strength and its id is returned.
func (g *Graph) Link(src, dst string, rel RelationType, strength float64) (EdgeID, error) {
	if !rel.Valid() {
		return "", errors.NewInvalidRequestError("unknown relation type %q", rel)
	}
	strength, err := validateStrength(strength)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, endpoint := range []string{src, dst} {
		if !g.checker.Exists(endpoint) {
			return "", errors.Wrapf(errors.ErrInvalidEndpoint, "entity %s does not exist", endpoint)
		}
	}

	key := edgeKey{src: src, dst: dst, rel: rel}
	if id, ok := g.byKey[key]; ok {
		e := g.edges[id]
		sum := e.Strength + strength
		if math.IsInf(sum, 0) {
			err := errors.NewInvalidRequestError("reinforcing edge %s by %v overflows its strength %v", id, strength, e.Strength)
			return "", errors.WithHint(err, "the edge keeps its current strength")
		}
		e.Strength = sum
		g.logger.Debugw("Reinforced edge",
			logger.FieldEdgeID, id,
			logger.FieldRelation, rel,
			"strength", e.Strength)
		return id, nil
	}

	e := &Edge{
		ID:        EdgeID(uuid.NewString()),
		Source:    src,
		Target:    dst,
		Type:      rel,
		Strength:  strength,
		CreatedAt: g.now(),
	}
	g.insertLocked(e)

	g.logger.Debugw("Linked entities",
		logger.FieldEdgeID, e.ID,
		"source", src,
		"target", dst,
		logger.FieldRelation, rel)
	return e.ID, nil
}

// Restore inserts a previously persisted edge as-is. Endpoints are not checked;
// the caller restores entities first.
func (g *Graph) Restore(e Edge) error {
	if e.ID == "" || !e.Type.Valid() {
		return errors.NewInvalidRequestError("cannot restore edge %q of type %q", e.ID, e.Type)
	}
	if _, err := validateStrength(e.Strength); err != nil || e.Strength == 0 {
		return errors.NewInvalidRequestError("cannot restore edge %s with strength %v", e.ID, e.Strength)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.edges[e.ID]; exists {
		return errors.NewConflictError("edge %s already exists", e.ID)
	}
	if _, exists := g.byKey[edgeKey{src: e.Source, dst: e.Target, rel: e.Type}]; exists {
		return errors.NewConflictError("edge %s -> %s (%s) already exists", e.Source, e.Target, e.Type)
	}
	restored := e
	g.insertLocked(&restored)
	return nil
}

func (g *Graph) insertLocked(e *Edge) {
	g.seq++
	e.seq = g.seq
	g.edges[e.ID] = e
	g.byKey[edgeKey{src: e.Source, dst: e.Target, rel: e.Type}] = e.ID
	addAdj(g.out, e.Source, e.ID)
	addAdj(g.in, e.Target, e.ID)
}

func (g *Graph) removeLocked(e *Edge) {
	delete(g.edges, e.ID)
	delete(g.byKey, edgeKey{src: e.Source, dst: e.Target, rel: e.Type})
	dropAdj(g.out, e.Source, e.ID)
	dropAdj(g.in, e.Target, e.ID)
}

func addAdj(adj map[string]map[EdgeID]struct{}, node string, id EdgeID) {
	set, ok := adj[node]
	if !ok {
		set = make(map[EdgeID]struct{})
		adj[node] = set
	}
	set[id] = struct{}{}
}

func dropAdj(adj map[string]map[EdgeID]struct{}, node string, id EdgeID) {
	if set, ok := adj[node]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(adj, node)
		}
	}
}

// Unlink removes one edge
func (g *Graph) Unlink(id EdgeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.edges[id]
	if !ok {
		return errors.NewNotFoundError("edge %s", id)
	}
	g.removeLocked(e)
	return nil
}

// CascadeRemove deletes every edge where id is source or target and returns how many
func (g *Graph) CascadeRemove(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	var doomed []*Edge
	for eid := range g.out[id] {
		doomed = append(doomed, g.edges[eid])
	}
	for eid := range g.in[id] {
		e := g.edges[eid]
		if e.Source != id { // self-loops already collected
			doomed = append(doomed, e)
		}
	}
	for _, e := range doomed {
		g.removeLocked(e)
	}

	if len(doomed) > 0 {
		g.logger.Debugw("Cascaded edge removal",
			logger.FieldEntityID, id,
			logger.FieldCount, len(doomed))
	}
	return len(doomed)
}

// Edge returns a copy of one edge
func (g *Graph) Edge(id EdgeID) (Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[id]
	if !ok {
		return Edge{}, errors.NewNotFoundError("edge %s", id)
	}
	return *e, nil
}

// Edges returns copies of the edges touching id in the given direction, oldest first
func (g *Graph) Edges(id string, f Filter) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edgesLocked(id, f)
}

func (g *Graph) edgesLocked(id string, f Filter) []Edge {
	var out []Edge
	collect := func(set map[EdgeID]struct{}) {
		for eid := range set {
			e := g.edges[eid]
			if f.matches(e) {
				out = append(out, *e)
			}
		}
	}
	if f.Direction == Out || f.Direction == Both {
		collect(g.out[id])
	}
	if f.Direction == In || f.Direction == Both {
		collect(g.in[id])
	}
	slices.SortFunc(out, func(a, b Edge) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

// neighborsLocked returns distinct neighbor ids of id in edge creation order
func (g *Graph) neighborsLocked(id string, f Filter) []string {
	edges := g.edgesLocked(id, f)
	seen := make(map[string]struct{}, len(edges))
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		other := e.Target
		if e.Target == id && (f.Direction == In || (f.Direction == Both && e.Source != id)) {
			other = e.Source
		}
		if _, dup := seen[other]; dup {
			continue
		}
		seen[other] = struct{}{}
		out = append(out, other)
	}
	return out
}

// Neighbors yields the distinct ids adjacent to id. The sequence is lazy and
// restartable: each range over it reads the node's current adjacency.
func (g *Graph) Neighbors(id string, f Filter) iter.Seq[string] {
	return func(yield func(string) bool) {
		g.mu.RLock()
		ids := g.neighborsLocked(id, f)
		g.mu.RUnlock()

		for _, n := range ids {
			if !yield(n) {
				return
			}
		}
	}
}

// Visit is one step of a traversal
type Visit struct {
	ID    string
	Depth int
	Path  []string // start ... ID
}

// Traverse walks breadth-first from start, yielding start at depth 0 and every
// reachable node up to maxDepth exactly once. Cycles terminate because each id
// is visited at most once per traversal.
func (g *Graph) Traverse(start string, maxDepth int, f Filter) iter.Seq[Visit] {
	return func(yield func(Visit) bool) {
		if maxDepth < 0 {
			return
		}
		visited := map[string]struct{}{start: {}}
		frontier := []Visit{{ID: start, Depth: 0, Path: []string{start}}}

		for len(frontier) > 0 {
			var next []Visit
			for _, v := range frontier {
				if !yield(v) {
					return
				}
				if v.Depth == maxDepth {
					continue
				}

				g.mu.RLock()
				ids := g.neighborsLocked(v.ID, f)
				g.mu.RUnlock()

				for _, n := range ids {
					if _, seen := visited[n]; seen {
						continue
					}
					visited[n] = struct{}{}
					path := append(slices.Clone(v.Path), n)
					next = append(next, Visit{ID: n, Depth: v.Depth + 1, Path: path})
				}
			}
			frontier = next
		}
	}
}

// Len returns the number of edges
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// All returns copies of every edge, oldest first
func (g *Graph) All() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Edge) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}
