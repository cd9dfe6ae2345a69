package graph

import (
	"cmp"
	"slices"
	"time"
)

// UntypedNode is the type given to nodes the describe callback does not know
const UntypedNode = "untyped"

// categoryColors are the visual defaults for entity categories
var categoryColors = map[string]string{
	"component":  "#3498db",
	"tool":       "#2ecc71",
	"escalation": "#e74c3c",
	"eei":        "#9b59b6",
	UntypedNode:  "#95a5a6",
}

// Describer returns the view node for an entity id, or false when it has none
type Describer func(id string) (Node, bool)

// Export renders the graph for visualization. Every edge endpoint becomes a
// node; describe fills in type, label and address. Type counts are sorted by
// count, most frequent first.
func (g *Graph) Export(describe Describer) *View {
	edges := g.All()

	view := &View{
		Nodes: []Node{},
		Links: make([]Link, 0, len(edges)),
	}

	seen := make(map[string]struct{})
	nodeCounts := make(map[string]int)
	addNode := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}

		n := Node{ID: id, Type: UntypedNode, Label: id}
		if describe != nil {
			if d, ok := describe(id); ok {
				n = d
				n.ID = id
				if n.Type == "" {
					n.Type = UntypedNode
				}
				if n.Label == "" {
					n.Label = id
				}
			}
		}
		n.Visible = true
		view.Nodes = append(view.Nodes, n)
		nodeCounts[n.Type]++
	}

	relCounts := make(map[RelationType]int)
	for _, e := range edges {
		addNode(e.Source)
		addNode(e.Target)
		view.Links = append(view.Links, Link{
			ID:     string(e.ID),
			Source: e.Source,
			Target: e.Target,
			Type:   string(e.Type),
			Weight: e.Strength,
			Label:  e.Type.Label(),
		})
		relCounts[e.Type]++
	}

	for t, count := range nodeCounts {
		view.Meta.NodeTypes = append(view.Meta.NodeTypes, NodeTypeInfo{
			Type:  t,
			Label: t,
			Color: categoryColors[t],
			Count: count,
		})
	}
	slices.SortFunc(view.Meta.NodeTypes, func(a, b NodeTypeInfo) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Type, b.Type)
	})

	for rel, count := range relCounts {
		view.Meta.RelationshipTypes = append(view.Meta.RelationshipTypes, RelationshipTypeInfo{
			Type:  string(rel),
			Label: rel.Label(),
			Count: count,
		})
	}
	slices.SortFunc(view.Meta.RelationshipTypes, func(a, b RelationshipTypeInfo) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Type, b.Type)
	})

	view.Meta.GeneratedAt = time.Now()
	view.Meta.Stats = Stats{TotalNodes: len(view.Nodes), TotalEdges: len(view.Links)}
	return view
}
