package graph

import (
	"time"
)

// View is the relationship graph shaped for visualization clients
type View struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
	Meta  Meta   `json:"meta"`
}

// Node represents an entity in the view
type Node struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`            // Entity category, or "untyped" when unknown
	Label    string                 `json:"label"`           // Display label
	Address  string                 `json:"address,omitempty"`
	Visible  bool                   `json:"visible"`         // Backend controls visibility
	Group    int                    `json:"group,omitempty"` // For coloring/clustering
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Link represents one edge in the view
type Link struct {
	ID     string  `json:"id"`
	Source string  `json:"source"` // Node ID
	Target string  `json:"target"` // Node ID
	Type   string  `json:"type"`   // Relation type
	Weight float64 `json:"value"`  // Edge strength (D3 uses "value")
	Label  string  `json:"label,omitempty"`
}

// Meta contains metadata about the view
type Meta struct {
	GeneratedAt       time.Time              `json:"generated_at"`
	Stats             Stats                  `json:"stats"`
	NodeTypes         []NodeTypeInfo         `json:"node_types"`
	RelationshipTypes []RelationshipTypeInfo `json:"relationship_types"`
}

// NodeTypeInfo describes a node type and its visual configuration
type NodeTypeInfo struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
	Count int    `json:"count,omitempty"`
}

// RelationshipTypeInfo describes a relationship type and how many links carry it
type RelationshipTypeInfo struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	Count int    `json:"count,omitempty"`
}

// Stats provides graph statistics
type Stats struct {
	TotalNodes int `json:"total_nodes,omitempty"`
	TotalEdges int `json:"total_edges,omitempty"`
}
