package graph

import (
	"math"
	"strings"
	"time"

	"github.com/teranos/nodereg/errors"
)

// RelationType is the kind of a directed edge
type RelationType string

const (
	DependsOn       RelationType = "depends_on"
	ProvidesTo      RelationType = "provides_to"
	CoordinatesWith RelationType = "coordinates_with"
	EscalatesTo     RelationType = "escalates_to"
	Implements      RelationType = "implements"
	Extends         RelationType = "extends"
	Uses            RelationType = "uses"
	Monitors        RelationType = "monitors"
	Configures      RelationType = "configures"
)

// relationLabels holds display labels, in declaration order
var relationLabels = []struct {
	rel   RelationType
	label string
}{
	{DependsOn, "Depends On"},
	{ProvidesTo, "Provides To"},
	{CoordinatesWith, "Coordinates With"},
	{EscalatesTo, "Escalates To"},
	{Implements, "Implements"},
	{Extends, "Extends"},
	{Uses, "Uses"},
	{Monitors, "Monitors"},
	{Configures, "Configures"},
}

// RelationTypes lists every relation type
func RelationTypes() []RelationType {
	out := make([]RelationType, len(relationLabels))
	for i, r := range relationLabels {
		out[i] = r.rel
	}
	return out
}

// Valid reports whether r is a known relation type
func (r RelationType) Valid() bool {
	return r.Label() != ""
}

// Label returns the display label, or "" for unknown types
func (r RelationType) Label() string {
	for _, l := range relationLabels {
		if l.rel == r {
			return l.label
		}
	}
	return ""
}

// ParseRelation converts user input such as "depends-on" or "DEPENDS_ON"
func ParseRelation(s string) (RelationType, error) {
	r := RelationType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !r.Valid() {
		return "", errors.NewInvalidRequestError("unknown relation type %q", s)
	}
	return r, nil
}

// DefaultStrength is the strength of a link created without one
const DefaultStrength = 1.0

// EdgeID identifies an edge
type EdgeID string

// Edge is a directed, typed, weighted relationship between two entities.
// Strength is a ranking weight in (0, +Inf), not a probability.
type Edge struct {
	ID        EdgeID       `json:"id"`
	Source    string       `json:"source"`
	Target    string       `json:"target"`
	Type      RelationType `json:"type"`
	Strength  float64      `json:"strength"`
	CreatedAt time.Time    `json:"created_at"`

	seq uint64
}

func validateStrength(s float64) (float64, error) {
	if s == 0 {
		return DefaultStrength, nil
	}
	if s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return 0, errors.NewInvalidRequestError("strength must be a positive finite number, got %v", s)
	}
	return s, nil
}

// Direction selects which edges of a node a query follows
type Direction int

const (
	Out Direction = iota
	In
	Both
)

func (d Direction) String() string {
	switch d {
	case Out:
		return "out"
	case In:
		return "in"
	case Both:
		return "both"
	}
	return "unknown"
}

// ParseDirection accepts "out", "in" or "both"
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "out":
		return Out, nil
	case "in":
		return In, nil
	case "both":
		return Both, nil
	}
	return Out, errors.NewInvalidRequestError("unknown direction %q", s)
}

// Filter narrows neighbor and traversal queries. The zero value follows
// outgoing edges of every type.
type Filter struct {
	Relation  RelationType // empty matches every type
	Direction Direction
}

func (f Filter) matches(e *Edge) bool {
	return f.Relation == "" || e.Type == f.Relation
}
