// Package entity defines the canonical node interview record and the table that owns it.
package entity

import (
	"maps"
	"time"

	"github.com/teranos/nodereg/addr"
)

// Payload is the descriptive body of a node interview: seven free-text
// sections plus a category-specific extension map.
type Payload struct {
	Identity               string            `json:"identity"`
	Capabilities           string            `json:"capabilities"`
	Limitations            string            `json:"limitations"`
	TacticalProfile        string            `json:"tactical_profile"`
	Intelligence           string            `json:"intelligence"`
	Relationships          string            `json:"relationships"`
	OperationalIntegration string            `json:"operational_integration"`
	Extensions             map[string]string `json:"extensions,omitempty"`
}

// Clone returns a deep copy
func (p Payload) Clone() Payload {
	c := p
	c.Extensions = maps.Clone(p.Extensions)
	return c
}

// sections returns the free-text sections in canonical order, paired with their names
func (p Payload) sections() [][2]string {
	return [][2]string{
		{"identity", p.Identity},
		{"capabilities", p.Capabilities},
		{"limitations", p.Limitations},
		{"tactical_profile", p.TacticalProfile},
		{"intelligence", p.Intelligence},
		{"relationships", p.Relationships},
		{"operational_integration", p.OperationalIntegration},
	}
}

// Delta is a partial payload update. Nil section pointers leave the section
// unchanged. An extension mapped to nil is deleted.
type Delta struct {
	Identity               *string
	Capabilities           *string
	Limitations            *string
	TacticalProfile        *string
	Intelligence           *string
	Relationships          *string
	OperationalIntegration *string
	Extensions             map[string]*string
}

// IsEmpty reports whether applying d would change nothing structurally
func (d Delta) IsEmpty() bool {
	return d.Identity == nil && d.Capabilities == nil && d.Limitations == nil &&
		d.TacticalProfile == nil && d.Intelligence == nil && d.Relationships == nil &&
		d.OperationalIntegration == nil && len(d.Extensions) == 0
}

// Apply returns a new payload with d merged over p. p is not modified.
func (p Payload) Apply(d Delta) Payload {
	out := p.Clone()
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&out.Identity, d.Identity)
	set(&out.Capabilities, d.Capabilities)
	set(&out.Limitations, d.Limitations)
	set(&out.TacticalProfile, d.TacticalProfile)
	set(&out.Intelligence, d.Intelligence)
	set(&out.Relationships, d.Relationships)
	set(&out.OperationalIntegration, d.OperationalIntegration)

	for k, v := range d.Extensions {
		if v == nil {
			delete(out.Extensions, k)
			continue
		}
		if out.Extensions == nil {
			out.Extensions = make(map[string]string)
		}
		out.Extensions[k] = *v
	}
	return out
}

// Entity is the canonical record for a node interview.
// Values handed out by the Table are copies; mutating them has no effect on the registry.
type Entity struct {
	ID           string        `json:"id"`
	Category     addr.Category `json:"category"`
	Address      *addr.Address `json:"address,omitempty"`
	ContentHash  string        `json:"content_hash"`
	SemanticHash string        `json:"semantic_hash"`
	Payload      Payload       `json:"payload"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Clone returns a deep copy
func (e Entity) Clone() Entity {
	c := e
	c.Payload = e.Payload.Clone()
	if e.Address != nil {
		a := *e.Address
		c.Address = &a
	}
	return c
}

// HasAddress reports whether a symbolic address has been assigned
func (e Entity) HasAddress() bool {
	return e.Address != nil
}

// SlotKey is the cache key for e: "@" plus the address once assigned, "#" plus the id before that
func (e Entity) SlotKey() string {
	if e.Address != nil {
		return AddressKey(*e.Address)
	}
	return IDKey(e.ID)
}

// AddressKey is the slot key for an assigned address
func AddressKey(a addr.Address) string {
	return "@" + a.String()
}

// IDKey is the slot key for an entity without an address
func IDKey(id string) string {
	return "#" + id
}

// Rehash recomputes both hashes from the current payload
func (e *Entity) Rehash() {
	e.ContentHash = ContentHash(e.Category, e.Payload)
	e.SemanticHash = SemanticHash(e.Payload)
}
