// Package addr allocates stable symbolic addresses from a partitioned code point range.
//
// Each entity category owns one disjoint partition. Allocation always hands out
// the lowest available code point of the partition, so allocation order is
// deterministic. An allocated address is bound to exactly one holder.
package addr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/teranos/nodereg/errors"
)

// Category selects the partition an entity draws its address from
type Category string

const (
	Component  Category = "component"
	Tool       Category = "tool"
	Escalation Category = "escalation"
	EEI        Category = "eei"
)

// Categories lists every category in partition order
func Categories() []Category {
	return []Category{Component, Tool, Escalation, EEI}
}

// Valid reports whether c names a known category
func (c Category) Valid() bool {
	switch c {
	case Component, Tool, Escalation, EEI:
		return true
	}
	return false
}

// ParseCategory converts a user-supplied name into a Category
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", errors.NewInvalidRequestError("unknown category %q", s)
	}
	return c, nil
}

// Address is a single code point in the address space
type Address rune

// String renders the address as uppercase hex, at least four digits ("E001")
func (a Address) String() string {
	return fmt.Sprintf("%04X", rune(a))
}

// Glyph renders the code point itself
func (a Address) Glyph() string {
	return string(rune(a))
}

// Parse accepts "E001", "e001", "U+E001" or the glyph itself
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.NewInvalidRequestError("empty address")
	}
	if utf8.RuneCountInString(s) == 1 {
		r, _ := utf8.DecodeRuneInString(s)
		if r >= 0xE000 {
			return Address(r), nil
		}
	}
	s = strings.TrimPrefix(strings.ToUpper(s), "U+")
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil || n > utf8.MaxRune {
		return 0, errors.NewInvalidRequestError("invalid address %q", s)
	}
	return Address(n), nil
}

// Range is an inclusive span of addresses
type Range struct {
	Lo Address
	Hi Address
}

// Size returns the number of addresses in the range
func (r Range) Size() int {
	if r.Hi < r.Lo {
		return 0
	}
	return int(r.Hi-r.Lo) + 1
}

// Contains reports whether a lies inside the range
func (r Range) Contains(a Address) bool {
	return a >= r.Lo && a <= r.Hi
}

func (r Range) overlaps(o Range) bool {
	return r.Lo <= o.Hi && o.Lo <= r.Hi
}

func (r Range) String() string {
	return r.Lo.String() + "-" + r.Hi.String()
}
