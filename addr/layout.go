package addr

import (
	"sort"

	"github.com/teranos/nodereg/am"
	"github.com/teranos/nodereg/errors"
)

// Layout describes the address space and how it is split between categories
type Layout struct {
	Space      Range
	Partitions map[Category]Range
}

// DefaultLayout is the BMP private-use area with one 1023-address block per category
func DefaultLayout() Layout {
	return Layout{
		Space: Range{Lo: 0xE000, Hi: 0xF8FF},
		Partitions: map[Category]Range{
			Component:  {Lo: 0xE001, Hi: 0xE3FF},
			Tool:       {Lo: 0xE401, Hi: 0xE7FF},
			Escalation: {Lo: 0xE801, Hi: 0xEBFF},
			EEI:        {Lo: 0xEC01, Hi: 0xEFFF},
		},
	}
}

// LayoutFromConfig builds a Layout from the address_space config section
func LayoutFromConfig(cfg am.AddressSpaceConfig) (Layout, error) {
	parse := func(field, s string) (Address, error) {
		r, err := am.ParseCodePoint(s)
		if err != nil {
			return 0, errors.Wrapf(err, "address_space.%s", field)
		}
		return Address(r), nil
	}

	var layout Layout
	var err error
	if layout.Space.Lo, err = parse("start", cfg.Start); err != nil {
		return Layout{}, err
	}
	if layout.Space.Hi, err = parse("end", cfg.End); err != nil {
		return Layout{}, err
	}

	layout.Partitions = make(map[Category]Range, 4)
	for name, rc := range cfg.Partitions() {
		var r Range
		if r.Lo, err = parse(name+".start", rc.Start); err != nil {
			return Layout{}, err
		}
		if r.Hi, err = parse(name+".end", rc.End); err != nil {
			return Layout{}, err
		}
		layout.Partitions[Category(name)] = r
	}
	return layout, layout.Validate()
}

// Validate checks that every partition is non-empty, inside the space and disjoint from the others
func (l Layout) Validate() error {
	if l.Space.Size() == 0 {
		return errors.NewInvalidRequestError("address space %s is empty", l.Space)
	}
	if len(l.Partitions) == 0 {
		return errors.NewInvalidRequestError("address space has no partitions")
	}

	cats := l.sortedCategories()
	for i, cat := range cats {
		if !cat.Valid() {
			return errors.NewInvalidRequestError("unknown category %q", cat)
		}
		r := l.Partitions[cat]
		if r.Size() == 0 {
			return errors.NewInvalidRequestError("partition %s is empty (%s)", cat, r)
		}
		if !l.Space.Contains(r.Lo) || !l.Space.Contains(r.Hi) {
			return errors.NewInvalidRequestError("partition %s (%s) lies outside space %s", cat, r, l.Space)
		}
		if i > 0 {
			prev := cats[i-1]
			if l.Partitions[prev].overlaps(r) {
				return errors.NewInvalidRequestError("partitions %s (%s) and %s (%s) overlap",
					prev, l.Partitions[prev], cat, r)
			}
		}
	}
	return nil
}

// sortedCategories returns the layout's categories ordered by partition start
func (l Layout) sortedCategories() []Category {
	cats := make([]Category, 0, len(l.Partitions))
	for cat := range l.Partitions {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool {
		return l.Partitions[cats[i]].Lo < l.Partitions[cats[j]].Lo
	})
	return cats
}
