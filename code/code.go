// Package code defines the compiled unit the compiler produces and the
// VM executes: a flat bytecode sequence, its constant pool, a source
// location table, and an exception table (spec.md §3, §4.2).
package code

import (
	"fmt"
	"sort"

	"github.com/wudi/sandboxvm/value"
)

// SourceRange is a start/end pair of line and column positions in the
// original source text, as resolved by the (out-of-scope) parser and
// carried through compilation untouched.
type SourceRange struct {
	StartLine, StartCol int
	EndLine, EndCol      int
}

// LocationEntry maps a bytecode offset to the source range that produced
// it, with an optional tighter "focus" range (e.g. just the operator of a
// binary expression) used for caret-underline traceback captions.
type LocationEntry struct {
	Offset uint32
	Range  SourceRange
	Focus  *SourceRange
}

// ExceptionEntry is one row of the exception table. Entries are stored
// innermost-first so a linear scan from index 0 finds the correct
// handler for a raise at a given IP (spec.md §4.2).
type ExceptionEntry struct {
	Start      uint32
	End        uint32
	Handler    uint32
	StackDepth uint16
}

// Code is one compiled unit: either the module top level or a single
// function body.
type Code struct {
	Bytecode       []byte
	Constants      []value.Value
	Locations      []LocationEntry // ascending by Offset
	ExceptionTable []ExceptionEntry
	NumLocals      uint16
	StackSize      uint16
}

// LocationFor returns the LocationEntry covering ip: the entry with the
// greatest Offset <= ip. Returns false if ip precedes every entry.
func (c *Code) LocationFor(ip uint32) (LocationEntry, bool) {
	locs := c.Locations
	i := sort.Search(len(locs), func(i int) bool { return locs[i].Offset > ip })
	if i == 0 {
		return LocationEntry{}, false
	}
	return locs[i-1], true
}

// HandlerFor scans the exception table for the first entry covering ip,
// honoring the innermost-first ordering invariant.
func (c *Code) HandlerFor(ip uint32) (ExceptionEntry, bool) {
	for _, e := range c.ExceptionTable {
		if ip >= e.Start && ip < e.End {
			return e, true
		}
	}
	return ExceptionEntry{}, false
}

// Validate checks the structural invariants spec.md §3 requires of a
// fully-built Code object: every exception entry's range is well formed,
// and the location table is sorted ascending.
func (c *Code) Validate() error {
	for i, e := range c.ExceptionTable {
		if e.Start >= e.End {
			return fmt.Errorf("exception table entry %d: empty or inverted range [%d,%d)", i, e.Start, e.End)
		}
		if int(e.Handler) >= len(c.Bytecode) {
			return fmt.Errorf("exception table entry %d: handler %d out of bounds", i, e.Handler)
		}
	}
	for i := 1; i < len(c.Locations); i++ {
		if c.Locations[i].Offset < c.Locations[i-1].Offset {
			return fmt.Errorf("location table not ascending at index %d", i)
		}
	}
	return nil
}
