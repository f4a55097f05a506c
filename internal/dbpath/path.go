package dbpath

import (
	"strings"
)

// Path is an immutable sequence of key segments addressing a location in the tree.
// The zero value is the root path.
type Path struct {
	segs []string
}

// Empty is the root path
var Empty = Path{}

// New parses a slash separated path string
// Leading, trailing and repeated slashes are ignored
func New(s string) Path {
	parts := strings.Split(s, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	if len(segs) == 0 {
		return Empty
	}
	return Path{segs: segs}
}

// FromSegments builds a path from individual keys
func FromSegments(segs ...string) Path {
	if len(segs) == 0 {
		return Empty
	}
	cp := make([]string, len(segs))
	copy(cp, segs)
	return Path{segs: cp}
}

// Front returns the first segment, or "" for the root
func (p Path) Front() string {
	if len(p.segs) == 0 {
		return ""
	}
	return p.segs[0]
}

// Back returns the last segment, or "" for the root
func (p Path) Back() string {
	if len(p.segs) == 0 {
		return ""
	}
	return p.segs[len(p.segs)-1]
}

// Len returns the number of segments
func (p Path) Len() int {
	return len(p.segs)
}

// IsEmpty reports whether p is the root path
func (p Path) IsEmpty() bool {
	return len(p.segs) == 0
}

// Segment returns the i-th segment
func (p Path) Segment(i int) string {
	return p.segs[i]
}

// Segments returns a copy of the segments
func (p Path) Segments() []string {
	cp := make([]string, len(p.segs))
	copy(cp, p.segs)
	return cp
}

// PopFront returns the path without its first segment
func (p Path) PopFront() Path {
	if len(p.segs) <= 1 {
		return Empty
	}
	return Path{segs: p.segs[1:]}
}

// Parent returns the path without its last segment. The parent of the root is the root.
func (p Path) Parent() Path {
	if len(p.segs) <= 1 {
		return Empty
	}
	return Path{segs: p.segs[:len(p.segs)-1]}
}

// Child appends one or more slash separated segments
func (p Path) Child(name string) Path {
	if !strings.Contains(name, "/") {
		if name == "" {
			return p
		}
		segs := make([]string, len(p.segs)+1)
		copy(segs, p.segs)
		segs[len(p.segs)] = name
		return Path{segs: segs}
	}
	return p.Join(New(name))
}

// Join appends all segments of o
func (p Path) Join(o Path) Path {
	if len(o.segs) == 0 {
		return p
	}
	if len(p.segs) == 0 {
		return o
	}
	segs := make([]string, 0, len(p.segs)+len(o.segs))
	segs = append(segs, p.segs...)
	segs = append(segs, o.segs...)
	return Path{segs: segs}
}

// Contains reports whether p is equal to or an ancestor of o
func (p Path) Contains(o Path) bool {
	if len(p.segs) > len(o.segs) {
		return false
	}
	for i, s := range p.segs {
		if o.segs[i] != s {
			return false
		}
	}
	return true
}

// Equal reports whether both paths have the same segments
func (p Path) Equal(o Path) bool {
	if len(p.segs) != len(o.segs) {
		return false
	}
	for i, s := range p.segs {
		if o.segs[i] != s {
			return false
		}
	}
	return true
}

// String renders the path with a leading slash; the root renders as "/"
func (p Path) String() string {
	if len(p.segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(p.segs, "/")
}

// RelativePath returns inner relative to outer, and false if outer does not contain inner
func RelativePath(outer, inner Path) (Path, bool) {
	if !outer.Contains(inner) {
		return Empty, false
	}
	if len(outer.segs) == len(inner.segs) {
		return Empty, true
	}
	return Path{segs: inner.segs[len(outer.segs):]}, true
}

// Compare orders paths segment by segment using key ordering, shorter paths first
func Compare(a, b Path) int {
	n := len(a.segs)
	if len(b.segs) < n {
		n = len(b.segs)
	}
	for i := 0; i < n; i++ {
		if c := CompareKeys(a.segs[i], b.segs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a.segs) < len(b.segs):
		return -1
	case len(a.segs) > len(b.segs):
		return 1
	default:
		return 0
	}
}
