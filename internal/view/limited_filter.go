package view

import (
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/snap"
)

// LimitedFilter keeps at most limit children of a range, anchored at the start or the end
type LimitedFilter struct {
	ranged  *RangedFilter
	index   snap.Index
	limit   int
	reverse bool
}

func NewLimitedFilter(p QueryParams) *LimitedFilter {
	return &LimitedFilter{
		ranged:  NewRangedFilter(p),
		index:   p.Index(),
		limit:   p.Limit(),
		reverse: !p.IsViewFromLeft(),
	}
}

func (f *LimitedFilter) UpdateChild(n snap.Node, key string, newChild snap.Node, affected dbpath.Path, source CompleteChildSource, acc *ChildChangeAccumulator) snap.Node {
	if !f.ranged.Matches(snap.NamedNode{Name: key, Node: newChild}) {
		newChild = snap.Empty
	}
	if n.ImmediateChild(key).Equals(newChild) {
		return n
	}
	if n.NumChildren() < f.limit {
		return f.ranged.IndexedFilter().UpdateChild(n, key, newChild, affected, source, acc)
	}
	return f.fullLimitUpdateChild(n, key, newChild, source, acc)
}

// compare orders children in window order: ascending, or descending for reverse windows
func (f *LimitedFilter) compare(a, b snap.NamedNode) int {
	if f.reverse {
		return f.index.Compare(b, a)
	}
	return f.index.Compare(a, b)
}

func (f *LimitedFilter) fullLimitUpdateChild(n snap.Node, key string, childSnap snap.Node, source CompleteChildSource, acc *ChildChangeAccumulator) snap.Node {
	invariant.Check(n.NumChildren() == f.limit, "limited cache holds %d children, limit is %d", n.NumChildren(), f.limit)

	newChild := snap.NamedNode{Name: key, Node: childSnap}
	var boundary snap.NamedNode
	if f.reverse {
		boundary, _ = snap.FirstChild(n, f.index)
	} else {
		boundary, _ = snap.LastChild(n, f.index)
	}
	inRange := f.ranged.Matches(newChild)

	if n.HasChild(key) {
		oldChildSnap := n.ImmediateChild(key)
		next, ok := source.ChildAfterChild(f.index, boundary, f.reverse)
		for ok && (next.Name == key || n.HasChild(next.Name)) {
			// a child updated by the same merge that the window has not seen yet
			next, ok = source.ChildAfterChild(f.index, next, f.reverse)
		}
		compareNext := 1
		if ok {
			compareNext = f.compare(next, newChild)
		}
		remainsInWindow := inRange && !childSnap.IsEmpty() && compareNext >= 0
		if remainsInWindow {
			if acc != nil {
				acc.TrackChildChange(ChildChangedChange(key, childSnap, oldChildSnap))
			}
			return n.UpdateImmediateChild(key, childSnap)
		}
		if acc != nil {
			acc.TrackChildChange(ChildRemovedChange(key, oldChildSnap))
		}
		updated := n.UpdateImmediateChild(key, snap.Empty)
		if ok && f.ranged.Matches(next) {
			if acc != nil {
				acc.TrackChildChange(ChildAddedChange(next.Name, next.Node))
			}
			return updated.UpdateImmediateChild(next.Name, next.Node)
		}
		return updated
	}

	if childSnap.IsEmpty() || !inRange {
		return n
	}
	if f.compare(boundary, newChild) >= 0 {
		if acc != nil {
			acc.TrackChildChange(ChildRemovedChange(boundary.Name, boundary.Node))
			acc.TrackChildChange(ChildAddedChange(key, childSnap))
		}
		return n.UpdateImmediateChild(key, childSnap).UpdateImmediateChild(boundary.Name, snap.Empty)
	}
	return n
}

func (f *LimitedFilter) UpdateFullNode(old, updated snap.Node, acc *ChildChangeAccumulator) snap.Node {
	var filtered snap.Node
	switch {
	case updated.IsLeaf() || updated.IsEmpty():
		filtered = snap.Empty.WithIndex(f.index)

	case f.limit*2 < updated.NumChildren() && updated.IsIndexed(f.index):
		// large input: walk from the anchored end and copy up to limit children
		filtered = snap.Empty.WithIndex(f.index)
		var it *snap.ChildIterator
		if f.reverse {
			it = snap.ReverseIteratorFrom(updated, f.ranged.EndPost(), f.index)
		} else {
			it = snap.IteratorFrom(updated, f.ranged.StartPost(), f.index)
		}
		count := 0
		for count < f.limit {
			next, ok := it.Next()
			if !ok {
				break
			}
			var inRange bool
			if f.reverse {
				inRange = f.index.Compare(f.ranged.StartPost(), next) <= 0
			} else {
				inRange = f.index.Compare(next, f.ranged.EndPost()) <= 0
			}
			if !inRange {
				break
			}
			filtered = filtered.UpdateImmediateChild(next.Name, next.Node)
			count++
		}

	default:
		// small input: start from the whole node and drop what falls outside the window
		filtered = updated.WithIndex(f.index).UpdatePriority(snap.Empty)
		var it *snap.ChildIterator
		var startPost, endPost snap.NamedNode
		if f.reverse {
			it = snap.ReverseIterator(filtered, f.index)
			startPost, endPost = f.ranged.EndPost(), f.ranged.StartPost()
		} else {
			it = snap.Iterator(filtered, f.index)
			startPost, endPost = f.ranged.StartPost(), f.ranged.EndPost()
		}
		count := 0
		foundStartPost := false
		for {
			next, ok := it.Next()
			if !ok {
				break
			}
			if !foundStartPost && f.compare(startPost, next) <= 0 {
				foundStartPost = true
			}
			inRange := foundStartPost && count < f.limit && f.compare(next, endPost) <= 0
			if inRange {
				count++
			} else {
				filtered = filtered.UpdateImmediateChild(next.Name, snap.Empty)
			}
		}
	}
	return f.ranged.IndexedFilter().UpdateFullNode(old, filtered, acc)
}

// UpdatePriority ignores priorities; filtered queries do not expose them
func (f *LimitedFilter) UpdatePriority(old, _ snap.Node) snap.Node { return old }

func (f *LimitedFilter) FiltersNodes() bool        { return true }
func (f *LimitedFilter) IndexedFilter() NodeFilter { return f.ranged.IndexedFilter() }
func (f *LimitedFilter) Index() snap.Index         { return f.index }
