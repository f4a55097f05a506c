package view

import (
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/snap"
)

// CompleteChildSource finds children that are known even though the cache being
// filtered does not hold them
type CompleteChildSource interface {
	CompleteChild(name string) snap.Node
	ChildAfterChild(idx snap.Index, child snap.NamedNode, reverse bool) (snap.NamedNode, bool)
}

// NodeFilter applies a query window to cache updates, reporting child changes to acc
// when acc is non-nil
type NodeFilter interface {
	UpdateChild(n snap.Node, key string, newChild snap.Node, affected dbpath.Path, source CompleteChildSource, acc *ChildChangeAccumulator) snap.Node
	UpdateFullNode(old, updated snap.Node, acc *ChildChangeAccumulator) snap.Node
	UpdatePriority(old, priority snap.Node) snap.Node
	FiltersNodes() bool
	IndexedFilter() NodeFilter
	Index() snap.Index
}

// IndexedFilter keeps every child and only maintains the ordering index
type IndexedFilter struct {
	index snap.Index
}

func NewIndexedFilter(idx snap.Index) *IndexedFilter {
	return &IndexedFilter{index: idx}
}

func (f *IndexedFilter) UpdateChild(n snap.Node, key string, newChild snap.Node, affected dbpath.Path, _ CompleteChildSource, acc *ChildChangeAccumulator) snap.Node {
	oldChild := n.ImmediateChild(key)
	if oldChild.Child(affected).Equals(newChild.Child(affected)) && oldChild.IsEmpty() == newChild.IsEmpty() {
		// a child may enter or leave while the affected path reads empty on both sides
		return n
	}
	if acc != nil {
		switch {
		case newChild.IsEmpty():
			if n.HasChild(key) {
				acc.TrackChildChange(ChildRemovedChange(key, oldChild))
			} else {
				invariant.Check(n.IsLeaf(), "a child remove without an old child only makes sense on a leaf node")
			}
		case oldChild.IsEmpty():
			acc.TrackChildChange(ChildAddedChange(key, newChild))
		default:
			acc.TrackChildChange(ChildChangedChange(key, newChild, oldChild))
		}
	}
	if n.IsLeaf() && newChild.IsEmpty() {
		return n
	}
	return n.UpdateImmediateChild(key, newChild).WithIndex(f.index)
}

func (f *IndexedFilter) UpdateFullNode(old, updated snap.Node, acc *ChildChangeAccumulator) snap.Node {
	if acc != nil {
		if !old.IsLeaf() {
			old.ForEachChild(snap.PriorityIndex, func(key string, child snap.Node) bool {
				if !updated.HasChild(key) {
					acc.TrackChildChange(ChildRemovedChange(key, child))
				}
				return false
			})
		}
		if !updated.IsLeaf() {
			updated.ForEachChild(snap.PriorityIndex, func(key string, child snap.Node) bool {
				if old.HasChild(key) {
					oldChild := old.ImmediateChild(key)
					if !oldChild.Equals(child) {
						acc.TrackChildChange(ChildChangedChange(key, child, oldChild))
					}
				} else {
					acc.TrackChildChange(ChildAddedChange(key, child))
				}
				return false
			})
		}
	}
	return updated.WithIndex(f.index)
}

func (f *IndexedFilter) UpdatePriority(old, priority snap.Node) snap.Node {
	if old.IsEmpty() {
		return snap.Empty
	}
	return old.UpdatePriority(priority)
}

func (f *IndexedFilter) FiltersNodes() bool        { return false }
func (f *IndexedFilter) IndexedFilter() NodeFilter { return f }
func (f *IndexedFilter) Index() snap.Index         { return f.index }

// RangedFilter keeps children between a start and an end post
type RangedFilter struct {
	indexed   *IndexedFilter
	index     snap.Index
	startPost snap.NamedNode
	endPost   snap.NamedNode
}

func NewRangedFilter(p QueryParams) *RangedFilter {
	return &RangedFilter{
		indexed:   NewIndexedFilter(p.Index()),
		index:     p.Index(),
		startPost: p.StartPost(),
		endPost:   p.EndPost(),
	}
}

func (f *RangedFilter) StartPost() snap.NamedNode { return f.startPost }
func (f *RangedFilter) EndPost() snap.NamedNode   { return f.endPost }

// Matches reports whether the child lies inside the range
func (f *RangedFilter) Matches(n snap.NamedNode) bool {
	return f.index.Compare(f.startPost, n) <= 0 && f.index.Compare(n, f.endPost) <= 0
}

func (f *RangedFilter) UpdateChild(n snap.Node, key string, newChild snap.Node, affected dbpath.Path, source CompleteChildSource, acc *ChildChangeAccumulator) snap.Node {
	if !f.Matches(snap.NamedNode{Name: key, Node: newChild}) {
		newChild = snap.Empty
	}
	return f.indexed.UpdateChild(n, key, newChild, affected, source, acc)
}

func (f *RangedFilter) UpdateFullNode(old, updated snap.Node, acc *ChildChangeAccumulator) snap.Node {
	if updated.IsLeaf() {
		updated = snap.Empty
	}
	filtered := updated.WithIndex(f.index).UpdatePriority(snap.Empty)
	updated.ForEachChild(snap.PriorityIndex, func(key string, child snap.Node) bool {
		if !f.Matches(snap.NamedNode{Name: key, Node: child}) {
			filtered = filtered.UpdateImmediateChild(key, snap.Empty)
		}
		return false
	})
	return f.indexed.UpdateFullNode(old, filtered, acc)
}

// UpdatePriority ignores priorities; filtered queries do not expose them
func (f *RangedFilter) UpdatePriority(old, _ snap.Node) snap.Node { return old }

func (f *RangedFilter) FiltersNodes() bool        { return true }
func (f *RangedFilter) IndexedFilter() NodeFilter { return f.indexed }
func (f *RangedFilter) Index() snap.Index         { return f.index }
