package writetree

import (
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/snap"
)

// WriteRecord is one pending user write: an overwrite (Snap set) or a merge (Children set).
// Merge keys are paths relative to Path.
type WriteRecord struct {
	WriteID  int64
	Path     dbpath.Path
	Snap     snap.Node
	Children map[string]snap.Node
	Visible  bool
}

// IsOverwrite reports whether the record replaces the data at Path
func (r WriteRecord) IsOverwrite() bool {
	return r.Snap != nil
}

func (r WriteRecord) containsPath(path dbpath.Path) bool {
	if r.IsOverwrite() {
		return r.Path.Contains(path)
	}
	for key := range r.Children {
		if r.Path.Child(key).Contains(path) {
			return true
		}
	}
	return false
}

// ServerCache is the server data known for a location
type ServerCache interface {
	Node() snap.Node
	IsCompleteForChild(name string) bool
}

// WriteTree holds every unacknowledged user write in write-id order,
// plus the merged view of the visible ones.
type WriteTree struct {
	visible     CompoundWrite
	all         []WriteRecord
	lastWriteID int64
}

// New returns an empty write tree
func New() *WriteTree {
	return &WriteTree{visible: NewCompoundWrite(), lastWriteID: -1}
}

// AddOverwrite records a set. Hidden writes (visible=false) only affect transaction state.
func (w *WriteTree) AddOverwrite(path dbpath.Path, n snap.Node, writeID int64, visible bool) {
	invariant.Check(writeID > w.lastWriteID, "stacking an older write (%d) on top of newer ones (%d)", writeID, w.lastWriteID)
	w.all = append(w.all, WriteRecord{WriteID: writeID, Path: path, Snap: n, Visible: visible})
	if visible {
		w.visible = w.visible.AddWrite(path, n)
	}
	w.lastWriteID = writeID
}

// AddMerge records an update of several children
func (w *WriteTree) AddMerge(path dbpath.Path, children map[string]snap.Node, writeID int64) {
	invariant.Check(writeID > w.lastWriteID, "stacking an older write (%d) on top of newer ones (%d)", writeID, w.lastWriteID)
	w.all = append(w.all, WriteRecord{WriteID: writeID, Path: path, Children: children, Visible: true})
	w.visible = w.visible.AddWrites(path, children)
	w.lastWriteID = writeID
}

// Write returns the pending record for writeID
func (w *WriteTree) Write(writeID int64) (WriteRecord, bool) {
	for _, r := range w.all {
		if r.WriteID == writeID {
			return r, true
		}
	}
	return WriteRecord{}, false
}

// Len returns the number of pending writes
func (w *WriteTree) Len() int {
	return len(w.all)
}

// RemoveWrite drops writeID and reports whether doing so may change visible data
func (w *WriteTree) RemoveWrite(writeID int64) bool {
	idx := -1
	for i, r := range w.all {
		if r.WriteID == writeID {
			idx = i
			break
		}
	}
	invariant.Check(idx >= 0, "removeWrite called with nonexistent write id %d", writeID)
	removed := w.all[idx]
	w.all = append(w.all[:idx:idx], w.all[idx+1:]...)

	wasVisible := removed.Visible
	overlaps := false
	for i := len(w.all) - 1; wasVisible && i >= 0; i-- {
		cur := w.all[i]
		if !cur.Visible {
			continue
		}
		if i >= idx && cur.containsPath(removed.Path) {
			// a later write shadows the removed one completely
			wasVisible = false
		} else if removed.Path.Contains(cur.Path) {
			overlaps = true
		}
	}

	switch {
	case !wasVisible:
		return false
	case overlaps:
		w.resetTree()
		return true
	case removed.IsOverwrite():
		w.visible = w.visible.RemoveWrite(removed.Path)
		return true
	default:
		for key := range removed.Children {
			w.visible = w.visible.RemoveWrite(removed.Path.Child(key))
		}
		return true
	}
}

func (w *WriteTree) resetTree() {
	w.visible = layerTree(w.all, func(r WriteRecord) bool { return r.Visible }, dbpath.Empty)
	if len(w.all) > 0 {
		w.lastWriteID = w.all[len(w.all)-1].WriteID
	} else {
		w.lastWriteID = -1
	}
}

// CompleteWriteData returns the visible data written at path, if a write covers it
func (w *WriteTree) CompleteWriteData(path dbpath.Path) (snap.Node, bool) {
	return w.visible.CompleteNode(path)
}

// CalcCompleteEventCache layers writes over completeServerCache (nil when unknown).
// Writes listed in exclude are skipped; includeHidden also layers hidden writes.
// The result is nil when no complete value can be produced.
func (w *WriteTree) CalcCompleteEventCache(treePath dbpath.Path, completeServerCache snap.Node, exclude []int64, includeHidden bool) snap.Node {
	if len(exclude) == 0 && !includeHidden {
		if shadow, ok := w.visible.CompleteNode(treePath); ok {
			return shadow
		}
		sub := w.visible.ChildCompoundWrite(treePath)
		if sub.IsEmpty() {
			return completeServerCache
		}
		if completeServerCache == nil && !sub.HasCompleteWrite(dbpath.Empty) {
			return nil
		}
		base := completeServerCache
		if base == nil {
			base = snap.Empty
		}
		return sub.Apply(base)
	}

	merge := w.visible.ChildCompoundWrite(treePath)
	if !includeHidden && merge.IsEmpty() {
		return completeServerCache
	}
	if !includeHidden && completeServerCache == nil && !merge.HasCompleteWrite(dbpath.Empty) {
		return nil
	}
	filter := func(r WriteRecord) bool {
		if !r.Visible && !includeHidden {
			return false
		}
		for _, id := range exclude {
			if id == r.WriteID {
				return false
			}
		}
		return r.Path.Contains(treePath) || treePath.Contains(r.Path)
	}
	base := completeServerCache
	if base == nil {
		base = snap.Empty
	}
	return layerTree(w.all, filter, treePath).Apply(base)
}

// CalcCompleteEventChildren returns every child for which complete data is known
func (w *WriteTree) CalcCompleteEventChildren(treePath dbpath.Path, completeServerChildren snap.Node) snap.Node {
	complete := snap.Node(snap.Empty)
	if top, ok := w.visible.CompleteNode(treePath); ok {
		top.ForEachChild(snap.PriorityIndex, func(name string, child snap.Node) bool {
			complete = complete.UpdateImmediateChild(name, child)
			return false
		})
		return complete
	}
	merge := w.visible.ChildCompoundWrite(treePath)
	if completeServerChildren != nil {
		completeServerChildren.ForEachChild(snap.PriorityIndex, func(name string, child snap.Node) bool {
			n := merge.ChildCompoundWrite(dbpath.FromSegments(name)).Apply(child)
			complete = complete.UpdateImmediateChild(name, n)
			return false
		})
	}
	for _, c := range merge.CompleteChildren() {
		complete = complete.UpdateImmediateChild(c.Name, c.Node)
	}
	return complete
}

// CalcEventCacheAfterServerOverwrite returns the event data at treePath/childPath after the
// server changed it, or nil when a local write shadows the change
func (w *WriteTree) CalcEventCacheAfterServerOverwrite(treePath, childPath dbpath.Path, existingEventSnap, existingServerSnap snap.Node) snap.Node {
	invariant.Check(existingEventSnap != nil || existingServerSnap != nil, "either existingEventSnap or existingServerSnap must exist")
	path := treePath.Join(childPath)
	if w.visible.HasCompleteWrite(path) {
		return nil
	}
	childMerge := w.visible.ChildCompoundWrite(path)
	if childMerge.IsEmpty() {
		return existingServerSnap.Child(childPath)
	}
	return childMerge.Apply(existingServerSnap.Child(childPath))
}

// CalcCompleteChild returns a complete child of treePath, or nil when it is unknown
func (w *WriteTree) CalcCompleteChild(treePath dbpath.Path, childKey string, existing ServerCache) snap.Node {
	path := treePath.Child(childKey)
	if shadow, ok := w.visible.CompleteNode(path); ok {
		return shadow
	}
	if existing != nil && existing.IsCompleteForChild(childKey) {
		return w.visible.ChildCompoundWrite(path).Apply(existing.Node().ImmediateChild(childKey))
	}
	return nil
}

// ShadowingWrite returns the visible write covering path, if any
func (w *WriteTree) ShadowingWrite(path dbpath.Path) (snap.Node, bool) {
	return w.visible.CompleteNode(path)
}

// CalcIndexedSlice returns up to count children after (or before, with reverse) startPost,
// with local writes applied
func (w *WriteTree) CalcIndexedSlice(treePath dbpath.Path, completeServerData snap.Node, startPost snap.NamedNode, count int, reverse bool, idx snap.Index) []snap.NamedNode {
	merge := w.visible.ChildCompoundWrite(treePath)
	var toIterate snap.Node
	if shadow, ok := merge.CompleteNode(dbpath.Empty); ok {
		toIterate = shadow
	} else if completeServerData != nil {
		toIterate = merge.Apply(completeServerData)
	} else {
		return nil
	}
	toIterate = toIterate.WithIndex(idx)
	if toIterate.IsEmpty() || toIterate.IsLeaf() {
		return nil
	}
	var it *snap.ChildIterator
	if reverse {
		it = snap.ReverseIteratorFrom(toIterate, startPost, idx)
	} else {
		it = snap.IteratorFrom(toIterate, startPost, idx)
	}
	var out []snap.NamedNode
	for len(out) < count {
		next, ok := it.Next()
		if !ok {
			break
		}
		if idx.Compare(next, startPost) != 0 {
			out = append(out, next)
		}
	}
	return out
}

// ChildWrites returns a view of the tree rooted at path
func (w *WriteTree) ChildWrites(path dbpath.Path) *Ref {
	return &Ref{treePath: path, tree: w}
}

func layerTree(writes []WriteRecord, filter func(WriteRecord) bool, root dbpath.Path) CompoundWrite {
	out := NewCompoundWrite()
	for _, r := range writes {
		if !filter(r) {
			continue
		}
		if r.IsOverwrite() {
			if rel, ok := dbpath.RelativePath(root, r.Path); ok {
				out = out.AddWrite(rel, r.Snap)
			} else if rel, ok := dbpath.RelativePath(r.Path, root); ok {
				out = out.AddWrite(dbpath.Empty, r.Snap.Child(rel))
			}
			continue
		}
		if rel, ok := dbpath.RelativePath(root, r.Path); ok {
			out = out.AddWrites(rel, r.Children)
		} else if rel, ok := dbpath.RelativePath(r.Path, root); ok {
			if rel.IsEmpty() {
				out = out.AddWrites(dbpath.Empty, r.Children)
				continue
			}
			// merge keys may span several segments; find the one covering root
			for key, child := range r.Children {
				keyPath := dbpath.New(key)
				if inner, ok := dbpath.RelativePath(keyPath, rel); ok {
					out = out.AddWrite(dbpath.Empty, child.Child(inner))
				} else if below, ok := dbpath.RelativePath(rel, keyPath); ok {
					out = out.AddWrite(below, child)
				}
			}
		}
	}
	return out
}
