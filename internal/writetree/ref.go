package writetree

import (
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/snap"
)

// Ref is a WriteTree seen from one location. All paths passed to it are relative to that location.
type Ref struct {
	treePath dbpath.Path
	tree     *WriteTree
}

// Path returns the location of the ref
func (r *Ref) Path() dbpath.Path {
	return r.treePath
}

func (r *Ref) CalcCompleteEventCache(completeServerCache snap.Node, exclude []int64, includeHidden bool) snap.Node {
	return r.tree.CalcCompleteEventCache(r.treePath, completeServerCache, exclude, includeHidden)
}

func (r *Ref) CalcCompleteEventChildren(completeServerChildren snap.Node) snap.Node {
	return r.tree.CalcCompleteEventChildren(r.treePath, completeServerChildren)
}

func (r *Ref) CalcEventCacheAfterServerOverwrite(path dbpath.Path, existingEventSnap, existingServerSnap snap.Node) snap.Node {
	return r.tree.CalcEventCacheAfterServerOverwrite(r.treePath, path, existingEventSnap, existingServerSnap)
}

func (r *Ref) ShadowingWrite(path dbpath.Path) (snap.Node, bool) {
	return r.tree.ShadowingWrite(r.treePath.Join(path))
}

func (r *Ref) CalcIndexedSlice(completeServerData snap.Node, startPost snap.NamedNode, count int, reverse bool, idx snap.Index) []snap.NamedNode {
	return r.tree.CalcIndexedSlice(r.treePath, completeServerData, startPost, count, reverse, idx)
}

func (r *Ref) CalcCompleteChild(childKey string, existing ServerCache) snap.Node {
	return r.tree.CalcCompleteChild(r.treePath, childKey, existing)
}

// Child returns a ref one level deeper
func (r *Ref) Child(name string) *Ref {
	return &Ref{treePath: r.treePath.Child(name), tree: r.tree}
}
