// Package writetree layers pending local writes over server data.
package writetree

import (
	"sort"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/sparse"
)

// CompoundWrite is a set of non-overlapping writes keyed by path.
// A write at a path shadows everything below it.
type CompoundWrite struct {
	tree *sparse.ImmutableTree[snap.Node]
}

// NewCompoundWrite returns an empty compound write
func NewCompoundWrite() CompoundWrite {
	return CompoundWrite{tree: sparse.NewImmutableTree[snap.Node]()}
}

// CompoundWriteFromTree wraps an existing tree of writes
func CompoundWriteFromTree(tree *sparse.ImmutableTree[snap.Node]) CompoundWrite {
	return CompoundWrite{tree: tree}
}

func (c CompoundWrite) writes() *sparse.ImmutableTree[snap.Node] {
	if c.tree == nil {
		return sparse.NewImmutableTree[snap.Node]()
	}
	return c.tree
}

// AddWrite layers n at path, folding it into a write that already covers path
func (c CompoundWrite) AddWrite(path dbpath.Path, n snap.Node) CompoundWrite {
	if path.IsEmpty() {
		return CompoundWrite{tree: sparse.ImmutableLeaf(n)}
	}
	tree := c.writes()
	if rootPath, value, ok := tree.FindRootMostValueAndPath(path); ok {
		rel, _ := dbpath.RelativePath(rootPath, path)
		return CompoundWrite{tree: tree.Set(rootPath, value.UpdateChild(rel, n))}
	}
	return CompoundWrite{tree: tree.SetTree(path, sparse.ImmutableLeaf(n))}
}

// AddWrites layers each child of a merge; keys are relative paths below path
func (c CompoundWrite) AddWrites(path dbpath.Path, children map[string]snap.Node) CompoundWrite {
	out := c
	for _, key := range sortedKeys(children) {
		out = out.AddWrite(path.Child(key), children[key])
	}
	return out
}

// RemoveWrite drops the write at path and everything below it
func (c CompoundWrite) RemoveWrite(path dbpath.Path) CompoundWrite {
	if path.IsEmpty() {
		return NewCompoundWrite()
	}
	return CompoundWrite{tree: c.writes().SetTree(path, sparse.NewImmutableTree[snap.Node]())}
}

// HasCompleteWrite reports whether a write covers path entirely
func (c CompoundWrite) HasCompleteWrite(path dbpath.Path) bool {
	_, ok := c.CompleteNode(path)
	return ok
}

// CompleteNode returns the data at path when a write covers it entirely
func (c CompoundWrite) CompleteNode(path dbpath.Path) (snap.Node, bool) {
	rootPath, value, ok := c.writes().FindRootMostValueAndPath(path)
	if !ok {
		return nil, false
	}
	rel, _ := dbpath.RelativePath(rootPath, path)
	return value.Child(rel), true
}

// CompleteChildren returns every immediate child fully covered by a write
func (c CompoundWrite) CompleteChildren() []snap.NamedNode {
	var out []snap.NamedNode
	tree := c.writes()
	if node, ok := tree.Value(); ok {
		node.ForEachChild(snap.PriorityIndex, func(name string, child snap.Node) bool {
			out = append(out, snap.NamedNode{Name: name, Node: child})
			return false
		})
		return out
	}
	tree.ForEachChildValue(func(name string, child snap.Node) {
		out = append(out, snap.NamedNode{Name: name, Node: child})
	})
	return out
}

// ChildCompoundWrite returns the writes relative to path
func (c CompoundWrite) ChildCompoundWrite(path dbpath.Path) CompoundWrite {
	if path.IsEmpty() {
		return c
	}
	if shadow, ok := c.CompleteNode(path); ok {
		return CompoundWrite{tree: sparse.ImmutableLeaf(shadow)}
	}
	return CompoundWrite{tree: c.writes().Subtree(path)}
}

// IsEmpty reports whether there are no writes
func (c CompoundWrite) IsEmpty() bool {
	return c.writes().IsEmpty()
}

// Apply layers every write over n
func (c CompoundWrite) Apply(n snap.Node) snap.Node {
	return applySubtreeWrite(dbpath.Empty, c.writes(), n)
}

func applySubtreeWrite(rel dbpath.Path, tree *sparse.ImmutableTree[snap.Node], n snap.Node) snap.Node {
	if v, ok := tree.Value(); ok {
		return n.UpdateChild(rel, v)
	}
	var priorityWrite snap.Node
	tree.ForEachChild(func(name string, child *sparse.ImmutableTree[snap.Node]) {
		if name == snap.PriorityKey {
			v, ok := child.Value()
			invariant.Check(ok, "priority writes must always be leaf nodes")
			priorityWrite = v
			return
		}
		n = applySubtreeWrite(rel.Child(name), child, n)
	})
	if priorityWrite != nil && !n.Child(rel).IsEmpty() {
		n = n.UpdateChild(rel.Child(snap.PriorityKey), priorityWrite)
	}
	return n
}

func sortedKeys(m map[string]snap.Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
