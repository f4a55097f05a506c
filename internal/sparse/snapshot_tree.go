package sparse

import (
	"sort"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/snap"
)

// SnapshotTree remembers node values at sparse locations. Remembering a value at a path
// replaces everything below it; values written under an existing value are merged into it.
type SnapshotTree struct {
	value    snap.Node
	children map[string]*SnapshotTree
}

// NewSnapshotTree returns an empty tree
func NewSnapshotTree() *SnapshotTree {
	return &SnapshotTree{}
}

// Find returns the remembered node covering path
func (s *SnapshotTree) Find(path dbpath.Path) (snap.Node, bool) {
	if s.value != nil {
		return s.value.Child(path), true
	}
	if path.IsEmpty() || len(s.children) == 0 {
		return nil, false
	}
	child, ok := s.children[path.Front()]
	if !ok {
		return nil, false
	}
	return child.Find(path.PopFront())
}

// Remember stores data at path
func (s *SnapshotTree) Remember(path dbpath.Path, data snap.Node) {
	if path.IsEmpty() {
		s.value = data
		s.children = nil
		return
	}
	if s.value != nil {
		s.value = s.value.UpdateChild(path, data)
		return
	}
	front := path.Front()
	if s.children == nil {
		s.children = make(map[string]*SnapshotTree)
	}
	child, ok := s.children[front]
	if !ok {
		child = NewSnapshotTree()
		s.children[front] = child
	}
	child.Remember(path.PopFront(), data)
}

// Forget removes everything at and below path. It returns true when this tree became
// empty and may be dropped by its parent. Forgetting below a remembered leaf is a no-op.
func (s *SnapshotTree) Forget(path dbpath.Path) bool {
	if path.IsEmpty() {
		s.value = nil
		s.children = nil
		return true
	}
	if s.value != nil {
		if s.value.IsLeaf() {
			return false
		}
		value := s.value
		s.value = nil
		value.ForEachChild(snap.PriorityIndex, func(name string, child snap.Node) bool {
			s.Remember(dbpath.FromSegments(name), child)
			return false
		})
		return s.Forget(path)
	}
	if len(s.children) == 0 {
		return true
	}
	front := path.Front()
	if child, ok := s.children[front]; ok {
		if child.Forget(path.PopFront()) {
			delete(s.children, front)
		}
	}
	return len(s.children) == 0
}

// IsEmpty reports whether nothing is remembered
func (s *SnapshotTree) IsEmpty() bool {
	return s.value == nil && len(s.children) == 0
}

// ForEachTree visits each remembered value with its full path under prefix
func (s *SnapshotTree) ForEachTree(prefix dbpath.Path, fn func(path dbpath.Path, data snap.Node)) {
	if s.value != nil {
		fn(prefix, s.value)
		return
	}
	s.ForEachChild(func(name string, child *SnapshotTree) {
		child.ForEachTree(prefix.Child(name), fn)
	})
}

// ForEachChild visits immediate children in key order
func (s *SnapshotTree) ForEachChild(fn func(name string, child *SnapshotTree)) {
	names := make([]string, 0, len(s.children))
	for name := range s.children {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return dbpath.CompareKeys(names[i], names[j]) < 0 })
	for _, name := range names {
		fn(name, s.children[name])
	}
}
