package sparse

import (
	"sort"

	"github.com/erauner12/treesync/internal/dbpath"
)

type treeNode[T any] struct {
	children map[string]*treeNode[T]
	value    T
	hasValue bool
}

// Tree is a mutable tree addressed by path. A Tree value is a cursor onto one node;
// nodes are created on demand and removed from their parent once they become empty.
type Tree[T any] struct {
	name   string
	parent *Tree[T]
	node   *treeNode[T]
}

// NewTree returns an empty root
func NewTree[T any]() *Tree[T] {
	return &Tree[T]{node: &treeNode[T]{}}
}

// Subtree returns the node at path, creating it if needed
func (t *Tree[T]) Subtree(path dbpath.Path) *Tree[T] {
	cur := t
	for !path.IsEmpty() {
		front := path.Front()
		child, ok := cur.node.children[front]
		if !ok {
			child = &treeNode[T]{}
		}
		cur = &Tree[T]{name: front, parent: cur, node: child}
		path = path.PopFront()
	}
	return cur
}

// Value returns the value stored at this node
func (t *Tree[T]) Value() (T, bool) {
	return t.node.value, t.node.hasValue
}

// SetValue stores v and attaches this node to its ancestors
func (t *Tree[T]) SetValue(v T) {
	t.node.value, t.node.hasValue = v, true
	t.updateParents()
}

// ClearValue removes the stored value
func (t *Tree[T]) ClearValue() {
	var zero T
	t.node.value, t.node.hasValue = zero, false
	t.updateParents()
}

// Clear removes the value and all children
func (t *Tree[T]) Clear() {
	var zero T
	t.node.value, t.node.hasValue = zero, false
	t.node.children = nil
	t.updateParents()
}

// HasChildren reports whether the node has any children
func (t *Tree[T]) HasChildren() bool {
	return len(t.node.children) > 0
}

// IsEmpty reports whether the node has neither value nor children
func (t *Tree[T]) IsEmpty() bool {
	return !t.node.hasValue && len(t.node.children) == 0
}

// Name returns the last path segment of this node
func (t *Tree[T]) Name() string {
	return t.name
}

// Parent returns the parent cursor, or nil at the root
func (t *Tree[T]) Parent() *Tree[T] {
	return t.parent
}

// Path returns the path of this node from the root
func (t *Tree[T]) Path() dbpath.Path {
	var segs []string
	for cur := t; cur.parent != nil; cur = cur.parent {
		segs = append(segs, cur.name)
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return dbpath.FromSegments(segs...)
}

// ForEachChild visits immediate children in key order
func (t *Tree[T]) ForEachChild(fn func(child *Tree[T])) {
	names := make([]string, 0, len(t.node.children))
	for name := range t.node.children {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return dbpath.CompareKeys(names[i], names[j]) < 0 })
	for _, name := range names {
		if node, ok := t.node.children[name]; ok {
			fn(&Tree[T]{name: name, parent: t, node: node})
		}
	}
}

// ForEachDescendant visits every node below t. With includeSelf t is visited too;
// childrenFirst selects post-order instead of pre-order.
func (t *Tree[T]) ForEachDescendant(fn func(*Tree[T]), includeSelf, childrenFirst bool) {
	if includeSelf && !childrenFirst {
		fn(t)
	}
	t.ForEachChild(func(child *Tree[T]) {
		child.ForEachDescendant(fn, true, childrenFirst)
	})
	if includeSelf && childrenFirst {
		fn(t)
	}
}

// ForEachAncestor visits ancestors from the nearest up; fn returns true to stop.
// The return value reports whether iteration was stopped.
func (t *Tree[T]) ForEachAncestor(fn func(*Tree[T]) bool, includeSelf bool) bool {
	cur := t
	if !includeSelf {
		cur = t.parent
	}
	for cur != nil {
		if fn(cur) {
			return true
		}
		cur = cur.parent
	}
	return false
}

// ForEachImmediateDescendantWithValue visits the shallowest nodes below t that hold a value
func (t *Tree[T]) ForEachImmediateDescendantWithValue(fn func(*Tree[T])) {
	t.ForEachChild(func(child *Tree[T]) {
		if child.node.hasValue {
			fn(child)
		} else {
			child.ForEachImmediateDescendantWithValue(fn)
		}
	})
}

func (t *Tree[T]) updateParents() {
	if t.parent != nil {
		t.parent.updateChild(t.name, t)
	}
}

func (t *Tree[T]) updateChild(name string, child *Tree[T]) {
	_, exists := t.node.children[name]
	empty := child.IsEmpty()
	switch {
	case empty && exists:
		delete(t.node.children, name)
		t.updateParents()
	case !empty && !exists:
		if t.node.children == nil {
			t.node.children = make(map[string]*treeNode[T])
		}
		t.node.children[name] = child.node
		t.updateParents()
	}
}
