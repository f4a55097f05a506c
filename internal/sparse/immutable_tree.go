// Package sparse provides path-keyed trees used to hold values at arbitrary depths.
package sparse

import (
	"github.com/benbjohnson/immutable"

	"github.com/erauner12/treesync/internal/dbpath"
)

type keyComparer struct{}

func (keyComparer) Compare(a, b string) int {
	return dbpath.CompareKeys(a, b)
}

// ImmutableTree is a persistent tree with an optional value at every node.
// All operations return new trees sharing structure with the receiver.
type ImmutableTree[T any] struct {
	value    T
	hasValue bool
	children *immutable.SortedMap[string, *ImmutableTree[T]]
}

// NewImmutableTree returns an empty tree
func NewImmutableTree[T any]() *ImmutableTree[T] {
	return &ImmutableTree[T]{children: immutable.NewSortedMap[string, *ImmutableTree[T]](keyComparer{})}
}

// ImmutableLeaf returns a tree holding v at its root
func ImmutableLeaf[T any](v T) *ImmutableTree[T] {
	t := NewImmutableTree[T]()
	t.value, t.hasValue = v, true
	return t
}

func (t *ImmutableTree[T]) with(value T, has bool, children *immutable.SortedMap[string, *ImmutableTree[T]]) *ImmutableTree[T] {
	return &ImmutableTree[T]{value: value, hasValue: has, children: children}
}

// Value returns the root value
func (t *ImmutableTree[T]) Value() (T, bool) {
	return t.value, t.hasValue
}

// IsEmpty reports whether the tree holds no values at all
func (t *ImmutableTree[T]) IsEmpty() bool {
	return !t.hasValue && t.children.Len() == 0
}

// NumChildren returns the number of immediate children
func (t *ImmutableTree[T]) NumChildren() int {
	return t.children.Len()
}

// Child returns the immediate child tree, or an empty tree
func (t *ImmutableTree[T]) Child(name string) *ImmutableTree[T] {
	if c, ok := t.children.Get(name); ok {
		return c
	}
	return NewImmutableTree[T]()
}

// FindRootMostMatchingPath returns the shallowest value along path accepted by match
func (t *ImmutableTree[T]) FindRootMostMatchingPath(path dbpath.Path, match func(T) bool) (dbpath.Path, T, bool) {
	if t.hasValue && match(t.value) {
		return dbpath.Empty, t.value, true
	}
	var zero T
	if path.IsEmpty() {
		return dbpath.Empty, zero, false
	}
	front := path.Front()
	child, ok := t.children.Get(front)
	if !ok {
		return dbpath.Empty, zero, false
	}
	rel, v, found := child.FindRootMostMatchingPath(path.PopFront(), match)
	if !found {
		return dbpath.Empty, zero, false
	}
	return dbpath.FromSegments(front).Join(rel), v, true
}

// FindRootMostValueAndPath returns the shallowest value along path
func (t *ImmutableTree[T]) FindRootMostValueAndPath(path dbpath.Path) (dbpath.Path, T, bool) {
	return t.FindRootMostMatchingPath(path, func(T) bool { return true })
}

// Get returns the value stored exactly at path
func (t *ImmutableTree[T]) Get(path dbpath.Path) (T, bool) {
	sub := t.Subtree(path)
	return sub.value, sub.hasValue
}

// Subtree returns the tree rooted at path, or an empty tree
func (t *ImmutableTree[T]) Subtree(path dbpath.Path) *ImmutableTree[T] {
	if path.IsEmpty() {
		return t
	}
	child, ok := t.children.Get(path.Front())
	if !ok {
		return NewImmutableTree[T]()
	}
	return child.Subtree(path.PopFront())
}

// Set stores v at path
func (t *ImmutableTree[T]) Set(path dbpath.Path, v T) *ImmutableTree[T] {
	if path.IsEmpty() {
		return t.with(v, true, t.children)
	}
	front := path.Front()
	child := t.Child(front).Set(path.PopFront(), v)
	return t.with(t.value, t.hasValue, t.children.Set(front, child))
}

// Remove deletes the value at path and prunes empty branches
func (t *ImmutableTree[T]) Remove(path dbpath.Path) *ImmutableTree[T] {
	var zero T
	if path.IsEmpty() {
		if t.children.Len() == 0 {
			return NewImmutableTree[T]()
		}
		return t.with(zero, false, t.children)
	}
	front := path.Front()
	child, ok := t.children.Get(front)
	if !ok {
		return t
	}
	updated := child.Remove(path.PopFront())
	var children *immutable.SortedMap[string, *ImmutableTree[T]]
	if updated.IsEmpty() {
		children = t.children.Delete(front)
	} else {
		children = t.children.Set(front, updated)
	}
	if !t.hasValue && children.Len() == 0 {
		return NewImmutableTree[T]()
	}
	return t.with(t.value, t.hasValue, children)
}

// SetTree replaces the subtree at path
func (t *ImmutableTree[T]) SetTree(path dbpath.Path, sub *ImmutableTree[T]) *ImmutableTree[T] {
	if path.IsEmpty() {
		return sub
	}
	front := path.Front()
	updated := t.Child(front).SetTree(path.PopFront(), sub)
	var children *immutable.SortedMap[string, *ImmutableTree[T]]
	if updated.IsEmpty() {
		children = t.children.Delete(front)
	} else {
		children = t.children.Set(front, updated)
	}
	return t.with(t.value, t.hasValue, children)
}

// ForEachChild visits immediate children in key order
func (t *ImmutableTree[T]) ForEachChild(fn func(name string, child *ImmutableTree[T])) {
	it := t.children.Iterator()
	for !it.Done() {
		name, child, _ := it.Next()
		fn(name, child)
	}
}

// ForEachChildValue visits immediate children that hold a value
func (t *ImmutableTree[T]) ForEachChildValue(fn func(name string, v T)) {
	t.ForEachChild(func(name string, child *ImmutableTree[T]) {
		if child.hasValue {
			fn(name, child.value)
		}
	})
}

// ForEach visits every value, children before their parent
func (t *ImmutableTree[T]) ForEach(fn func(path dbpath.Path, v T)) {
	t.forEach(dbpath.Empty, fn)
}

func (t *ImmutableTree[T]) forEach(at dbpath.Path, fn func(dbpath.Path, T)) {
	t.ForEachChild(func(name string, child *ImmutableTree[T]) {
		child.forEach(at.Child(name), fn)
	})
	if t.hasValue {
		fn(at, t.value)
	}
}

// ForEachOnPath visits values from the root down along path and returns the subtree at path
func (t *ImmutableTree[T]) ForEachOnPath(path dbpath.Path, fn func(rel dbpath.Path, v T)) *ImmutableTree[T] {
	cur := t
	rel := dbpath.Empty
	for {
		if cur.hasValue {
			fn(rel, cur.value)
		}
		if path.IsEmpty() {
			return cur
		}
		front := path.Front()
		child, ok := cur.children.Get(front)
		if !ok {
			return NewImmutableTree[T]()
		}
		cur = child
		rel = rel.Child(front)
		path = path.PopFront()
	}
}

// FindOnPath walks values from the root down along path and returns the first result fn accepts
func FindOnPath[T, R any](t *ImmutableTree[T], path dbpath.Path, fn func(rel dbpath.Path, v T) (R, bool)) (R, bool) {
	cur := t
	rel := dbpath.Empty
	for {
		if cur.hasValue {
			if r, ok := fn(rel, cur.value); ok {
				return r, true
			}
		}
		var zero R
		if path.IsEmpty() {
			return zero, false
		}
		front := path.Front()
		child, ok := cur.children.Get(front)
		if !ok {
			return zero, false
		}
		cur = child
		rel = rel.Child(front)
		path = path.PopFront()
	}
}

// Fold reduces the tree bottom up; fn receives the folded results of every child
func Fold[T, R any](t *ImmutableTree[T], fn func(path dbpath.Path, v T, hasValue bool, children map[string]R) R) R {
	return fold(t, dbpath.Empty, fn)
}

func fold[T, R any](t *ImmutableTree[T], at dbpath.Path, fn func(dbpath.Path, T, bool, map[string]R) R) R {
	acc := make(map[string]R, t.children.Len())
	t.ForEachChild(func(name string, child *ImmutableTree[T]) {
		acc[name] = fold(child, at.Child(name), fn)
	})
	return fn(at, t.value, t.hasValue, acc)
}
