package snap

import (
	"github.com/benbjohnson/immutable"
)

// ChildIterator walks children in index order
type ChildIterator struct {
	next func() (NamedNode, bool)
}

// Next returns the next child; ok is false once the iterator is exhausted
func (it *ChildIterator) Next() (NamedNode, bool) {
	if it == nil || it.next == nil {
		return NamedNode{}, false
	}
	return it.next()
}

// Iterator walks all children of n in idx order. Leaves have no children.
func Iterator(n Node, idx Index) *ChildIterator {
	if c, ok := n.(*ChildrenNode); ok {
		return c.iterator(idx, nil, false)
	}
	return &ChildIterator{}
}

// IteratorFrom walks children of n that sort at or after start
func IteratorFrom(n Node, start NamedNode, idx Index) *ChildIterator {
	if c, ok := n.(*ChildrenNode); ok {
		return c.iterator(idx, &start, false)
	}
	return &ChildIterator{}
}

// ReverseIterator walks all children of n from the highest down
func ReverseIterator(n Node, idx Index) *ChildIterator {
	if c, ok := n.(*ChildrenNode); ok {
		return c.iterator(idx, nil, true)
	}
	return &ChildIterator{}
}

// ReverseIteratorFrom walks children of n that sort at or before start, highest first
func ReverseIteratorFrom(n Node, start NamedNode, idx Index) *ChildIterator {
	if c, ok := n.(*ChildrenNode); ok {
		return c.iterator(idx, &start, true)
	}
	return &ChildIterator{}
}

// FirstChild returns the lowest child of n under idx
func FirstChild(n Node, idx Index) (NamedNode, bool) {
	return Iterator(n, idx).Next()
}

// LastChild returns the highest child of n under idx
func LastChild(n Node, idx Index) (NamedNode, bool) {
	return ReverseIterator(n, idx).Next()
}

func (c *ChildrenNode) iterator(idx Index, start *NamedNode, reverse bool) *ChildIterator {
	if set := c.builtIndex(idx); set != nil {
		next := walk[NamedNode, Node](set, namedComparer{idx}, start, reverse)
		return &ChildIterator{next: func() (NamedNode, bool) {
			k, _, ok := next()
			return k, ok
		}}
	}
	var startKey *string
	if start != nil {
		// in key order (and for fallback indexes) only the name positions a child
		startKey = &start.Name
		if idx.kind != KeyIndexKind && start.Node != nil && idx.IsDefinedOn(start.Node) {
			// no child defines the index, so every child sorts before a defined post
			if reverse {
				startKey = nil
			} else {
				return &ChildIterator{}
			}
		}
	}
	next := walk[string, Node](c.children, keyComparer{}, startKey, reverse)
	return &ChildIterator{next: func() (NamedNode, bool) {
		k, v, ok := next()
		return NamedNode{Name: k, Node: v}, ok
	}}
}

// walk returns a generator over m, optionally positioned at start
func walk[K, V any](m *immutable.SortedMap[K, V], cmp immutable.Comparer[K], start *K, reverse bool) func() (K, V, bool) {
	if m.Len() == 0 {
		return func() (k K, v V, ok bool) { return k, v, false }
	}
	it := m.Iterator()
	if !reverse {
		if start != nil {
			it.Seek(*start)
		}
		return it.Next
	}

	var pendingKey K
	var pendingVal V
	pending := false
	if start == nil {
		it.Last()
	} else {
		it.Seek(*start)
		if it.Done() {
			it.Last()
		} else if k, v, _ := it.Prev(); cmp.Compare(k, *start) <= 0 {
			pendingKey, pendingVal, pending = k, v, true
		}
	}
	return func() (K, V, bool) {
		if pending {
			pending = false
			return pendingKey, pendingVal, true
		}
		return it.Prev()
	}
}

// predecessor returns the largest key of m strictly below key
func predecessor[K, V any](m *immutable.SortedMap[K, V], cmp immutable.Comparer[K], key K) (K, bool) {
	var zero K
	if m.Len() == 0 {
		return zero, false
	}
	it := m.Iterator()
	it.Seek(key)
	if it.Done() {
		it.Last()
		k, _, ok := it.Prev()
		return k, ok
	}
	// the iterator sits on the first key >= key
	if k, _, ok := it.Prev(); ok && cmp.Compare(k, key) < 0 {
		return k, true
	}
	k, _, ok := it.Prev()
	if !ok {
		return zero, false
	}
	return k, true
}
