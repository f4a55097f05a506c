package snap

import (
	"github.com/benbjohnson/immutable"
)

type childMap = immutable.SortedMap[string, Node]
type indexSet = immutable.SortedMap[NamedNode, Node]

var emptyChildren = immutable.NewSortedMap[string, Node](keyComparer{})

// indexEntry is either a fallback marker (no child defines the index yet, so key order applies)
// or a fully built ordered set of every child
type indexEntry struct {
	index Index
	set   *indexSet
}

func (e indexEntry) built() bool {
	return e.set != nil
}

// IndexMap tracks the secondary orderings maintained for a children node.
// The key index is never stored; children are always kept in key order.
type IndexMap struct {
	entries map[string]indexEntry
}

// defaultIndexMap has the priority index in fallback state
var defaultIndexMap = IndexMap{entries: map[string]indexEntry{
	PriorityIndex.String(): {index: PriorityIndex},
}}

func (m IndexMap) lookup(idx Index) (indexEntry, bool) {
	e, ok := m.entries[idx.String()]
	return e, ok
}

func (m IndexMap) has(idx Index) bool {
	_, ok := m.entries[idx.String()]
	return ok
}

func (m IndexMap) clone() map[string]indexEntry {
	out := make(map[string]indexEntry, len(m.entries)+1)
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// buildIndex returns a built entry when any child defines idx, a fallback entry otherwise
func buildIndex(idx Index, children *childMap) indexEntry {
	defined := false
	it := children.Iterator()
	for !it.Done() {
		_, child, _ := it.Next()
		if idx.IsDefinedOn(child) {
			defined = true
			break
		}
	}
	if !defined {
		return indexEntry{index: idx}
	}
	set := immutable.NewSortedMap[NamedNode, Node](namedComparer{idx})
	it = children.Iterator()
	for !it.Done() {
		name, child, _ := it.Next()
		set = set.Set(NamedNode{Name: name, Node: child}, child)
	}
	return indexEntry{index: idx, set: set}
}

// addIndex returns a map that also maintains idx
func (m IndexMap) addIndex(idx Index, children *childMap) IndexMap {
	if idx.kind == KeyIndexKind || m.has(idx) {
		return m
	}
	entries := m.clone()
	entries[idx.String()] = buildIndex(idx, children)
	return IndexMap{entries: entries}
}

// addToIndexes records that child is being inserted into (or replacing a child of) existing
func (m IndexMap) addToIndexes(child NamedNode, existing *childMap) IndexMap {
	entries := make(map[string]indexEntry, len(m.entries))
	for k, e := range m.entries {
		switch {
		case e.built():
			set := e.set
			if old, ok := existing.Get(child.Name); ok {
				set = set.Delete(NamedNode{Name: child.Name, Node: old})
			}
			entries[k] = indexEntry{index: e.index, set: set.Set(child, child.Node)}
		case e.index.IsDefinedOn(child.Node):
			// first child defining this index: build from the other children plus this one
			entries[k] = buildIndex(e.index, existing.Set(child.Name, child.Node))
		default:
			entries[k] = e
		}
	}
	return IndexMap{entries: entries}
}

// removeFromIndexes records that child is being removed from existing
func (m IndexMap) removeFromIndexes(child NamedNode, existing *childMap) IndexMap {
	entries := make(map[string]indexEntry, len(m.entries))
	for k, e := range m.entries {
		if !e.built() {
			entries[k] = e
			continue
		}
		old, ok := existing.Get(child.Name)
		if !ok {
			entries[k] = e
			continue
		}
		entries[k] = indexEntry{index: e.index, set: e.set.Delete(NamedNode{Name: child.Name, Node: old})}
	}
	return IndexMap{entries: entries}
}

// rebuild recomputes every index of m for a freshly assembled child set
func (m IndexMap) rebuild(children *childMap) IndexMap {
	entries := make(map[string]indexEntry, len(m.entries))
	for k, e := range m.entries {
		entries[k] = buildIndex(e.index, children)
	}
	return IndexMap{entries: entries}
}
