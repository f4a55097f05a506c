package snap

import (
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
)

// IndexKind enumerates the supported child orderings
type IndexKind int

const (
	KeyIndexKind IndexKind = iota
	PriorityIndexKind
	ValueIndexKind
	PathIndexKind
)

// Index is a child ordering. Every ordering breaks ties on the child name.
type Index struct {
	kind IndexKind
	path dbpath.Path
}

var (
	// KeyIndex orders children by name
	KeyIndex = Index{kind: KeyIndexKind}
	// PriorityIndex orders children by priority, the default
	PriorityIndex = Index{kind: PriorityIndexKind}
	// ValueIndex orders children by their own value
	ValueIndex = Index{kind: ValueIndexKind}
)

// PathIndex orders children by the value found at path inside each child
func PathIndex(path dbpath.Path) Index {
	invariant.Check(!path.IsEmpty() && path.Front() != PriorityKey, "invalid path index %q", path)
	return Index{kind: PathIndexKind, path: path}
}

// Kind returns the ordering kind
func (i Index) Kind() IndexKind {
	return i.kind
}

// Path returns the child path of a path index
func (i Index) Path() dbpath.Path {
	return i.path
}

// Equal reports whether both indexes order children identically
func (i Index) Equal(o Index) bool {
	return i.kind == o.kind && i.path.Equal(o.path)
}

func (i Index) String() string {
	switch i.kind {
	case KeyIndexKind:
		return ".key"
	case PriorityIndexKind:
		return ".priority"
	case ValueIndexKind:
		return ".value"
	default:
		return i.path.String()[1:]
	}
}

// extract returns the value the index orders a node by
func (i Index) extract(n Node) Node {
	switch i.kind {
	case PriorityIndexKind:
		return n.Priority()
	case PathIndexKind:
		return n.Child(i.path)
	default:
		return n
	}
}

// Compare orders two named children, falling back to the name comparison
func (i Index) Compare(a, b NamedNode) int {
	if i.kind != KeyIndexKind {
		if c := i.extract(a.Node).CompareTo(i.extract(b.Node)); c != 0 {
			return c
		}
	}
	return dbpath.CompareKeys(a.Name, b.Name)
}

// IsDefinedOn reports whether n carries a value for this index
func (i Index) IsDefinedOn(n Node) bool {
	switch i.kind {
	case PriorityIndexKind:
		return !n.Priority().IsEmpty()
	case PathIndexKind:
		return !n.Child(i.path).IsEmpty()
	default:
		return true
	}
}

// IndexedValueChanged reports whether moving from old to updated changes the position of a child
func (i Index) IndexedValueChanged(old, updated Node) bool {
	switch i.kind {
	case KeyIndexKind:
		return false
	case PriorityIndexKind:
		return !old.Priority().Equals(updated.Priority())
	case ValueIndexKind:
		return !old.Equals(updated)
	default:
		return i.extract(old).CompareTo(i.extract(updated)) != 0
	}
}

// MinPost sorts before every child
func (i Index) MinPost() NamedNode {
	return MinNamedNode()
}

// MaxPost sorts after every child
func (i Index) MaxPost() NamedNode {
	switch i.kind {
	case PriorityIndexKind:
		return NamedNode{Name: dbpath.MaxName, Node: NewLeaf("[PRIORITY-POST]", MaxNode)}
	case ValueIndexKind:
		return NamedNode{Name: dbpath.MaxName, Node: MaxNode}
	case PathIndexKind:
		return NamedNode{Name: dbpath.MaxName, Node: Empty.UpdateChild(i.path, MaxNode)}
	default:
		return NamedNode{Name: dbpath.MaxName, Node: Empty}
	}
}

// MakePost builds a synthetic child positioned at (indexValue, name) under this index
func (i Index) MakePost(indexValue any, name string) NamedNode {
	switch i.kind {
	case KeyIndexKind:
		key, ok := indexValue.(string)
		invariant.Check(ok, "key index value must be a string, got %T", indexValue)
		return NamedNode{Name: key, Node: Empty}
	case PriorityIndexKind:
		return NamedNode{Name: name, Node: NewLeaf("[PRIORITY-POST]", NodeFromJSON(indexValue))}
	case ValueIndexKind:
		return NamedNode{Name: name, Node: NodeFromJSON(indexValue)}
	default:
		return NamedNode{Name: name, Node: Empty.UpdateChild(i.path, NodeFromJSON(indexValue))}
	}
}

// namedComparer adapts an Index to immutable.Comparer
type namedComparer struct {
	idx Index
}

func (c namedComparer) Compare(a, b NamedNode) int {
	return c.idx.Compare(a, b)
}

// keyComparer orders child names
type keyComparer struct{}

func (keyComparer) Compare(a, b string) int {
	return dbpath.CompareKeys(a, b)
}
