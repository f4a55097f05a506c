// Package snap holds the immutable tree representation of synchronized data.
//
// A Node is either a *LeafNode (string, float64, bool or a deferred server value) or a
// *ChildrenNode (a persistent sorted child set plus lazily built secondary indexes). Both
// carry a priority. Every mutation returns a new Node and shares untouched subtrees with the
// previous version, so nodes can be handed to listeners and kept in several views at once.
package snap

import (
	"github.com/erauner12/treesync/internal/dbpath"
)

// PriorityKey is the pseudo child name addressing a node's priority
const PriorityKey = ".priority"

// Node is an immutable JSON-like value with a priority
type Node interface {
	// IsLeaf reports whether the node is a *LeafNode
	IsLeaf() bool
	// IsEmpty reports whether the node is the canonical empty node
	IsEmpty() bool
	Priority() Node
	UpdatePriority(priority Node) Node
	ImmediateChild(name string) Node
	Child(path dbpath.Path) Node
	HasChild(name string) bool
	NumChildren() int
	// PredecessorChildName returns the name of the child ordered right before (name, child)
	// under idx; ok is false when it is the first child.
	PredecessorChildName(name string, child Node, idx Index) (pred string, ok bool)
	UpdateImmediateChild(name string, child Node) Node
	UpdateChild(path dbpath.Path, child Node) Node
	// Val exports the node as plain Go values (nil, bool, float64, string, map[string]any, []any).
	// With export set, priorities are kept as ".priority" / ".value" metadata and arrays are
	// never synthesized.
	Val(export bool) any
	Hash() string
	CompareTo(other Node) int
	Equals(other Node) bool
	WithIndex(idx Index) Node
	IsIndexed(idx Index) bool
	// ForEachChild visits children in idx order; fn returns true to stop.
	// The return value reports whether iteration was stopped.
	ForEachChild(idx Index, fn func(name string, child Node) bool) bool

	isNode()
}

// NamedNode pairs a child name with its node
type NamedNode struct {
	Name string
	Node Node
}

// MinNamedNode sorts before every child under every index
func MinNamedNode() NamedNode {
	return NamedNode{Name: dbpath.MinName, Node: Empty}
}

// Deferred is a placeholder leaf value resolved by the server at write time ({".sv": Name})
type Deferred struct {
	Name string
}

// TimestampPlaceholder is the only deferred value currently defined
var TimestampPlaceholder = Deferred{Name: "timestamp"}

// IsDeferred reports whether n is a leaf holding an unresolved server value
func IsDeferred(n Node) bool {
	if l, ok := n.(*LeafNode); ok {
		_, d := l.value.(Deferred)
		return d
	}
	return false
}

// validatePriorityNode enforces that priorities are empty, MaxNode, or string/number/deferred
// leaves without a priority of their own
func validatePriorityNode(p Node) bool {
	if p == nil {
		return true
	}
	if p == Node(MaxNode) {
		return true
	}
	switch pn := p.(type) {
	case *LeafNode:
		switch pn.value.(type) {
		case string, float64, Deferred:
		default:
			return false
		}
		return pn.priority == nil || pn.priority.IsEmpty()
	case *ChildrenNode:
		return pn.IsEmpty()
	}
	return false
}
