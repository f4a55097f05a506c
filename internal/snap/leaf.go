package snap

import (
	"strconv"
	"sync/atomic"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
)

// LeafNode holds a primitive value: string, float64, bool or Deferred
type LeafNode struct {
	value    any
	priority Node
	hash     atomic.Pointer[string]
}

// NewLeaf builds a leaf; value must be a string, float64, bool or Deferred
func NewLeaf(value any, priority Node) *LeafNode {
	switch value.(type) {
	case string, float64, bool, Deferred:
	default:
		invariant.Fail("unsupported leaf value %T", value)
	}
	invariant.Check(validatePriorityNode(priority), "invalid priority node")
	if priority != nil && priority.IsEmpty() {
		priority = nil
	}
	return &LeafNode{value: value, priority: priority}
}

// Value returns the primitive value
func (l *LeafNode) Value() any { return l.value }

func (l *LeafNode) isNode() {}

func (l *LeafNode) IsLeaf() bool { return true }

func (l *LeafNode) IsEmpty() bool { return false }

func (l *LeafNode) Priority() Node {
	if l.priority == nil {
		return Empty
	}
	return l.priority
}

func (l *LeafNode) UpdatePriority(priority Node) Node {
	return NewLeaf(l.value, priority)
}

func (l *LeafNode) ImmediateChild(name string) Node {
	if name == PriorityKey {
		return l.Priority()
	}
	return Empty
}

func (l *LeafNode) Child(path dbpath.Path) Node {
	if path.IsEmpty() {
		return l
	}
	if path.Front() == PriorityKey {
		return l.Priority()
	}
	return Empty
}

func (l *LeafNode) HasChild(string) bool { return false }

func (l *LeafNode) NumChildren() int { return 0 }

func (l *LeafNode) PredecessorChildName(string, Node, Index) (string, bool) { return "", false }

// UpdateImmediateChild converts the leaf into a children node holding child, keeping the priority
func (l *LeafNode) UpdateImmediateChild(name string, child Node) Node {
	if name == PriorityKey {
		return l.UpdatePriority(child)
	}
	if child.IsEmpty() {
		return l
	}
	return Empty.UpdateImmediateChild(name, child).UpdatePriority(l.Priority())
}

func (l *LeafNode) UpdateChild(path dbpath.Path, child Node) Node {
	front := path.Front()
	if path.IsEmpty() {
		return child
	}
	if child.IsEmpty() && front != PriorityKey {
		return l
	}
	invariant.Check(front != PriorityKey || path.Len() == 1, ".priority must be the last token in a path")
	return l.UpdateImmediateChild(front, Empty.UpdateChild(path.PopFront(), child))
}

func (l *LeafNode) Val(export bool) any {
	v := l.primitive()
	if export && l.priority != nil {
		return map[string]any{
			".value":    v,
			".priority": l.priority.Val(false),
		}
	}
	return v
}

func (l *LeafNode) primitive() any {
	if d, ok := l.value.(Deferred); ok {
		return map[string]any{".sv": d.Name}
	}
	return l.value
}

func (l *LeafNode) Hash() string {
	if h := l.hash.Load(); h != nil {
		return *h
	}
	var text string
	if l.priority != nil {
		text = "priority:" + priorityHashText(l.priority) + ":"
	}
	text += leafTypeName(l.value) + ":" + leafHashValue(l.value)
	h := sha1Base64(text)
	l.hash.Store(&h)
	return h
}

// CompareTo orders leaves before children nodes and after the empty node.
// Between leaves: booleans, then numbers, then strings, then deferred values.
func (l *LeafNode) CompareTo(other Node) int {
	switch o := other.(type) {
	case *LeafNode:
		return l.compareLeaf(o)
	default:
		if other.IsEmpty() {
			return 1
		}
		return -1
	}
}

func (l *LeafNode) compareLeaf(o *LeafNode) int {
	lt, ot := leafTypeOrder(l.value), leafTypeOrder(o.value)
	if lt != ot {
		return lt - ot
	}
	switch v := l.value.(type) {
	case bool:
		ov := o.value.(bool)
		switch {
		case v == ov:
			return 0
		case !v:
			return -1
		default:
			return 1
		}
	case float64:
		ov := o.value.(float64)
		switch {
		case v < ov:
			return -1
		case v > ov:
			return 1
		default:
			return 0
		}
	case string:
		ov := o.value.(string)
		switch {
		case v < ov:
			return -1
		case v > ov:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func (l *LeafNode) Equals(other Node) bool {
	o, ok := other.(*LeafNode)
	if !ok {
		return false
	}
	return l.value == o.value && l.Priority().Equals(o.Priority())
}

func (l *LeafNode) WithIndex(Index) Node { return l }

func (l *LeafNode) IsIndexed(Index) bool { return true }

func (l *LeafNode) ForEachChild(Index, func(string, Node) bool) bool { return false }

func leafTypeOrder(v any) int {
	switch v.(type) {
	case bool:
		return 0
	case float64:
		return 1
	case string:
		return 2
	default:
		return 3
	}
}

func leafTypeName(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	default:
		return "object"
	}
}

func leafHashValue(v any) string {
	switch tv := v.(type) {
	case bool:
		return strconv.FormatBool(tv)
	case float64:
		return ieee754Hex(tv)
	case string:
		return tv
	case Deferred:
		return ".sv=" + tv.Name
	default:
		return ""
	}
}
