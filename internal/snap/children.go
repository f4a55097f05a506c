package snap

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
)

// ChildrenNode is an object node: named children kept in key order plus secondary indexes
type ChildrenNode struct {
	children *childMap
	priority Node
	indexes  IndexMap
	max      bool
	hash     atomic.Pointer[string]
}

var (
	// Empty is the canonical empty node; null and deleted values are represented by it
	Empty = &ChildrenNode{children: emptyChildren, indexes: defaultIndexMap}

	// MaxNode sorts after every other node. It is only used to build index posts.
	MaxNode = &ChildrenNode{children: emptyChildren, indexes: defaultIndexMap, max: true}
)

func newChildrenNode(children *childMap, priority Node, indexes IndexMap) Node {
	if children.Len() == 0 {
		return Empty
	}
	invariant.Check(validatePriorityNode(priority), "invalid priority node")
	if priority != nil && priority.IsEmpty() {
		priority = nil
	}
	return &ChildrenNode{children: children, priority: priority, indexes: indexes}
}

func (c *ChildrenNode) isNode() {}

func (c *ChildrenNode) IsLeaf() bool { return false }

func (c *ChildrenNode) IsEmpty() bool {
	return !c.max && c.children.Len() == 0
}

func (c *ChildrenNode) Priority() Node {
	if c.max {
		return c
	}
	if c.priority == nil {
		return Empty
	}
	return c.priority
}

func (c *ChildrenNode) UpdatePriority(priority Node) Node {
	if c.children.Len() == 0 {
		return Empty
	}
	return newChildrenNode(c.children, priority, c.indexes)
}

func (c *ChildrenNode) ImmediateChild(name string) Node {
	if c.max {
		return Empty
	}
	if name == PriorityKey {
		return c.Priority()
	}
	if child, ok := c.children.Get(name); ok {
		return child
	}
	return Empty
}

func (c *ChildrenNode) Child(path dbpath.Path) Node {
	if path.IsEmpty() {
		return c
	}
	return c.ImmediateChild(path.Front()).Child(path.PopFront())
}

func (c *ChildrenNode) HasChild(name string) bool {
	_, ok := c.children.Get(name)
	return ok
}

func (c *ChildrenNode) NumChildren() int {
	return c.children.Len()
}

func (c *ChildrenNode) PredecessorChildName(name string, child Node, idx Index) (string, bool) {
	if set := c.builtIndex(idx); set != nil {
		pred, ok := predecessor[NamedNode, Node](set, namedComparer{idx}, NamedNode{Name: name, Node: child})
		return pred.Name, ok
	}
	return predecessor[string, Node](c.children, keyComparer{}, name)
}

func (c *ChildrenNode) UpdateImmediateChild(name string, child Node) Node {
	if name == PriorityKey {
		return c.UpdatePriority(child)
	}
	named := NamedNode{Name: name, Node: child}
	if child.IsEmpty() {
		if !c.HasChild(name) {
			return c
		}
		children := c.children.Delete(name)
		return newChildrenNode(children, c.priority, c.indexes.removeFromIndexes(named, c.children))
	}
	children := c.children.Set(name, child)
	return newChildrenNode(children, c.priority, c.indexes.addToIndexes(named, c.children))
}

func (c *ChildrenNode) UpdateChild(path dbpath.Path, child Node) Node {
	if path.IsEmpty() {
		return child
	}
	front := path.Front()
	invariant.Check(front != PriorityKey || path.Len() == 1, ".priority must be the last token in a path")
	updated := c.ImmediateChild(front).UpdateChild(path.PopFront(), child)
	return c.UpdateImmediateChild(front, updated)
}

// Val exports the children. Objects whose keys are all non-negative integers with
// maxKey < 2*count become arrays unless exporting.
func (c *ChildrenNode) Val(export bool) any {
	if c.IsEmpty() || c.max {
		return nil
	}
	obj := make(map[string]any, c.children.Len())
	numKeys, maxKey := 0, 0
	allIntegerKeys := true
	it := c.children.Iterator()
	for !it.Done() {
		name, child, _ := it.Next()
		obj[name] = child.Val(export)
		numKeys++
		if allIntegerKeys {
			if n, ok := arrayIndex(name); ok {
				if n > maxKey {
					maxKey = n
				}
			} else {
				allIntegerKeys = false
			}
		}
	}
	if !export && allIntegerKeys && maxKey < 2*numKeys {
		arr := make([]any, maxKey+1)
		for k, v := range obj {
			n, _ := arrayIndex(k)
			arr[n] = v
		}
		return arr
	}
	if export && c.priority != nil {
		obj[PriorityKey] = c.priority.Val(false)
	}
	return obj
}

// arrayIndex accepts "0" or a decimal without leading zeros
func arrayIndex(key string) (int, bool) {
	if key == "" || (len(key) > 1 && key[0] == '0') {
		return 0, false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < '0' || key[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(key)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Hash is the priority prefix followed by ":name:hash" for each child in priority order
func (c *ChildrenNode) Hash() string {
	if h := c.hash.Load(); h != nil {
		return *h
	}
	var b strings.Builder
	if c.priority != nil {
		b.WriteString("priority:")
		b.WriteString(priorityHashText(c.priority))
		b.WriteString(":")
	}
	c.ForEachChild(PriorityIndex, func(name string, child Node) bool {
		h := child.Hash()
		if h != "" {
			b.WriteString(":")
			b.WriteString(name)
			b.WriteString(":")
			b.WriteString(h)
		}
		return false
	})
	text := b.String()
	h := ""
	if text != "" {
		h = sha1Base64(text)
	}
	c.hash.Store(&h)
	return h
}

// CompareTo orders the empty node first, then leaves, then children nodes, then MaxNode.
// Two non-empty children nodes compare equal.
func (c *ChildrenNode) CompareTo(other Node) int {
	if c.max {
		if other == Node(MaxNode) {
			return 0
		}
		return 1
	}
	if c.IsEmpty() {
		if other.IsEmpty() {
			return 0
		}
		return -1
	}
	if other.IsLeaf() || other.IsEmpty() {
		return 1
	}
	if other == Node(MaxNode) {
		return -1
	}
	return 0
}

func (c *ChildrenNode) Equals(other Node) bool {
	if other == Node(c) {
		return true
	}
	o, ok := other.(*ChildrenNode)
	if !ok || o.max || c.max {
		return false
	}
	if !c.Priority().Equals(o.Priority()) || c.children.Len() != o.children.Len() {
		return false
	}
	a, b := c.children.Iterator(), o.children.Iterator()
	for !a.Done() && !b.Done() {
		an, av, _ := a.Next()
		bn, bv, _ := b.Next()
		if an != bn || !av.Equals(bv) {
			return false
		}
	}
	return a.Done() && b.Done()
}

func (c *ChildrenNode) WithIndex(idx Index) Node {
	if idx.kind == KeyIndexKind || c.indexes.has(idx) {
		return c
	}
	return &ChildrenNode{
		children: c.children,
		priority: c.priority,
		indexes:  c.indexes.addIndex(idx, c.children),
		max:      c.max,
	}
}

func (c *ChildrenNode) IsIndexed(idx Index) bool {
	return idx.kind == KeyIndexKind || c.indexes.has(idx)
}

func (c *ChildrenNode) ForEachChild(idx Index, fn func(string, Node) bool) bool {
	it := c.iterator(idx, nil, false)
	for {
		n, ok := it.Next()
		if !ok {
			return false
		}
		if fn(n.Name, n.Node) {
			return true
		}
	}
}

// builtIndex returns the ordered set for idx, or nil when key order applies.
// An index the node does not maintain is built on the fly.
func (c *ChildrenNode) builtIndex(idx Index) *indexSet {
	if idx.kind == KeyIndexKind {
		return nil
	}
	e, ok := c.indexes.lookup(idx)
	if !ok {
		e = buildIndex(idx, c.children)
	}
	return e.set
}

// FirstChild returns the lowest child under idx
func (c *ChildrenNode) FirstChild(idx Index) (NamedNode, bool) {
	return c.iterator(idx, nil, false).Next()
}

// LastChild returns the highest child under idx
func (c *ChildrenNode) LastChild(idx Index) (NamedNode, bool) {
	return c.iterator(idx, nil, true).Next()
}
