package view

import (
	"fmt"

	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/snap"
)

// EventType names an event kind
type EventType string

const (
	Value        EventType = "value"
	ChildAdded   EventType = "child_added"
	ChildRemoved EventType = "child_removed"
	ChildChanged EventType = "child_changed"
	ChildMoved   EventType = "child_moved"
	Cancel       EventType = "cancel"
)

// Change is a difference found while applying an operation to a view
type Change struct {
	Type      EventType
	Snap      snap.Node
	ChildName string
	OldSnap   snap.Node
	PrevName  string
	HasPrev   bool
}

func ValueChange(n snap.Node) Change {
	return Change{Type: Value, Snap: n}
}

func ChildAddedChange(name string, n snap.Node) Change {
	return Change{Type: ChildAdded, Snap: n, ChildName: name}
}

func ChildRemovedChange(name string, n snap.Node) Change {
	return Change{Type: ChildRemoved, Snap: n, ChildName: name}
}

func ChildChangedChange(name string, n, old snap.Node) Change {
	return Change{Type: ChildChanged, Snap: n, ChildName: name, OldSnap: old}
}

func ChildMovedChange(name string, n snap.Node) Change {
	return Change{Type: ChildMoved, Snap: n, ChildName: name}
}

func (c Change) String() string {
	return fmt.Sprintf("%s(%s)", c.Type, c.ChildName)
}

// ChildChangeAccumulator folds successive child changes into one change per child
type ChildChangeAccumulator struct {
	order   []string
	changes map[string]Change
}

// NewChildChangeAccumulator returns an empty accumulator
func NewChildChangeAccumulator() *ChildChangeAccumulator {
	return &ChildChangeAccumulator{changes: make(map[string]Change)}
}

// TrackChildChange records change, combining it with an earlier change to the same child
func (a *ChildChangeAccumulator) TrackChildChange(change Change) {
	invariant.Check(change.Type == ChildAdded || change.Type == ChildChanged || change.Type == ChildRemoved,
		"only child changes supported for tracking, got %s", change.Type)
	invariant.Check(change.ChildName != snap.PriorityKey, "only non-priority child changes can be tracked")

	key := change.ChildName
	old, ok := a.changes[key]
	if !ok {
		a.order = append(a.order, key)
		a.changes[key] = change
		return
	}
	switch {
	case change.Type == ChildAdded && old.Type == ChildRemoved:
		a.changes[key] = ChildChangedChange(key, change.Snap, old.Snap)
	case change.Type == ChildRemoved && old.Type == ChildAdded:
		delete(a.changes, key)
	case change.Type == ChildRemoved && old.Type == ChildChanged:
		a.changes[key] = ChildRemovedChange(key, old.OldSnap)
	case change.Type == ChildChanged && old.Type == ChildAdded:
		a.changes[key] = ChildAddedChange(key, change.Snap)
	case change.Type == ChildChanged && old.Type == ChildChanged:
		a.changes[key] = ChildChangedChange(key, change.Snap, old.OldSnap)
	default:
		invariant.Fail("illegal combination of changes: %s occurred after %s", change, old)
	}
}

// Changes returns the folded changes in first-seen order
func (a *ChildChangeAccumulator) Changes() []Change {
	out := make([]Change, 0, len(a.changes))
	seen := make(map[string]bool, len(a.changes))
	for _, key := range a.order {
		if c, ok := a.changes[key]; ok && !seen[key] {
			seen[key] = true
			out = append(out, c)
		}
	}
	return out
}
