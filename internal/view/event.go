package view

import (
	"fmt"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/snap"
)

// Snapshot is an immutable copy of the data at a location, ordered by the query's index
type Snapshot struct {
	path  dbpath.Path
	node  snap.Node
	index snap.Index
}

func NewSnapshot(path dbpath.Path, n snap.Node, idx snap.Index) Snapshot {
	if n == nil {
		n = snap.Empty
	}
	return Snapshot{path: path, node: n, index: idx}
}

func (s Snapshot) Path() dbpath.Path { return s.path }
func (s Snapshot) Node() snap.Node   { return s.node }
func (s Snapshot) Exists() bool      { return !s.node.IsEmpty() }
func (s Snapshot) NumChildren() int  { return s.node.NumChildren() }

// Key is the last path segment, empty at the root
func (s Snapshot) Key() string {
	if s.path.IsEmpty() {
		return ""
	}
	return s.path.Back()
}

// Val returns the data as plain Go values, nil when nothing exists
func (s Snapshot) Val() any { return s.node.Val(false) }

// ExportVal is Val with priorities kept as .priority/.value metadata
func (s Snapshot) ExportVal() any { return s.node.Val(true) }

// Priority returns the priority as a plain value, nil when unset
func (s Snapshot) Priority() any { return s.node.Priority().Val(false) }

// Child returns the snapshot at a relative path
func (s Snapshot) Child(rel string) Snapshot {
	p := dbpath.New(rel)
	return Snapshot{path: s.path.Join(p), node: s.node.Child(p), index: s.index}
}

func (s Snapshot) HasChild(rel string) bool {
	return !s.node.Child(dbpath.New(rel)).IsEmpty()
}

// ForEach visits children in index order until fn returns true
func (s Snapshot) ForEach(fn func(Snapshot) bool) bool {
	if s.node.IsLeaf() {
		return false
	}
	return s.node.ForEachChild(s.index, func(name string, child snap.Node) bool {
		return fn(Snapshot{path: s.path.Child(name), node: child, index: s.index})
	})
}

// Event is something to deliver to a listener
type Event interface {
	// Path is the location events are grouped by when queued
	Path() dbpath.Path
	Fire()
	String() string
}

// DataEvent delivers a value or child event
type DataEvent struct {
	Type     EventType
	Snapshot Snapshot
	// PrevName is the child ordered before this one; empty for the first child and for
	// value and child_removed events
	PrevName string

	fire func(*DataEvent)
}

// Path is the snapshot location for value events and its parent for child events
func (e *DataEvent) Path() dbpath.Path {
	if e.Type == Value {
		return e.Snapshot.Path()
	}
	return e.Snapshot.Path().Parent()
}

func (e *DataEvent) Fire() {
	if e.fire != nil {
		e.fire(e)
	}
}

func (e *DataEvent) String() string {
	if e.Type == Value {
		return fmt.Sprintf("%s:%s", e.Snapshot.Path(), e.Type)
	}
	return fmt.Sprintf("%s:%s:%s", e.Path(), e.Type, e.Snapshot.Key())
}

// CancelEvent tells a listener its query was revoked
type CancelEvent struct {
	Err  error
	path dbpath.Path
	fire func(error)
}

func (e *CancelEvent) Path() dbpath.Path { return e.path }

func (e *CancelEvent) Fire() {
	if e.fire != nil {
		e.fire(e.Err)
	}
}

func (e *CancelEvent) String() string {
	return fmt.Sprintf("%s:cancel", e.path)
}
