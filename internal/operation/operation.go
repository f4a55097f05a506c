// Package operation describes the changes applied to the sync tree.
package operation

import (
	"fmt"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/sparse"
)

// Type distinguishes the operation variants
type Type int

const (
	Overwrite Type = iota
	Merge
	AckUserWrite
	ListenComplete
)

func (t Type) String() string {
	switch t {
	case Overwrite:
		return "overwrite"
	case Merge:
		return "merge"
	case AckUserWrite:
		return "ack"
	case ListenComplete:
		return "listen_complete"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Source records where an operation came from
type Source struct {
	FromUser   bool
	FromServer bool
	QueryID    string
	Tagged     bool
}

var (
	// User marks local writes and their acknowledgements
	User = Source{FromUser: true}
	// Server marks untagged server data
	Server = Source{FromServer: true}
)

// ForServerTaggedQuery marks server data addressed to one filtered query
func ForServerTaggedQuery(queryID string) Source {
	return Source{FromServer: true, QueryID: queryID, Tagged: true}
}

// Operation is one change, relative to Path.
//
// Overwrite uses Snap, Merge uses Children (relative paths to new values),
// AckUserWrite uses Affected and Revert.
type Operation struct {
	Type   Type
	Source Source
	Path   dbpath.Path

	Snap     snap.Node
	Children *sparse.ImmutableTree[snap.Node]
	Affected *sparse.ImmutableTree[bool]
	Revert   bool
}

// NewOverwrite replaces the data at path
func NewOverwrite(source Source, path dbpath.Path, n snap.Node) Operation {
	return Operation{Type: Overwrite, Source: source, Path: path, Snap: n}
}

// NewMerge replaces each child path in children below path
func NewMerge(source Source, path dbpath.Path, children *sparse.ImmutableTree[snap.Node]) Operation {
	return Operation{Type: Merge, Source: source, Path: path, Children: children}
}

// NewAckUserWrite confirms (or with revert, undoes) a user write covering affected
func NewAckUserWrite(path dbpath.Path, affected *sparse.ImmutableTree[bool], revert bool) Operation {
	return Operation{Type: AckUserWrite, Source: User, Path: path, Affected: affected, Revert: revert}
}

// NewListenComplete reports that the server finished its initial data for path
func NewListenComplete(source Source, path dbpath.Path) Operation {
	return Operation{Type: ListenComplete, Source: source, Path: path}
}

// ForChild projects the operation onto the named child. ok is false when the
// operation does not touch that child.
func (o Operation) ForChild(name string) (Operation, bool) {
	switch o.Type {
	case Overwrite:
		if o.Path.IsEmpty() {
			return NewOverwrite(o.Source, dbpath.Empty, o.Snap.ImmediateChild(name)), true
		}
		return NewOverwrite(o.Source, o.Path.PopFront(), o.Snap), true

	case Merge:
		if o.Path.IsEmpty() {
			sub := o.Children.Subtree(dbpath.FromSegments(name))
			if sub.IsEmpty() {
				return Operation{}, false
			}
			if v, ok := sub.Value(); ok {
				return NewOverwrite(o.Source, dbpath.Empty, v), true
			}
			return NewMerge(o.Source, dbpath.Empty, sub), true
		}
		invariant.Check(o.Path.Front() == name, "merge for child %q not on path %s", name, o.Path)
		return NewMerge(o.Source, o.Path.PopFront(), o.Children), true

	case AckUserWrite:
		if !o.Path.IsEmpty() {
			invariant.Check(o.Path.Front() == name, "ack for child %q not on path %s", name, o.Path)
			return NewAckUserWrite(o.Path.PopFront(), o.Affected, o.Revert), true
		}
		if _, ok := o.Affected.Value(); ok {
			invariant.Check(o.Affected.NumChildren() == 0, "affected tree should not have overlapping paths")
			return o, true
		}
		return NewAckUserWrite(dbpath.Empty, o.Affected.Subtree(dbpath.FromSegments(name)), o.Revert), true

	case ListenComplete:
		if o.Path.IsEmpty() {
			return NewListenComplete(o.Source, dbpath.Empty), true
		}
		return NewListenComplete(o.Source, o.Path.PopFront()), true
	}
	invariant.Fail("unknown operation type %v", o.Type)
	return Operation{}, false
}

func (o Operation) String() string {
	return fmt.Sprintf("%s(%s user=%v server=%v query=%q)", o.Type, o.Path, o.Source.FromUser, o.Source.FromServer, o.Source.QueryID)
}
