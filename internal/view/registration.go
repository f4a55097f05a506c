package view

import (
	"sync/atomic"

	"github.com/erauner12/treesync/internal/dbpath"
)

// Registration is one listener attached to a query. Registrations are compared by identity.
type Registration interface {
	RespondsTo(t EventType) bool
	CreateEvent(change Change, query QuerySpec) Event
	// CreateCancelEvent returns nil when the listener has no cancel callback
	CreateCancelEvent(err error, path dbpath.Path) Event
	// Deactivate stops delivery of events that are already queued
	Deactivate()
}

// ValueFunc receives value events
type ValueFunc func(s Snapshot)

// ChildFunc receives child events; prevName is empty for the first child and for removals
type ChildFunc func(s Snapshot, prevName string)

// ValueRegistration listens for value events
type ValueRegistration struct {
	callback ValueFunc
	cancel   func(error)
	removed  atomic.Bool
}

func NewValueRegistration(callback ValueFunc, cancel func(error)) *ValueRegistration {
	return &ValueRegistration{callback: callback, cancel: cancel}
}

func (r *ValueRegistration) RespondsTo(t EventType) bool { return t == Value }

func (r *ValueRegistration) CreateEvent(change Change, query QuerySpec) Event {
	return &DataEvent{
		Type:     Value,
		Snapshot: NewSnapshot(query.Path, change.Snap, query.Params.Index()),
		fire: func(e *DataEvent) {
			if !r.removed.Load() {
				r.callback(e.Snapshot)
			}
		},
	}
}

func (r *ValueRegistration) CreateCancelEvent(err error, path dbpath.Path) Event {
	if r.cancel == nil {
		return nil
	}
	return &CancelEvent{Err: err, path: path, fire: r.cancel}
}

func (r *ValueRegistration) Deactivate() { r.removed.Store(true) }

// ChildCallbacks selects the child events a ChildRegistration receives; nil fields are ignored
type ChildCallbacks struct {
	Added   ChildFunc
	Removed ChildFunc
	Changed ChildFunc
	Moved   ChildFunc
	Cancel  func(error)
}

// ChildRegistration listens for child events
type ChildRegistration struct {
	callbacks ChildCallbacks
	removed   atomic.Bool
}

func NewChildRegistration(callbacks ChildCallbacks) *ChildRegistration {
	return &ChildRegistration{callbacks: callbacks}
}

func (r *ChildRegistration) callback(t EventType) ChildFunc {
	switch t {
	case ChildAdded:
		return r.callbacks.Added
	case ChildRemoved:
		return r.callbacks.Removed
	case ChildChanged:
		return r.callbacks.Changed
	case ChildMoved:
		return r.callbacks.Moved
	}
	return nil
}

func (r *ChildRegistration) RespondsTo(t EventType) bool { return r.callback(t) != nil }

func (r *ChildRegistration) CreateEvent(change Change, query QuerySpec) Event {
	return &DataEvent{
		Type:     change.Type,
		Snapshot: NewSnapshot(query.Path.Child(change.ChildName), change.Snap, query.Params.Index()),
		PrevName: change.PrevName,
		fire: func(e *DataEvent) {
			if r.removed.Load() {
				return
			}
			if fn := r.callback(e.Type); fn != nil {
				fn(e.Snapshot, e.PrevName)
			}
		},
	}
}

func (r *ChildRegistration) CreateCancelEvent(err error, path dbpath.Path) Event {
	if r.callbacks.Cancel == nil {
		return nil
	}
	return &CancelEvent{Err: err, path: path, fire: r.callbacks.Cancel}
}

func (r *ChildRegistration) Deactivate() { r.removed.Store(true) }
